package middleware

import "context"

type contextKey string

const (
	ctxRequestID    contextKey = "request_id"
	ctxAdminSubject contextKey = "admin_subject"
	ctxAdminEmail   contextKey = "admin_email"
)

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, ctxRequestID)
}

// AdminSubjectFromContext returns the operator authenticated by AdminAuth.
func AdminSubjectFromContext(ctx context.Context) string {
	return stringValue(ctx, ctxAdminSubject)
}

func AdminEmailFromContext(ctx context.Context) string {
	return stringValue(ctx, ctxAdminEmail)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxRequestID, requestID)
}

func withAdmin(ctx context.Context, subject, email string) context.Context {
	ctx = context.WithValue(ctx, ctxAdminSubject, subject)
	return context.WithValue(ctx, ctxAdminEmail, email)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
