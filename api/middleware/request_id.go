package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/pantry-backend/pkg/logger"
)

const (
	requestIDHeader = "X-Request-Id"
	// Cloud Run fronts every request with a trace header; its trace id is
	// reused when the caller sent no request id.
	cloudTraceHeader = "X-Cloud-Trace-Context"
	maxRequestIDLen  = 128
)

// RequestID tags the request with an id taken from X-Request-Id, then the
// Cloud Run trace id, and otherwise a fresh uuid. The id is echoed back.
func RequestID(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := incomingRequestID(r.Header)
			w.Header().Set(requestIDHeader, reqID)

			ctx := WithRequestID(r.Context(), reqID)
			if logg != nil {
				ctx = logg.WithRequestID(ctx, reqID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func incomingRequestID(h http.Header) string {
	if id := strings.TrimSpace(h.Get(requestIDHeader)); usableRequestID(id) {
		return id
	}
	trace, _, _ := strings.Cut(h.Get(cloudTraceHeader), "/")
	if trace = strings.TrimSpace(trace); usableRequestID(trace) {
		return trace
	}
	return uuid.NewString()
}

func usableRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	return !strings.ContainsFunc(id, func(r rune) bool { return r < 0x21 || r > 0x7e })
}
