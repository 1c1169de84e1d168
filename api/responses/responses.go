package responses

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/angelmondragon/pantry-backend/internal/webhooks"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
)

// Envelope wraps every successful body as {"data": ...}.
type Envelope struct {
	Data any `json:"data"`
}

// ErrorBody is the client view of a coded failure.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorEnvelope wraps failures as {"error": {...}}.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// ReceiptStatus says what happened to an authenticated webhook delivery.
type ReceiptStatus string

const (
	ReceiptProcessed    ReceiptStatus = "processed"
	ReceiptQueued       ReceiptStatus = "queued"
	ReceiptDuplicate    ReceiptStatus = "duplicate"
	ReceiptDeadLettered ReceiptStatus = "dead_lettered"
)

// Receipt is the acknowledgement body returned to webhook providers.
type Receipt struct {
	Status  ReceiptStatus `json:"status"`
	EventID string        `json:"event_id"`
}

func WriteSuccess(w http.ResponseWriter, data any) {
	WriteSuccessStatus(w, http.StatusOK, data)
}

func WriteSuccessStatus(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Envelope{Data: data})
}

// WriteReceipt acknowledges an authentic delivery. Providers only look at the
// 200; the body is for operators replaying deliveries by hand.
func WriteReceipt(w http.ResponseWriter, status ReceiptStatus, eventID string) {
	WriteSuccess(w, Receipt{Status: status, EventID: eventID})
}

// WriteRejection answers a delivery that failed authentication. Rejections are
// logged by the receiver with the verdict reason, so nothing is logged here.
func WriteRejection(ctx context.Context, w http.ResponseWriter, v webhooks.Verdict) {
	WriteError(ctx, nil, w, rejectionError(v))
}

func rejectionError(v webhooks.Verdict) error {
	switch v.StatusCode() {
	case http.StatusBadRequest:
		return pkgerrors.New(pkgerrors.CodeValidation, "malformed webhook body")
	case http.StatusInternalServerError:
		return pkgerrors.New(pkgerrors.CodeInternal, "webhook secret not configured")
	default:
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid webhook signature")
	}
}

// WriteError renders err with the status and message policy of its code.
// Errors without a code are reported as internal and never leak their text.
func WriteError(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	typed := pkgerrors.As(err)
	if typed == nil {
		typed = pkgerrors.Wrap(pkgerrors.CodeInternal, err, "unexpected error")
	}

	meta := pkgerrors.MetadataFor(typed.Code())
	body := ErrorBody{
		Code:    string(typed.Code()),
		Message: meta.ClientMessage(typed.Message()),
	}
	if meta.DetailsAllowed {
		body.Details = typed.Details()
	}

	if logg != nil {
		fields := pkgerrors.Dump(err).Fields()
		fields["http_status"] = meta.HTTPStatus
		if step := detailValue(typed, "step"); step != nil {
			fields["step"] = step
		}
		logg.Error(logg.WithFields(ctx, fields), "request.error", err)
	}

	writeJSON(w, meta.HTTPStatus, ErrorEnvelope{Error: body})
}

func detailValue(e *pkgerrors.Error, key string) any {
	if m, ok := e.Details().(map[string]any); ok {
		return m[key]
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Int("status", status).Msg("failed to encode response")
	}
}
