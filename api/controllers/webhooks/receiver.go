package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/pantry-backend/api/responses"
	"github.com/angelmondragon/pantry-backend/internal/queue"
	"github.com/angelmondragon/pantry-backend/internal/webhooks"
	"github.com/angelmondragon/pantry-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
	"github.com/angelmondragon/pantry-backend/pkg/metrics"
)

const maxWebhookBodyBytes = 1 << 20

type validator interface {
	Validate(body []byte, headers http.Header) webhooks.Verdict
}

type idempotencyGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

type deliveryQueue interface {
	Attempt(ctx context.Context, d webhooks.Delivery) error
	EnqueueWebhook(ctx context.Context, d webhooks.Delivery, delay time.Duration) (uuid.UUID, error)
	FirstRetryDelay() time.Duration
}

type deadLetterSink interface {
	Record(ctx context.Context, item queue.Item, reason enums.DeadLetterReason, cause error) error
}

// ReceiverParams wires one provider endpoint.
type ReceiverParams struct {
	Provider    enums.WebhookProvider
	Validator   validator
	Parse       func(body []byte) (webhooks.Delivery, error)
	Guard       idempotencyGuard
	Queue       deliveryQueue
	DeadLetters deadLetterSink
	Metrics     *metrics.WebhookMetrics
	Logger      *logger.Logger
}

// Receiver authenticates a provider delivery, drops redeliveries, then makes
// one bounded attempt before handing failures to the queue. Authentic
// deliveries are always acknowledged with 200 so the provider stops retrying.
func Receiver(p ReceiverParams) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		start := time.Now()
		logg := p.Logger

		if p.Validator == nil || p.Parse == nil || p.Queue == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook receiver not configured"))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		verdict := p.Validator.Validate(body, r.Header)
		if !verdict.Valid {
			p.Metrics.RecordEvent(ctx, p.Provider.String(), metrics.OutcomeRejected, time.Since(start))
			if logg != nil {
				logg.Warn(logg.WithFields(ctx, map[string]any{
					"provider": p.Provider.String(),
					"reason":   string(verdict.Reason),
				}), "webhook rejected")
			}
			responses.WriteRejection(ctx, w, verdict)
			return
		}

		d, err := p.Parse(body)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			ctx = logg.WithEvent(ctx, d.EventID, d.EventType)
			ctx = logg.WithField(ctx, "provider", d.Provider.String())
		}

		if p.Guard != nil {
			seen, err := p.Guard.CheckAndMark(ctx, d.EventID)
			switch {
			case err != nil:
				warn(ctx, logg, "idempotency check unavailable; processing anyway", err)
			case seen:
				p.Metrics.RecordEvent(ctx, d.EventType, metrics.OutcomeDuplicate, time.Since(start))
				info(ctx, logg, "duplicate webhook ignored")
				responses.WriteReceipt(w, responses.ReceiptDuplicate, d.EventID)
				return
			}
		}

		err = p.Queue.Attempt(ctx, d)
		if err == nil {
			p.Metrics.RecordEvent(ctx, d.EventType, metrics.OutcomeSuccess, time.Since(start))
			info(ctx, logg, "webhook processed")
			responses.WriteReceipt(w, responses.ReceiptProcessed, d.EventID)
			return
		}

		class := pkgerrors.Classify(err)
		if !errors.Is(err, queue.ErrAtCapacity) && !class.CanRetry {
			p.forget(ctx, d)
			p.Metrics.RecordEvent(ctx, d.EventType, metrics.OutcomeDeadLettered, time.Since(start))
			if logg != nil {
				logg.Error(logg.WithField(ctx, "error_type", string(class.Type)), "webhook failed permanently", err)
			}
			if p.DeadLetters != nil {
				item := queue.Item{Kind: queue.KindWebhook, Delivery: d}
				if recErr := p.DeadLetters.Record(ctx, item, enums.DeadLetterReasonNonRetryable, err); recErr != nil {
					warn(ctx, logg, "dead letter not recorded", recErr)
				}
			}
			responses.WriteReceipt(w, responses.ReceiptDeadLettered, d.EventID)
			return
		}

		delay := p.Queue.FirstRetryDelay()
		if errors.Is(err, queue.ErrAtCapacity) {
			delay = 0
		}
		if _, enqueueErr := p.Queue.EnqueueWebhook(ctx, d, delay); enqueueErr != nil {
			p.forget(ctx, d)
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, enqueueErr, "queue webhook"))
			return
		}
		p.Metrics.RecordEvent(ctx, d.EventType, metrics.OutcomeQueued, time.Since(start))
		if logg != nil {
			logg.Warn(logg.WithFields(ctx, map[string]any{
				"error":      err.Error(),
				"error_type": string(class.Type),
				"retry_in":   delay.String(),
			}), "webhook deferred to queue")
		}
		responses.WriteReceipt(w, responses.ReceiptQueued, d.EventID)
	}
}

// forget clears the dedupe mark so a provider redelivery is processed again.
func (p ReceiverParams) forget(ctx context.Context, d webhooks.Delivery) {
	if p.Guard == nil {
		return
	}
	if err := p.Guard.Delete(ctx, d.EventID); err != nil {
		warn(ctx, p.Logger, "idempotency key not cleared", err)
	}
}

func info(ctx context.Context, logg *logger.Logger, msg string) {
	if logg != nil {
		logg.Info(ctx, msg)
	}
}

func warn(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg != nil {
		logg.Warn(logg.WithField(ctx, "error", err.Error()), msg)
	}
}
