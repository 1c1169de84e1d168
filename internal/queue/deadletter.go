package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/datatypes"

	"github.com/angelmondragon/pantry-backend/internal/events"
	"github.com/angelmondragon/pantry-backend/internal/notifications"
	"github.com/angelmondragon/pantry-backend/internal/orders"
	"github.com/angelmondragon/pantry-backend/internal/webhooks"
	"github.com/angelmondragon/pantry-backend/pkg/db/models"
	"github.com/angelmondragon/pantry-backend/pkg/enums"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
	"github.com/angelmondragon/pantry-backend/pkg/metrics"
)

type deadLetterNotifier interface {
	DeadLettered(ctx context.Context, notice notifications.DeadLetterNotice) error
}

// WebhookEnqueuer puts a delivery back on the queue.
type WebhookEnqueuer interface {
	EnqueueWebhook(ctx context.Context, d webhooks.Delivery, delay time.Duration) (uuid.UUID, error)
}

type DeadLetterParams struct {
	Repo      orders.DeadLetterRepository
	Notifier  deadLetterNotifier
	Publisher events.Publisher
	Metrics   *metrics.WebhookMetrics
	Logger    *logger.Logger
}

// DeadLetterRecorder persists exhausted webhook items and tells an operator.
type DeadLetterRecorder struct {
	repo      orders.DeadLetterRepository
	notifier  deadLetterNotifier
	publisher events.Publisher
	metrics   *metrics.WebhookMetrics
	logg      *logger.Logger
}

func NewDeadLetterRecorder(params DeadLetterParams) (*DeadLetterRecorder, error) {
	if params.Repo == nil {
		return nil, errors.New("dead letter repository required")
	}
	return &DeadLetterRecorder{
		repo:      params.Repo,
		notifier:  params.Notifier,
		publisher: params.Publisher,
		metrics:   params.Metrics,
		logg:      params.Logger,
	}, nil
}

// Record stores the item. The notification and event are best effort; only
// a failed insert is returned.
func (r *DeadLetterRecorder) Record(ctx context.Context, item Item, reason enums.DeadLetterReason, cause error) error {
	d := item.Delivery
	letter := &models.WebhookDeadLetter{
		Provider:     d.Provider,
		EventID:      d.EventID,
		EventType:    d.EventType,
		Payload:      datatypes.JSON(d.Payload),
		ErrorReason:  reason,
		AttemptCount: item.RetryCount + 1,
	}
	if d.OrderID != "" {
		orderID := d.OrderID
		letter.OrderID = &orderID
	}
	message := ""
	if cause != nil {
		message = cause.Error()
		letter.ErrorMessage = &message
	}

	if err := r.repo.Insert(ctx, letter); err != nil {
		return err
	}
	r.metrics.IncDeadLetter(d.Provider.String(), d.EventType)

	var sideEffects error
	if r.notifier != nil {
		sideEffects = multierr.Append(sideEffects, r.notifier.DeadLettered(ctx, notifications.DeadLetterNotice{
			DeadLetterID: letter.ID.String(),
			Provider:     d.Provider.String(),
			EventID:      d.EventID,
			EventType:    d.EventType,
			OrderID:      d.OrderID,
			Reason:       string(reason),
			Error:        message,
			Attempts:     letter.AttemptCount,
		}))
	}
	if r.publisher != nil {
		sideEffects = multierr.Append(sideEffects, r.publisher.Publish(ctx, events.Event{
			Type:    events.WebhookDeadLettered,
			OrderID: d.OrderID,
			Data: map[string]any{
				"dead_letter_id": letter.ID.String(),
				"provider":       d.Provider.String(),
				"event_id":       d.EventID,
				"event_type":     d.EventType,
				"reason":         string(reason),
				"attempts":       letter.AttemptCount,
			},
		}))
	}
	if sideEffects != nil && r.logg != nil {
		r.logg.Warn(r.logg.WithFields(ctx, map[string]any{
			"dead_letter_id": letter.ID.String(),
			"error":          sideEffects.Error(),
		}), "dead letter side effects failed")
	}
	return nil
}

// Replay moves a dead letter back onto the queue for immediate processing.
func (r *DeadLetterRecorder) Replay(ctx context.Context, id uuid.UUID, queue WebhookEnqueuer) (uuid.UUID, error) {
	if queue == nil {
		return uuid.Nil, errors.New("queue required")
	}
	letter, err := r.repo.FindByID(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	d := webhooks.Delivery{
		Provider:  letter.Provider,
		EventID:   letter.EventID,
		EventType: letter.EventType,
		Payload:   []byte(letter.Payload),
	}
	if letter.OrderID != nil {
		d.OrderID = *letter.OrderID
	}
	itemID, err := queue.EnqueueWebhook(ctx, d, 0)
	if err != nil {
		return uuid.Nil, err
	}
	if err := r.repo.Delete(ctx, id); err != nil {
		return itemID, err
	}
	if r.logg != nil {
		r.logg.Info(r.logg.WithFields(ctx, map[string]any{
			"dead_letter_id": id.String(),
			"queue_item":     itemID.String(),
			"event_id":       d.EventID,
		}), "dead letter replayed")
	}
	return itemID, nil
}
