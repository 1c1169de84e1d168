package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/angelmondragon/pantry-backend/pkg/logger"
)

const defaultPublishTimeout = 10 * time.Second

// Type names an order lifecycle event.
type Type string

const (
	OrderPaid           Type = "order.paid"
	OrderStatusChanged  Type = "order.status_changed"
	OrderRefunded       Type = "order.refunded"
	OrderLabelCreated   Type = "order.label_created"
	WebhookDeadLettered Type = "webhook.dead_lettered"
)

// Event is one lifecycle notification for downstream consumers.
type Event struct {
	ID         string         `json:"event_id"`
	Type       Type           `json:"event_type"`
	OrderID    string         `json:"order_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// Publisher emits lifecycle events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type messagePublisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

// PubSubPublisher writes events to the order-events topic.
type PubSubPublisher struct {
	pub     messagePublisher
	logger  *logger.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewPubSubPublisher wraps a topic publisher from pkg/pubsub.
func NewPubSubPublisher(p *gcppubsub.Publisher, logg *logger.Logger) (*PubSubPublisher, error) {
	if p == nil {
		return nil, errors.New("pubsub publisher required")
	}
	return newPubSubPublisher(&gcpPublisher{Publisher: p}, logg), nil
}

func newPubSubPublisher(pub messagePublisher, logg *logger.Logger) *PubSubPublisher {
	return &PubSubPublisher{
		pub:     pub,
		logger:  logg,
		timeout: defaultPublishTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (p *PubSubPublisher) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &gcppubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event_id":    event.ID,
			"event_type":  string(event.Type),
			"order_id":    event.OrderID,
			"occurred_at": event.OccurredAt.Format(time.RFC3339Nano),
		},
	}

	publishCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	result := p.pub.Publish(publishCtx, msg)
	if result == nil {
		return fmt.Errorf("publisher returned nil for %s", event.Type)
	}
	serverID, err := result.Get(publishCtx)
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}

	if p.logger != nil {
		logCtx := p.logger.WithFields(ctx, map[string]any{
			"event_id":   event.ID,
			"event_type": event.Type,
			"order_id":   event.OrderID,
			"message_id": serverID,
		})
		p.logger.Debug(logCtx, "order event published")
	}
	return nil
}

// Noop drops events; used when no topic is configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}
