package queue

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/pantry-backend/internal/webhooks"
	"github.com/angelmondragon/pantry-backend/pkg/sendgrid"
)

// Kind separates the two lanes of the queue. Webhooks always go first.
type Kind string

const (
	KindWebhook Kind = "webhook"
	KindEmail   Kind = "email"
)

// Item is one unit of deferred work.
type Item struct {
	ID          uuid.UUID
	Kind        Kind
	Delivery    webhooks.Delivery
	Email       sendgrid.Message
	RetryCount  int
	MaxRetries  int
	NextAttempt time.Time
	CreatedAt   time.Time
	LastError   string

	inFlight bool
}

// Label is the metric and log label for the item.
func (i *Item) Label() string {
	if i.Kind == KindEmail {
		return "email"
	}
	return i.Delivery.EventType
}

// Stats is a point-in-time view of the queue for the admin surface.
type Stats struct {
	Webhooks       int       `json:"webhooks"`
	Emails         int       `json:"emails"`
	ActiveWebhooks int       `json:"active_webhooks"`
	InFlightEmails int       `json:"in_flight_emails"`
	NextAttempt    time.Time `json:"next_attempt,omitempty"`
}

func isRateLimitMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "429")
}
