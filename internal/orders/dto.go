package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/pantry-backend/pkg/db/models"
	"github.com/angelmondragon/pantry-backend/pkg/enums"
)

// PaymentUpdate is a provider payment event reduced to the fields reconciliation needs.
type PaymentUpdate struct {
	EventID         string
	EventType       string
	SquarePaymentID string
	SquareOrderID   string
	ProviderStatus  string
	AmountCents     int64
	Currency        string
	Raw             json.RawMessage
}

// PaymentOutcome reports what ApplyPaymentUpdate committed.
type PaymentOutcome struct {
	OrderID       uuid.UUID
	Duplicate     bool
	NewlyPaid     bool
	PaymentStatus enums.PaymentStatus
	OrderStatus   enums.OrderStatus
	NeedsLabel    bool
	Order         *models.Order
}

// OrderUpdate carries an order or fulfillment state change from the provider.
type OrderUpdate struct {
	EventID          string
	EventType        string
	SquareOrderID    string
	State            string
	FulfillmentState string
	Raw              json.RawMessage
}

// OrderOutcome reports the status change, if any, an order event produced.
type OrderOutcome struct {
	OrderID  uuid.UUID
	Previous enums.OrderStatus
	Current  enums.OrderStatus
	Changed  bool
}

// RefundUpdate carries a provider refund event.
type RefundUpdate struct {
	EventID         string
	EventType       string
	RefundID        string
	SquarePaymentID string
	SquareOrderID   string
	Status          string
	AmountCents     int64
}

// RefundOutcome reports what ApplyRefund committed.
type RefundOutcome struct {
	OrderID   uuid.UUID
	Duplicate bool
	Refunded  bool
}

// AwaitingLabelQuery selects paid shipping orders still missing a label.
// Orders with the fewest carrier attempts come first, then the ones idle
// longest, so a few orders that keep failing cannot hold a batch.
type AwaitingLabelQuery struct {
	Limit int
	// IdleBefore, when set, skips orders updated at or after it.
	IdleBefore time.Time
	// MaxAttempts, when positive, skips orders whose retry_count reached it.
	MaxAttempts int
}

// LabelRecord is a purchased carrier label.
type LabelRecord struct {
	LabelURL       string
	TrackingNumber string
	Carrier        string
	RateID         string
	CreatedAt      time.Time
}

// LabelOutcome reports whether RecordLabel wrote the label. Changed is false
// when the order already carried the same tracking number.
type LabelOutcome struct {
	Order   *models.Order
	Changed bool
}

// webhookStamp is merged into an order's raw_data under webhookStampKey.
type webhookStamp struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	ProcessedAt time.Time `json:"processed_at"`
}

const webhookStampKey = "last_webhook_event"
