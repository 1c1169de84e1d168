package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/pantry-backend/pkg/enums"
)

// Payment mirrors one provider payment. An order may own several (retries, partial captures).
type Payment struct {
	ID                   uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	SquarePaymentID      string              `gorm:"column:square_payment_id;not null;uniqueIndex:idx_payments_square_payment_id"`
	OrderID              uuid.UUID           `gorm:"column:order_id;type:uuid;not null;index"`
	Amount               decimal.Decimal     `gorm:"column:amount;type:numeric(12,2);not null;default:0"`
	Currency             string              `gorm:"column:currency;not null;default:'USD'"`
	Status               enums.PaymentStatus `gorm:"column:status;not null;default:'PENDING'"`
	LastProcessedEventID *string             `gorm:"column:last_processed_event_id"`
	LastProcessedAt      *time.Time          `gorm:"column:last_processed_at"`
	RawData              datatypes.JSON      `gorm:"column:raw_data"`
	CreatedAt            time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *Payment) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// PaymentEvent records that a provider event was applied to a payment.
// The (payment_id, event_id) pair is the replay guard.
type PaymentEvent struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	PaymentID   string    `gorm:"column:payment_id;not null;uniqueIndex:idx_payment_events_payment_event,priority:1"`
	EventID     string    `gorm:"column:event_id;not null;uniqueIndex:idx_payment_events_payment_event,priority:2"`
	EventType   string    `gorm:"column:event_type;not null"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null"`
}

func (e *PaymentEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
