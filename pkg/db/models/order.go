package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/pantry-backend/pkg/enums"
)

// Order is a storefront order reconciled from payment and carrier webhooks.
type Order struct {
	ID              uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	SquareOrderID   *string               `gorm:"column:square_order_id;uniqueIndex:idx_orders_square_order_id"`
	Status          enums.OrderStatus     `gorm:"column:status;not null;default:'PENDING'"`
	PaymentStatus   enums.PaymentStatus   `gorm:"column:payment_status;not null;default:'PENDING'"`
	FulfillmentType enums.FulfillmentType `gorm:"column:fulfillment_type;not null;default:'pickup'"`
	CustomerName    *string               `gorm:"column:customer_name"`
	CustomerEmail   *string               `gorm:"column:customer_email"`
	CustomerPhone   *string               `gorm:"column:customer_phone"`
	TotalCents      int64                 `gorm:"column:total_cents;not null;default:0"`
	ShippingRateID  *string               `gorm:"column:shipping_rate_id"`
	ShippingCarrier *string               `gorm:"column:shipping_carrier"`
	TrackingNumber  *string               `gorm:"column:tracking_number"`
	LabelURL        *string               `gorm:"column:label_url"`
	LabelCreatedAt  *time.Time            `gorm:"column:label_created_at"`
	RetryCount      int                   `gorm:"column:retry_count;not null;default:0"`
	LastRetryAt     *time.Time            `gorm:"column:last_retry_at"`
	Notes           *string               `gorm:"column:notes"`
	RawData         datatypes.JSON        `gorm:"column:raw_data"`
	CreatedAt       time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// HasLabel reports whether a carrier label has already been purchased.
func (o *Order) HasLabel() bool {
	return o.LabelURL != nil && *o.LabelURL != "" && o.TrackingNumber != nil && *o.TrackingNumber != ""
}
