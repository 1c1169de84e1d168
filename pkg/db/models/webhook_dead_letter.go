package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/pantry-backend/pkg/enums"
)

// WebhookDeadLetter captures queued work that exhausted its retries.
type WebhookDeadLetter struct {
	ID           uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	Provider     enums.WebhookProvider  `gorm:"column:provider;not null"`
	EventID      string                 `gorm:"column:event_id;not null;index"`
	EventType    string                 `gorm:"column:event_type;not null"`
	OrderID      *string                `gorm:"column:order_id"`
	Payload      datatypes.JSON         `gorm:"column:payload_json;not null"`
	ErrorReason  enums.DeadLetterReason `gorm:"column:error_reason;not null"`
	ErrorMessage *string                `gorm:"column:error_message"`
	AttemptCount int                    `gorm:"column:attempt_count;not null;default:0"`
	FailedAt     time.Time              `gorm:"column:failed_at;autoCreateTime"`
	CreatedAt    time.Time              `gorm:"column:created_at;autoCreateTime"`
}

func (d *WebhookDeadLetter) BeforeCreate(*gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}
