package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/pantry-backend/pkg/db/models"
	"github.com/angelmondragon/pantry-backend/pkg/enums"
	"github.com/angelmondragon/pantry-backend/pkg/pagination"
)

// Conn resolves the live connection. It is read on every call, so a pool
// reopened by db.Client.Reinitialize is picked up without rebuilding the
// repositories.
type Conn interface {
	DB() *gorm.DB
}

// Repository defines persistence operations for orders, payments and the
// payment event ledger.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindBySquareOrderID(ctx context.Context, squareOrderID string, forUpdate bool) (*models.Order, error)
	FindByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Order, error)
	ListAwaitingLabel(ctx context.Context, q AwaitingLabelQuery) ([]models.Order, error)
	UpdateOrder(ctx context.Context, id uuid.UUID, updates map[string]any) error
	FindPaymentBySquareID(ctx context.Context, squarePaymentID string) (*models.Payment, error)
	UpsertPayment(ctx context.Context, payment *models.Payment) error
	UpdatePayment(ctx context.Context, id uuid.UUID, updates map[string]any) error
	MarkEventProcessed(ctx context.Context, paymentID, eventID, eventType string, at time.Time) (bool, error)
}

// DeadLetterRepository persists work that exhausted its retries.
type DeadLetterRepository interface {
	Insert(ctx context.Context, letter *models.WebhookDeadLetter) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.WebhookDeadLetter, error)
	List(ctx context.Context, params pagination.Params, filters DeadLetterFilters) (pagination.Page[models.WebhookDeadLetter], error)
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeadLetterFilters narrow the admin dead-letter listing.
type DeadLetterFilters struct {
	Provider  *enums.WebhookProvider
	EventType string
}
