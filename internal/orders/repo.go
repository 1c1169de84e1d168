package orders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/pantry-backend/pkg/db/models"
	"github.com/angelmondragon/pantry-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
)

type repository struct {
	conn Conn
	tx   *gorm.DB
}

// NewRepository builds an orders repository over conn.
func NewRepository(conn Conn) Repository {
	return &repository{conn: conn}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{conn: r.conn, tx: tx}
}

func (r *repository) db() *gorm.DB {
	if r.tx != nil {
		return r.tx
	}
	return r.conn.DB()
}

func (r *repository) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	if err := r.db().WithContext(ctx).Create(order).Error; err != nil {
		return nil, err
	}
	return order, nil
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return r.first(ctx, r.db().WithContext(ctx).Where("id = ?", id), "order not found")
}

func (r *repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	q := r.db().WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id)
	return r.first(ctx, q, "order not found")
}

func (r *repository) FindBySquareOrderID(ctx context.Context, squareOrderID string, forUpdate bool) (*models.Order, error) {
	squareOrderID = strings.TrimSpace(squareOrderID)
	if squareOrderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "square order id is required")
	}
	q := r.db().WithContext(ctx)
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return r.first(ctx, q.Where("square_order_id = ?", squareOrderID), "order not found for square order "+squareOrderID)
}

func (r *repository) FindByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Order, error) {
	q := r.db().WithContext(ctx).Where("tracking_number = ?", strings.TrimSpace(trackingNumber))
	return r.first(ctx, q, "order not found for tracking number")
}

// ListAwaitingLabel returns paid nationwide orders with a chosen rate and no
// label yet, least-attempted first.
func (r *repository) ListAwaitingLabel(ctx context.Context, q AwaitingLabelQuery) ([]models.Order, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	query := r.db().WithContext(ctx).
		Where("fulfillment_type = ?", enums.FulfillmentNationwideShipping).
		Where("payment_status = ?", enums.PaymentStatusPaid).
		Where("status NOT IN ?", []enums.OrderStatus{enums.OrderStatusCompleted, enums.OrderStatusCancelled}).
		Where("shipping_rate_id IS NOT NULL AND shipping_rate_id <> ''").
		Where("label_url IS NULL OR label_url = ''")
	if q.MaxAttempts > 0 {
		query = query.Where("retry_count < ?", q.MaxAttempts)
	}
	if !q.IdleBefore.IsZero() {
		query = query.Where("updated_at < ?", q.IdleBefore.UTC())
	}

	var rows []models.Order
	err := query.
		Order("retry_count ASC").
		Order("COALESCE(last_retry_at, created_at) ASC").
		Order("created_at ASC").
		Limit(q.Limit).
		Find(&rows).Error
	return rows, err
}

func (r *repository) UpdateOrder(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	res := r.db().WithContext(ctx).Model(&models.Order{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return nil
}

func (r *repository) FindPaymentBySquareID(ctx context.Context, squarePaymentID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db().WithContext(ctx).Where("square_payment_id = ?", squarePaymentID).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// UpsertPayment inserts a new payment. When a concurrent writer created the
// same provider payment first, the mutable columns are refreshed instead and
// the owning order is left untouched.
func (r *repository) UpsertPayment(ctx context.Context, payment *models.Payment) error {
	return r.db().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "square_payment_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"amount",
				"currency",
				"status",
				"last_processed_event_id",
				"last_processed_at",
				"raw_data",
				"updated_at",
			}),
		}).
		Create(payment).Error
}

func (r *repository) UpdatePayment(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	res := r.db().WithContext(ctx).Model(&models.Payment{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	return nil
}

// MarkEventProcessed records (paymentID, eventID) in the ledger. It reports
// false when the pair was already present, which marks a replay.
func (r *repository) MarkEventProcessed(ctx context.Context, paymentID, eventID, eventType string, at time.Time) (bool, error) {
	event := models.PaymentEvent{
		PaymentID:   paymentID,
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: at,
	}
	res := r.db().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "payment_id"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(&event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) first(ctx context.Context, q *gorm.DB, notFound string) (*models.Order, error) {
	var order models.Order
	if err := q.First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, notFound)
		}
		return nil, err
	}
	return &order, nil
}
