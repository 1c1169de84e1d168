package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/pantry-backend/pkg/db/models"
	"github.com/angelmondragon/pantry-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
)

type txRunner interface {
	WithRetryTx(ctx context.Context, name string, fn func(tx *gorm.DB) error) error
}

// Service reconciles order and payment state from provider events. Every
// mutating method runs in one retried transaction.
type Service interface {
	ApplyPaymentUpdate(ctx context.Context, input PaymentUpdate) (*PaymentOutcome, error)
	ApplyOrderUpdate(ctx context.Context, input OrderUpdate) (*OrderOutcome, error)
	ApplyRefund(ctx context.Context, input RefundUpdate) (*RefundOutcome, error)
	AdvanceStatus(ctx context.Context, orderID uuid.UUID, next enums.OrderStatus) (*OrderOutcome, error)
	RecordLabel(ctx context.Context, orderID uuid.UUID, label LabelRecord) (*LabelOutcome, error)
	RecordLabelAttempt(ctx context.Context, orderID uuid.UUID, at time.Time) error
	UpdateShippingRate(ctx context.Context, orderID uuid.UUID, rateID, carrier string) error
	FindByID(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	FindByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Order, error)
	ListAwaitingLabel(ctx context.Context, q AwaitingLabelQuery) ([]models.Order, error)
}

type service struct {
	repo   Repository
	tx     txRunner
	logger *logger.Logger
	now    func() time.Time
}

// NewService builds the reconciliation service with the required dependencies.
func NewService(repo Repository, tx txRunner, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{
		repo:   repo,
		tx:     tx,
		logger: logg,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) ApplyPaymentUpdate(ctx context.Context, input PaymentUpdate) (*PaymentOutcome, error) {
	input.SquarePaymentID = strings.TrimSpace(input.SquarePaymentID)
	input.SquareOrderID = strings.TrimSpace(input.SquareOrderID)
	if input.SquarePaymentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment id is required")
	}
	if input.SquareOrderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment is not attached to an order")
	}
	if strings.TrimSpace(input.EventID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event id is required")
	}

	var outcome *PaymentOutcome
	err := s.tx.WithRetryTx(ctx, "apply_payment_update", func(tx *gorm.DB) error {
		outcome = nil
		repo := s.repo.WithTx(tx)
		now := s.now()

		order, err := repo.FindBySquareOrderID(ctx, input.SquareOrderID, true)
		if err != nil {
			return err
		}

		fresh, err := repo.MarkEventProcessed(ctx, input.SquarePaymentID, input.EventID, input.EventType, now)
		if err != nil {
			return err
		}
		if !fresh {
			outcome = &PaymentOutcome{
				OrderID:       order.ID,
				Duplicate:     true,
				PaymentStatus: order.PaymentStatus,
				OrderStatus:   order.Status,
				Order:         order,
			}
			return nil
		}

		existing, err := repo.FindPaymentBySquareID(ctx, input.SquarePaymentID)
		if err != nil {
			return err
		}

		incoming := enums.PaymentStatusFromProvider(input.ProviderStatus)
		paymentStatus := incoming
		if existing != nil && !existing.Status.CanTransitionTo(incoming) {
			paymentStatus = existing.Status
		}
		newlyPaid := paymentStatus == enums.PaymentStatusPaid &&
			(existing == nil || existing.Status != enums.PaymentStatusPaid)

		amount := decimal.New(input.AmountCents, -2)
		if existing == nil {
			payment := &models.Payment{
				SquarePaymentID:      input.SquarePaymentID,
				OrderID:              order.ID,
				Amount:               amount,
				Currency:             currencyOrDefault(input.Currency),
				Status:               paymentStatus,
				LastProcessedEventID: &input.EventID,
				LastProcessedAt:      &now,
				RawData:              rawOrEmpty(input.Raw),
				UpdatedAt:            now,
			}
			if err := repo.UpsertPayment(ctx, payment); err != nil {
				return err
			}
		} else if err := repo.UpdatePayment(ctx, existing.ID, map[string]any{
			"amount":                  amount,
			"currency":                currencyOrDefault(input.Currency),
			"status":                  paymentStatus,
			"last_processed_event_id": input.EventID,
			"last_processed_at":       now,
			"raw_data":                rawOrEmpty(input.Raw),
			"updated_at":              now,
		}); err != nil {
			return err
		}

		orderPayment := order.PaymentStatus
		if order.PaymentStatus.CanTransitionTo(paymentStatus) {
			orderPayment = paymentStatus
		}
		orderStatus := order.Status
		if newlyPaid && order.Status.CanAdvanceTo(enums.OrderStatusProcessing) {
			orderStatus = enums.OrderStatusProcessing
		}

		raw, err := stampRawData(order.RawData, webhookStamp{EventID: input.EventID, EventType: input.EventType, ProcessedAt: now})
		if err != nil {
			return err
		}
		if err := repo.UpdateOrder(ctx, order.ID, map[string]any{
			"payment_status": orderPayment,
			"status":         orderStatus,
			"raw_data":       raw,
			"updated_at":     now,
		}); err != nil {
			return err
		}

		order.PaymentStatus = orderPayment
		order.Status = orderStatus
		order.RawData = raw
		outcome = &PaymentOutcome{
			OrderID:       order.ID,
			NewlyPaid:     newlyPaid,
			PaymentStatus: orderPayment,
			OrderStatus:   orderStatus,
			NeedsLabel:    newlyPaid && needsLabel(order),
			Order:         order,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.logger != nil {
		logCtx := s.logger.WithFields(ctx, map[string]any{
			"order_id":       outcome.OrderID.String(),
			"payment_id":     input.SquarePaymentID,
			"payment_status": outcome.PaymentStatus,
			"order_status":   outcome.OrderStatus,
			"duplicate":      outcome.Duplicate,
			"newly_paid":     outcome.NewlyPaid,
		})
		s.logger.Info(logCtx, "payment update applied")
	}
	return outcome, nil
}

func (s *service) ApplyOrderUpdate(ctx context.Context, input OrderUpdate) (*OrderOutcome, error) {
	if strings.TrimSpace(input.SquareOrderID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	next, hasTarget := orderStatusFor(input.State, input.FulfillmentState)

	var outcome *OrderOutcome
	err := s.tx.WithRetryTx(ctx, "apply_order_update", func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		now := s.now()

		order, err := repo.FindBySquareOrderID(ctx, input.SquareOrderID, true)
		if err != nil {
			return err
		}
		outcome = &OrderOutcome{OrderID: order.ID, Previous: order.Status, Current: order.Status}

		updates := map[string]any{"updated_at": now}
		if hasTarget && order.Status.CanAdvanceTo(next) {
			updates["status"] = next
			outcome.Current = next
			outcome.Changed = true
		}
		raw, err := stampRawData(order.RawData, webhookStamp{EventID: input.EventID, EventType: input.EventType, ProcessedAt: now})
		if err != nil {
			return err
		}
		updates["raw_data"] = raw
		return repo.UpdateOrder(ctx, order.ID, updates)
	})
	if err != nil {
		return nil, err
	}
	s.logTransition(ctx, outcome, input.EventType)
	return outcome, nil
}

func (s *service) ApplyRefund(ctx context.Context, input RefundUpdate) (*RefundOutcome, error) {
	if strings.TrimSpace(input.SquarePaymentID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund payment id is required")
	}
	if strings.TrimSpace(input.EventID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event id is required")
	}

	var outcome *RefundOutcome
	err := s.tx.WithRetryTx(ctx, "apply_refund", func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		now := s.now()

		payment, err := repo.FindPaymentBySquareID(ctx, input.SquarePaymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "payment not found for refund")
		}
		order, err := repo.FindByIDForUpdate(ctx, payment.OrderID)
		if err != nil {
			return err
		}
		outcome = &RefundOutcome{OrderID: order.ID}

		fresh, err := repo.MarkEventProcessed(ctx, input.SquarePaymentID, input.EventID, input.EventType, now)
		if err != nil {
			return err
		}
		if !fresh {
			outcome.Duplicate = true
			return nil
		}
		if !strings.EqualFold(strings.TrimSpace(input.Status), "COMPLETED") {
			return nil
		}

		if payment.Status.CanTransitionTo(enums.PaymentStatusRefunded) {
			if err := repo.UpdatePayment(ctx, payment.ID, map[string]any{
				"status":                  enums.PaymentStatusRefunded,
				"last_processed_event_id": input.EventID,
				"last_processed_at":       now,
				"updated_at":              now,
			}); err != nil {
				return err
			}
			outcome.Refunded = true
		}
		if order.PaymentStatus.CanTransitionTo(enums.PaymentStatusRefunded) {
			if err := repo.UpdateOrder(ctx, order.ID, map[string]any{
				"payment_status": enums.PaymentStatusRefunded,
				"updated_at":     now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// AdvanceStatus moves an order forward. Requests that would regress or leave a
// terminal status are reported as unchanged rather than failing.
func (s *service) AdvanceStatus(ctx context.Context, orderID uuid.UUID, next enums.OrderStatus) (*OrderOutcome, error) {
	if !next.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid order status %q", next))
	}
	var outcome *OrderOutcome
	err := s.tx.WithRetryTx(ctx, "advance_order_status", func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := repo.FindByIDForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		outcome = &OrderOutcome{OrderID: order.ID, Previous: order.Status, Current: order.Status}
		if !order.Status.CanAdvanceTo(next) {
			return nil
		}
		outcome.Current = next
		outcome.Changed = true
		return repo.UpdateOrder(ctx, order.ID, map[string]any{"status": next, "updated_at": s.now()})
	})
	if err != nil {
		return nil, err
	}
	s.logTransition(ctx, outcome, "advance_status")
	return outcome, nil
}

// RecordLabel stores a purchased label and moves the order to shipping. A
// label whose tracking number is already on the order is left alone and
// reported unchanged, so only one caller acts on a given label.
func (s *service) RecordLabel(ctx context.Context, orderID uuid.UUID, label LabelRecord) (*LabelOutcome, error) {
	if strings.TrimSpace(label.LabelURL) == "" || strings.TrimSpace(label.TrackingNumber) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "label url and tracking number are required")
	}
	if label.CreatedAt.IsZero() {
		label.CreatedAt = s.now()
	}

	var outcome *LabelOutcome
	err := s.tx.WithRetryTx(ctx, "record_label", func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := repo.FindByIDForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.HasLabel() && *order.TrackingNumber == label.TrackingNumber {
			outcome = &LabelOutcome{Order: order}
			return nil
		}
		updates := map[string]any{
			"label_url":        label.LabelURL,
			"tracking_number":  label.TrackingNumber,
			"label_created_at": label.CreatedAt,
			"updated_at":       s.now(),
		}
		if carrier := strings.TrimSpace(label.Carrier); carrier != "" {
			updates["shipping_carrier"] = carrier
		}
		if rateID := strings.TrimSpace(label.RateID); rateID != "" {
			updates["shipping_rate_id"] = rateID
		}
		if order.Status.CanAdvanceTo(enums.OrderStatusShipping) {
			updates["status"] = enums.OrderStatusShipping
		}
		if err := repo.UpdateOrder(ctx, order.ID, updates); err != nil {
			return err
		}
		updated, err := repo.FindByID(ctx, order.ID)
		if err != nil {
			return err
		}
		outcome = &LabelOutcome{Order: updated, Changed: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// RecordLabelAttempt counts a carrier call against the order ahead of making
// it. retry_count accumulates across runs and is what the label sweep's
// attempt ceiling is checked against.
func (s *service) RecordLabelAttempt(ctx context.Context, orderID uuid.UUID, at time.Time) error {
	return s.tx.WithRetryTx(ctx, "record_label_attempt", func(tx *gorm.DB) error {
		return s.repo.WithTx(tx).UpdateOrder(ctx, orderID, map[string]any{
			"retry_count":   gorm.Expr("retry_count + ?", 1),
			"last_retry_at": at,
		})
	})
}

func (s *service) UpdateShippingRate(ctx context.Context, orderID uuid.UUID, rateID, carrier string) error {
	rateID = strings.TrimSpace(rateID)
	if rateID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "shipping rate id is required")
	}
	updates := map[string]any{"shipping_rate_id": rateID}
	if carrier = strings.TrimSpace(carrier); carrier != "" {
		updates["shipping_carrier"] = carrier
	}
	return s.tx.WithRetryTx(ctx, "update_shipping_rate", func(tx *gorm.DB) error {
		return s.repo.WithTx(tx).UpdateOrder(ctx, orderID, updates)
	})
}

func (s *service) FindByID(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return s.repo.FindByID(ctx, orderID)
}

func (s *service) FindByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Order, error) {
	if strings.TrimSpace(trackingNumber) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tracking number is required")
	}
	return s.repo.FindByTrackingNumber(ctx, trackingNumber)
}

func (s *service) ListAwaitingLabel(ctx context.Context, q AwaitingLabelQuery) ([]models.Order, error) {
	return s.repo.ListAwaitingLabel(ctx, q)
}

func (s *service) logTransition(ctx context.Context, outcome *OrderOutcome, source string) {
	if s.logger == nil || outcome == nil {
		return
	}
	logCtx := s.logger.WithFields(ctx, map[string]any{
		"order_id": outcome.OrderID.String(),
		"from":     outcome.Previous,
		"to":       outcome.Current,
		"changed":  outcome.Changed,
		"source":   source,
	})
	s.logger.Info(logCtx, "order status evaluated")
}

// orderStatusFor maps provider order and fulfillment states onto the order
// lifecycle. The order state wins when both are present.
func orderStatusFor(state, fulfillmentState string) (enums.OrderStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "COMPLETED":
		return enums.OrderStatusCompleted, true
	case "CANCELED", "CANCELLED":
		return enums.OrderStatusCancelled, true
	}
	switch strings.ToUpper(strings.TrimSpace(fulfillmentState)) {
	case "RESERVED":
		return enums.OrderStatusProcessing, true
	case "PREPARED":
		return enums.OrderStatusReady, true
	case "COMPLETED":
		return enums.OrderStatusCompleted, true
	}
	return "", false
}

func needsLabel(order *models.Order) bool {
	return order.FulfillmentType.RequiresLabel() &&
		order.ShippingRateID != nil && strings.TrimSpace(*order.ShippingRateID) != "" &&
		!order.HasLabel()
}

func currencyOrDefault(currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return "USD"
	}
	return currency
}

func rawOrEmpty(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(raw)
}

// stampRawData merges the webhook stamp into the order's raw_data object,
// preserving every other key already stored there.
func stampRawData(existing datatypes.JSON, stamp webhookStamp) (datatypes.JSON, error) {
	doc := map[string]any{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &doc); err != nil || doc == nil {
			doc = map[string]any{"legacy_raw": string(existing)}
		}
	}
	doc[webhookStampKey] = stamp
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode order raw data")
	}
	return datatypes.JSON(out), nil
}
