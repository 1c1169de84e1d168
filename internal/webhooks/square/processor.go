package squarewebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sq "github.com/square/square-go-sdk"

	"github.com/angelmondragon/pantry-backend/internal/events"
	"github.com/angelmondragon/pantry-backend/internal/orders"
	"github.com/angelmondragon/pantry-backend/internal/webhooks"
	"github.com/angelmondragon/pantry-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
)

// OrderService is the reconciliation surface the processor drives.
type OrderService interface {
	ApplyPaymentUpdate(ctx context.Context, input orders.PaymentUpdate) (*orders.PaymentOutcome, error)
	ApplyOrderUpdate(ctx context.Context, input orders.OrderUpdate) (*orders.OrderOutcome, error)
	ApplyRefund(ctx context.Context, input orders.RefundUpdate) (*orders.RefundOutcome, error)
}

// PaymentFetcher loads a payment when the webhook omits its body.
type PaymentFetcher interface {
	GetPayment(ctx context.Context, paymentID string) (*sq.Payment, error)
}

// LabelScheduler queues label purchase for a paid shipping order.
type LabelScheduler interface {
	Schedule(ctx context.Context, order *models.Order) error
}

// Notifier sends customer email for payment milestones.
type Notifier interface {
	OrderConfirmed(ctx context.Context, order *models.Order) error
}

type ProcessorParams struct {
	Orders    OrderService
	Payments  PaymentFetcher
	Labels    LabelScheduler
	Notifier  Notifier
	Publisher events.Publisher
	Logger    *logger.Logger
}

// Processor applies Square deliveries.
type Processor struct {
	orders    OrderService
	payments  PaymentFetcher
	labels    LabelScheduler
	notifier  Notifier
	publisher events.Publisher
	logger    *logger.Logger
}

type handlerFunc func(p *Processor, ctx context.Context, evt *Event) error

var handlers = map[Kind]handlerFunc{
	KindOrderCreated:            (*Processor).handleOrder,
	KindOrderUpdated:            (*Processor).handleOrder,
	KindOrderFulfillmentUpdated: (*Processor).handleOrder,
	KindPaymentCreated:          (*Processor).handlePayment,
	KindPaymentUpdated:          (*Processor).handlePayment,
	KindRefundCreated:           (*Processor).handleRefund,
	KindRefundUpdated:           (*Processor).handleRefund,
}

func NewProcessor(params ProcessorParams) (*Processor, error) {
	if params.Orders == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "order service required")
	}
	publisher := params.Publisher
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Processor{
		orders:    params.Orders,
		payments:  params.Payments,
		labels:    params.Labels,
		notifier:  params.Notifier,
		publisher: publisher,
		logger:    params.Logger,
	}, nil
}

// Process decodes the delivery and dispatches on its event type. Unknown
// types fail as UNHANDLED_EVENT, which is never retried.
func (p *Processor) Process(ctx context.Context, d webhooks.Delivery) error {
	evt, err := DecodeEvent(d.Payload)
	if err != nil {
		return err
	}
	kind, ok := ParseKind(evt.Type)
	if !ok {
		return pkgerrors.New(pkgerrors.CodeUnhandled, fmt.Sprintf("unhandled webhook type: %s", evt.Type))
	}
	if p.logger != nil {
		ctx = p.logger.WithEvent(ctx, evt.EventID, evt.Type)
	}
	return handlers[kind](p, ctx, evt)
}

func (p *Processor) handleOrder(ctx context.Context, evt *Event) error {
	var obj orderObject
	if len(evt.Data.Object) > 0 {
		if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode order object")
		}
	}

	input := orders.OrderUpdate{
		EventID:       evt.EventID,
		EventType:     evt.Type,
		SquareOrderID: evt.Data.ID,
		Raw:           evt.Data.Object,
	}
	for _, state := range []*orderState{obj.OrderCreated, obj.OrderUpdated, obj.Fulfillment} {
		if state == nil {
			continue
		}
		if state.OrderID != "" {
			input.SquareOrderID = state.OrderID
		}
		input.State = state.State
		if n := len(state.FulfillmentUpdate); n > 0 {
			input.FulfillmentState = state.FulfillmentUpdate[n-1].NewState
		}
	}

	outcome, err := p.orders.ApplyOrderUpdate(ctx, input)
	if err != nil {
		return err
	}
	if outcome.Changed {
		p.publish(ctx, events.Event{
			Type:    events.OrderStatusChanged,
			OrderID: outcome.OrderID.String(),
			Data: map[string]any{
				"from":   outcome.Previous,
				"to":     outcome.Current,
				"source": evt.Type,
			},
		})
	}
	return nil
}

func (p *Processor) handlePayment(ctx context.Context, evt *Event) error {
	payment, raw, err := p.resolvePayment(ctx, evt)
	if err != nil {
		return err
	}

	input := orders.PaymentUpdate{
		EventID:         evt.EventID,
		EventType:       evt.Type,
		SquarePaymentID: deref(payment.GetID()),
		SquareOrderID:   deref(payment.GetOrderID()),
		ProviderStatus:  deref(payment.GetStatus()),
		Raw:             raw,
	}
	if input.SquarePaymentID == "" {
		input.SquarePaymentID = evt.Data.ID
	}
	if m := payment.AmountMoney; m != nil {
		if m.Amount != nil {
			input.AmountCents = *m.Amount
		}
		if m.Currency != nil {
			input.Currency = string(*m.Currency)
		}
	}

	outcome, err := p.orders.ApplyPaymentUpdate(ctx, input)
	if err != nil {
		return err
	}
	if outcome.Duplicate || !outcome.NewlyPaid {
		return nil
	}

	order := outcome.Order
	if p.notifier != nil && order != nil {
		if err := p.notifier.OrderConfirmed(ctx, order); err != nil {
			p.warn(ctx, "order confirmation email not queued", err)
		}
	}
	if outcome.NeedsLabel && p.labels != nil {
		if err := p.labels.Schedule(ctx, order); err != nil {
			p.warn(ctx, "label creation not scheduled", err)
		}
	}
	p.publish(ctx, events.Event{
		Type:    events.OrderPaid,
		OrderID: outcome.OrderID.String(),
		Data: map[string]any{
			"payment_id":   input.SquarePaymentID,
			"amount_cents": input.AmountCents,
			"currency":     input.Currency,
			"order_status": outcome.OrderStatus,
		},
	})
	return nil
}

// resolvePayment prefers the payment embedded in the webhook and falls back
// to the Square API when the body is missing or has no status.
func (p *Processor) resolvePayment(ctx context.Context, evt *Event) (*sq.Payment, json.RawMessage, error) {
	var obj struct {
		Payment json.RawMessage `json:"payment"`
	}
	if len(evt.Data.Object) > 0 {
		if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
			return nil, nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment object")
		}
	}
	if len(obj.Payment) > 0 && string(obj.Payment) != "null" {
		var payment sq.Payment
		if err := json.Unmarshal(obj.Payment, &payment); err != nil {
			return nil, nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment")
		}
		if deref(payment.GetStatus()) != "" {
			return &payment, obj.Payment, nil
		}
	}

	if p.payments == nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "payment body missing and no payment client configured")
	}
	payment, err := p.payments.GetPayment(ctx, evt.Data.ID)
	if err != nil {
		return nil, nil, err
	}
	raw, err := json.Marshal(payment)
	if err != nil {
		raw = nil
	}
	return payment, raw, nil
}

func (p *Processor) handleRefund(ctx context.Context, evt *Event) error {
	var obj struct {
		Refund *refundObject `json:"refund"`
	}
	if len(evt.Data.Object) > 0 {
		if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode refund object")
		}
	}
	if obj.Refund == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "missing required field: refund")
	}

	input := orders.RefundUpdate{
		EventID:         evt.EventID,
		EventType:       evt.Type,
		RefundID:        obj.Refund.ID,
		SquarePaymentID: obj.Refund.PaymentID,
		SquareOrderID:   obj.Refund.OrderID,
		Status:          obj.Refund.Status,
	}
	if obj.Refund.AmountMoney != nil {
		input.AmountCents = obj.Refund.AmountMoney.Amount
	}

	outcome, err := p.orders.ApplyRefund(ctx, input)
	if err != nil {
		return err
	}
	if outcome.Refunded {
		p.publish(ctx, events.Event{
			Type:    events.OrderRefunded,
			OrderID: outcome.OrderID.String(),
			Data: map[string]any{
				"refund_id":    input.RefundID,
				"payment_id":   input.SquarePaymentID,
				"amount_cents": input.AmountCents,
			},
		})
	}
	return nil
}

func (p *Processor) publish(ctx context.Context, event events.Event) {
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.warn(ctx, fmt.Sprintf("publish %s failed", event.Type), err)
	}
}

func (p *Processor) warn(ctx context.Context, msg string, err error) {
	if p.logger == nil {
		return
	}
	p.logger.Warn(p.logger.WithField(ctx, "error", err.Error()), msg)
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}
