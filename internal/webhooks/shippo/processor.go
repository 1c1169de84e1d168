package shippowebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/pantry-backend/internal/events"
	"github.com/angelmondragon/pantry-backend/internal/orders"
	"github.com/angelmondragon/pantry-backend/internal/webhooks"
	"github.com/angelmondragon/pantry-backend/pkg/db/models"
	"github.com/angelmondragon/pantry-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
	"github.com/angelmondragon/pantry-backend/pkg/shippo"
)

// OrderService is the subset of order reconciliation the carrier feed drives.
type OrderService interface {
	FindByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Order, error)
	RecordLabel(ctx context.Context, orderID uuid.UUID, label orders.LabelRecord) (*orders.LabelOutcome, error)
	AdvanceStatus(ctx context.Context, orderID uuid.UUID, next enums.OrderStatus) (*orders.OrderOutcome, error)
}

// Notifier sends the shipping email for labels bought outside the workflow.
type Notifier interface {
	LabelCreated(ctx context.Context, order *models.Order) error
}

type ProcessorParams struct {
	Orders    OrderService
	Notifier  Notifier
	Publisher events.Publisher
	Logger    *logger.Logger
}

// Processor applies Shippo deliveries.
type Processor struct {
	orders    OrderService
	notifier  Notifier
	publisher events.Publisher
	logger    *logger.Logger
}

type handlerFunc func(p *Processor, ctx context.Context, evt *Event) error

var handlers = map[Kind]handlerFunc{
	KindTransactionCreated: (*Processor).handleTransaction,
	KindTransactionUpdated: (*Processor).handleTransaction,
	KindTrackUpdated:       (*Processor).handleTrack,
	KindBatchCreated:       (*Processor).ignore,
	KindBatchPurchased:     (*Processor).ignore,
	KindAll:                (*Processor).ignore,
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
		notifier:  params.Notifier,
		publisher: publisher,
		logger:    params.Logger,
	}, nil
}

func (p *Processor) Process(ctx context.Context, d webhooks.Delivery) error {
	evt, err := DecodeEvent(d.Payload)
	if err != nil {
		return err
	}
	handler, ok := handlers[evt.Kind()]
	if !ok {
		return pkgerrors.New(pkgerrors.CodeUnhandled, fmt.Sprintf("unhandled webhook type: %s", evt.Event))
	}
	if p.logger != nil {
		ctx = p.logger.WithEvent(ctx, d.EventID, evt.Event)
		if evt.Test {
			ctx = p.logger.WithField(ctx, "test", true)
		}
	}
	return handler(p, ctx, evt)
}

func (p *Processor) handleTransaction(ctx context.Context, evt *Event) error {
	var tx Transaction
	if err := json.Unmarshal(evt.Data, &tx); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode shippo transaction")
	}
	if !strings.EqualFold(tx.Status, shippo.StatusSuccess) || tx.LabelURL == "" || tx.TrackingNumber == "" {
		p.info(ctx, fmt.Sprintf("transaction %s not purchasable yet (status %s)", tx.ObjectID, tx.Status))
		return nil
	}
	orderID, ok := OrderIDFromMetadata(tx.Metadata)
	if !ok {
		return pkgerrors.New(pkgerrors.CodeValidation, "missing required field: metadata order id")
	}

	outcome, err := p.orders.RecordLabel(ctx, orderID, orders.LabelRecord{
		LabelURL:       tx.LabelURL,
		TrackingNumber: tx.TrackingNumber,
		RateID:         tx.Rate,
	})
	if err != nil {
		return err
	}
	if !outcome.Changed {
		p.info(ctx, fmt.Sprintf("label %s already recorded", tx.TrackingNumber))
		return nil
	}
	order := outcome.Order
	if p.notifier != nil {
		if err := p.notifier.LabelCreated(ctx, order); err != nil {
			p.warn(ctx, "shipping notification not queued", err)
		}
	}
	p.publish(ctx, events.Event{
		Type:    events.OrderLabelCreated,
		OrderID: order.ID.String(),
		Data: map[string]any{
			"tracking_number": tx.TrackingNumber,
			"transaction_id":  tx.ObjectID,
			"source":          string(evt.Kind()),
		},
	})
	return nil
}

func (p *Processor) handleTrack(ctx context.Context, evt *Event) error {
	var track Track
	if err := json.Unmarshal(evt.Data, &track); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode shippo track")
	}
	if !track.Delivered() {
		return nil
	}
	if strings.TrimSpace(track.TrackingNumber) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "missing required field: tracking_number")
	}

	var orderID uuid.UUID
	if id, ok := OrderIDFromMetadata(track.Metadata); ok {
		orderID = id
	} else {
		order, err := p.orders.FindByTrackingNumber(ctx, track.TrackingNumber)
		if err != nil {
			return err
		}
		orderID = order.ID
	}

	outcome, err := p.orders.AdvanceStatus(ctx, orderID, enums.OrderStatusCompleted)
	if err != nil {
		return err
	}
	if outcome.Changed {
		p.publish(ctx, events.Event{
			Type:    events.OrderStatusChanged,
			OrderID: orderID.String(),
			Data: map[string]any{
				"from":   outcome.Previous,
				"to":     outcome.Current,
				"source": string(KindTrackUpdated),
			},
		})
	}
	return nil
}

func (p *Processor) ignore(ctx context.Context, evt *Event) error {
	p.info(ctx, fmt.Sprintf("shippo %s acknowledged without action", evt.Event))
	return nil
}

func (p *Processor) publish(ctx context.Context, event events.Event) {
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.warn(ctx, fmt.Sprintf("publish %s failed", event.Type), err)
	}
}

func (p *Processor) info(ctx context.Context, msg string) {
	if p.logger != nil {
		p.logger.Info(ctx, msg)
	}
}

func (p *Processor) warn(ctx context.Context, msg string, err error) {
	if p.logger == nil {
		return
	}
	p.logger.Warn(p.logger.WithField(ctx, "error", err.Error()), msg)
}
