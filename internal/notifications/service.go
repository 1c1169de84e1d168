package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/pantry-backend/pkg/db/models"
	"github.com/angelmondragon/pantry-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
	"github.com/angelmondragon/pantry-backend/pkg/metrics"
	"github.com/angelmondragon/pantry-backend/pkg/sendgrid"
)

// EmailQueue accepts outbound mail for rate-limited delivery.
type EmailQueue interface {
	EnqueueEmail(ctx context.Context, msg sendgrid.Message) error
}

// DeadLetterNotice describes a dead-lettered webhook for the admin email.
type DeadLetterNotice struct {
	DeadLetterID string
	Provider     string
	EventID      string
	EventType    string
	OrderID      string
	Reason       string
	Error        string
	Attempts     int
}

// Service composes customer and admin emails and hands them to the queue.
type Service struct {
	queue      EmailQueue
	adminEmail string
	logg       *logger.Logger
}

func NewService(queue EmailQueue, adminEmail string, logg *logger.Logger) (*Service, error) {
	if queue == nil {
		return nil, errors.New("email queue required")
	}
	return &Service{
		queue:      queue,
		adminEmail: strings.TrimSpace(adminEmail),
		logg:       logg,
	}, nil
}

type orderView struct {
	CustomerName   string
	Reference      string
	Total          string
	Fulfillment    string
	Carrier        string
	TrackingNumber string
}

func newOrderView(order *models.Order) orderView {
	view := orderView{
		CustomerName: "there",
		Reference:    strings.ToUpper(order.ID.String()[:8]),
		Total:        "$" + decimal.New(order.TotalCents, -2).StringFixed(2),
		Fulfillment:  fulfillmentLabel(order.FulfillmentType),
	}
	if order.CustomerName != nil && strings.TrimSpace(*order.CustomerName) != "" {
		view.CustomerName = strings.TrimSpace(*order.CustomerName)
	}
	if order.ShippingCarrier != nil {
		view.Carrier = *order.ShippingCarrier
	}
	if order.TrackingNumber != nil {
		view.TrackingNumber = *order.TrackingNumber
	}
	return view
}

func fulfillmentLabel(f enums.FulfillmentType) string {
	switch f {
	case enums.FulfillmentNationwideShipping:
		return "Nationwide shipping"
	case enums.FulfillmentLocalDelivery:
		return "Local delivery"
	default:
		return "Store pickup"
	}
}

// OrderConfirmed queues the payment confirmation for the customer.
func (s *Service) OrderConfirmed(ctx context.Context, order *models.Order) error {
	if order == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order is required")
	}
	to, ok := s.customerEmail(ctx, order)
	if !ok {
		return nil
	}
	view := newOrderView(order)
	html, err := render(tmplOrderConfirmed, view)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "render confirmation email")
	}
	return s.queue.EnqueueEmail(ctx, sendgrid.Message{
		To:      to,
		Subject: fmt.Sprintf("Order #%s confirmed", view.Reference),
		HTML:    html,
		Text:    fmt.Sprintf("Thanks for your order! Payment of %s received for order #%s.", view.Total, view.Reference),
	})
}

// LabelCreated queues the shipping notification for the customer.
func (s *Service) LabelCreated(ctx context.Context, order *models.Order) error {
	if order == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order is required")
	}
	if !order.HasLabel() {
		return pkgerrors.New(pkgerrors.CodeValidation, "order has no shipping label")
	}
	to, ok := s.customerEmail(ctx, order)
	if !ok {
		return nil
	}
	view := newOrderView(order)
	html, err := render(tmplLabelCreated, view)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "render shipping email")
	}
	return s.queue.EnqueueEmail(ctx, sendgrid.Message{
		To:      to,
		Subject: fmt.Sprintf("Order #%s has shipped", view.Reference),
		HTML:    html,
		Text:    fmt.Sprintf("Order #%s has shipped. Tracking number: %s", view.Reference, view.TrackingNumber),
	})
}

// DeadLettered alerts the admin address about a dead-lettered webhook.
func (s *Service) DeadLettered(ctx context.Context, notice DeadLetterNotice) error {
	if s.adminEmail == "" {
		return nil
	}
	html, err := render(tmplDeadLettered, notice)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "render dead letter email")
	}
	return s.queue.EnqueueEmail(ctx, sendgrid.Message{
		To:      s.adminEmail,
		Subject: fmt.Sprintf("[webhooks] %s %s dead-lettered", notice.Provider, notice.EventType),
		HTML:    html,
		Text:    fmt.Sprintf("%s event %s (%s) dead-lettered: %s", notice.Provider, notice.EventID, notice.EventType, notice.Error),
	})
}

// AlertFired emails the admin when a failure-rate alert fires. It is
// registered with metrics.AlertEvaluator.OnAlert.
func (s *Service) AlertFired(ctx context.Context, alert metrics.Alert) {
	if s.adminEmail == "" {
		return
	}
	html, err := render(tmplAlertFired, map[string]any{
		"EventType":   alert.EventType,
		"Environment": alert.Environment,
		"Failures":    alert.Failures,
		"Window":      alert.Window.String(),
		"FiredAt":     alert.FiredAt.Format("2006-01-02 15:04:05 MST"),
	})
	if err == nil {
		err = s.queue.EnqueueEmail(ctx, sendgrid.Message{
			To:      s.adminEmail,
			Subject: fmt.Sprintf("[%s] webhook failures: %s", alert.Environment, alert.EventType),
			HTML:    html,
			Text:    fmt.Sprintf("%d %s failures within %s", alert.Failures, alert.EventType, alert.Window),
		})
	}
	if err != nil && s.logg != nil {
		s.logg.Error(ctx, "alert email not queued", err)
	}
}

func (s *Service) customerEmail(ctx context.Context, order *models.Order) (string, bool) {
	if order.CustomerEmail != nil {
		if email := strings.TrimSpace(*order.CustomerEmail); email != "" {
			return email, true
		}
	}
	if s.logg != nil {
		s.logg.Warn(s.logg.WithOrderID(ctx, order.ID.String()), "order has no customer email; skipping notification")
	}
	return "", false
}
