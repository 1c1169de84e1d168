package squarewebhook

import (
	"encoding/json"
	"strings"

	"github.com/angelmondragon/pantry-backend/internal/webhooks"
	"github.com/angelmondragon/pantry-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/validate"
)

// Kind is a Square event type this service reconciles.
type Kind string

const (
	KindOrderCreated            Kind = "order.created"
	KindOrderUpdated            Kind = "order.updated"
	KindOrderFulfillmentUpdated Kind = "order.fulfillment.updated"
	KindPaymentCreated          Kind = "payment.created"
	KindPaymentUpdated          Kind = "payment.updated"
	KindRefundCreated           Kind = "refund.created"
	KindRefundUpdated           Kind = "refund.updated"
)

// Kinds lists every handled event type.
var Kinds = []Kind{
	KindOrderCreated,
	KindOrderUpdated,
	KindOrderFulfillmentUpdated,
	KindPaymentCreated,
	KindPaymentUpdated,
	KindRefundCreated,
	KindRefundUpdated,
}

// ParseKind maps a raw event type to a Kind.
func ParseKind(raw string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	for _, candidate := range Kinds {
		if candidate == k {
			return k, true
		}
	}
	return "", false
}

// Event is the Square webhook envelope.
type Event struct {
	MerchantID string    `json:"merchant_id" validate:"required"`
	Type       string    `json:"type" validate:"required"`
	EventID    string    `json:"event_id" validate:"required"`
	CreatedAt  string    `json:"created_at"`
	LocationID string    `json:"location_id,omitempty"`
	Data       EventData `json:"data" validate:"required"`
}

// EventData carries the affected object.
type EventData struct {
	Type   string          `json:"type"`
	ID     string          `json:"id" validate:"required"`
	Object json.RawMessage `json:"object"`
}

// DecodeEvent parses and validates a Square envelope.
func DecodeEvent(body []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode square event")
	}
	if err := validate.Struct(&evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// ValidateEnvelope reports whether body is a well-formed Square envelope.
func ValidateEnvelope(body []byte) error {
	_, err := DecodeEvent(body)
	return err
}

// OrderIDHint extracts the Square order id when the payload names one, for
// logging and dead-letter bookkeeping.
func (e *Event) OrderIDHint() string {
	var peek struct {
		Payment *struct {
			OrderID string `json:"order_id"`
		} `json:"payment"`
		Refund *struct {
			OrderID string `json:"order_id"`
		} `json:"refund"`
		OrderCreated *orderState `json:"order_created"`
		OrderUpdated *orderState `json:"order_updated"`
		Fulfillment  *orderState `json:"order_fulfillment_updated"`
	}
	if len(e.Data.Object) == 0 || json.Unmarshal(e.Data.Object, &peek) != nil {
		return ""
	}
	switch {
	case peek.Payment != nil:
		return peek.Payment.OrderID
	case peek.Refund != nil:
		return peek.Refund.OrderID
	case peek.OrderCreated != nil:
		return peek.OrderCreated.OrderID
	case peek.OrderUpdated != nil:
		return peek.OrderUpdated.OrderID
	case peek.Fulfillment != nil:
		return peek.Fulfillment.OrderID
	}
	return ""
}

type orderState struct {
	OrderID           string              `json:"order_id"`
	State             string              `json:"state"`
	Version           int                 `json:"version"`
	FulfillmentUpdate []fulfillmentChange `json:"fulfillment_update,omitempty"`
}

type fulfillmentChange struct {
	FulfillmentUID string `json:"fulfillment_uid"`
	OldState       string `json:"old_state"`
	NewState       string `json:"new_state"`
}

type orderObject struct {
	OrderCreated *orderState `json:"order_created"`
	OrderUpdated *orderState `json:"order_updated"`
	Fulfillment  *orderState `json:"order_fulfillment_updated"`
}

type money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type refundObject struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	PaymentID   string `json:"payment_id"`
	OrderID     string `json:"order_id"`
	AmountMoney *money `json:"amount_money"`
}

// NewDelivery builds the queue delivery for an authenticated Square body.
func NewDelivery(body []byte) (webhooks.Delivery, error) {
	evt, err := DecodeEvent(body)
	if err != nil {
		return webhooks.Delivery{}, err
	}
	return webhooks.Delivery{
		Provider:  enums.WebhookProviderSquare,
		EventID:   evt.EventID,
		EventType: strings.ToLower(strings.TrimSpace(evt.Type)),
		OrderID:   evt.OrderIDHint(),
		Payload:   append(json.RawMessage(nil), body...),
	}, nil
}
