package shippowebhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/pantry-backend/internal/webhooks"
	"github.com/angelmondragon/pantry-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/validate"
)

// Kind is a Shippo webhook event name.
type Kind string

const (
	KindTransactionCreated Kind = "transaction_created"
	KindTransactionUpdated Kind = "transaction_updated"
	KindTrackUpdated       Kind = "track_updated"
	KindBatchCreated       Kind = "batch_created"
	KindBatchPurchased     Kind = "batch_purchased"
	KindAll                Kind = "all"
)

// Kinds lists every event name the endpoint accepts.
var Kinds = []Kind{
	KindTransactionCreated,
	KindTransactionUpdated,
	KindTrackUpdated,
	KindBatchCreated,
	KindBatchPurchased,
	KindAll,
}

const trackingDelivered = "DELIVERED"

// Event is the Shippo webhook envelope.
type Event struct {
	Event string          `json:"event" validate:"required,oneof=transaction_created transaction_updated track_updated batch_created batch_purchased all"`
	Test  bool            `json:"test"`
	Data  json.RawMessage `json:"data" validate:"required"`
}

// Transaction is the label purchase carried by transaction_* events.
type Transaction struct {
	ObjectID       string `json:"object_id"`
	Status         string `json:"status"`
	Rate           string `json:"rate"`
	LabelURL       string `json:"label_url"`
	TrackingNumber string `json:"tracking_number"`
	Metadata       string `json:"metadata"`
}

// Track is the tracking update carried by track_updated events.
type Track struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
	Metadata       string `json:"metadata"`
	TrackingStatus *struct {
		Status        string `json:"status"`
		StatusDetails string `json:"status_details"`
	} `json:"tracking_status"`
}

// Delivered reports whether the carrier marked the parcel delivered.
func (t *Track) Delivered() bool {
	return t != nil && t.TrackingStatus != nil && strings.EqualFold(t.TrackingStatus.Status, trackingDelivered)
}

// DecodeEvent parses and validates a Shippo envelope.
func DecodeEvent(body []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode shippo event")
	}
	evt.Event = strings.ToLower(strings.TrimSpace(evt.Event))
	if err := validate.Struct(&evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// ValidateEnvelope reports whether body is a well-formed Shippo envelope.
func ValidateEnvelope(body []byte) error {
	_, err := DecodeEvent(body)
	return err
}

// Kind returns the typed event name.
func (e *Event) Kind() Kind {
	return Kind(e.Event)
}

// DeliveryID derives a stable id for dedupe. Shippo envelopes carry no event
// id, so the object id and its reported state stand in for one.
func (e *Event) DeliveryID() string {
	var peek struct {
		ObjectID       string `json:"object_id"`
		Status         string `json:"status"`
		TrackingNumber string `json:"tracking_number"`
		TrackingStatus *struct {
			Status     string `json:"status"`
			ObjectID   string `json:"object_id"`
			StatusDate string `json:"status_date"`
		} `json:"tracking_status"`
	}
	_ = json.Unmarshal(e.Data, &peek)

	parts := []string{e.Event}
	switch {
	case peek.TrackingStatus != nil:
		parts = append(parts, peek.TrackingNumber, peek.TrackingStatus.Status, peek.TrackingStatus.ObjectID, peek.TrackingStatus.StatusDate)
	case peek.ObjectID != "":
		parts = append(parts, peek.ObjectID, peek.Status)
	default:
		return ""
	}
	return strings.Join(parts, ":")
}

// OrderIDFromMetadata reads the order id a label purchase was tagged with.
// Both a bare UUID and "order:<uuid>" are accepted.
func OrderIDFromMetadata(metadata string) (uuid.UUID, bool) {
	raw := strings.TrimSpace(metadata)
	if idx := strings.LastIndex(raw, ":"); idx >= 0 {
		raw = strings.TrimSpace(raw[idx+1:])
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// OrderMetadata formats the metadata value attached to label purchases.
func OrderMetadata(orderID uuid.UUID) string {
	return "order:" + orderID.String()
}

// NewDelivery builds the queue delivery for an authenticated Shippo body.
// Envelopes with no recognizable object fall back to a digest of the body.
func NewDelivery(body []byte) (webhooks.Delivery, error) {
	evt, err := DecodeEvent(body)
	if err != nil {
		return webhooks.Delivery{}, err
	}
	id := evt.DeliveryID()
	if id == "" {
		sum := sha256.Sum256(body)
		id = evt.Event + ":sha256:" + hex.EncodeToString(sum[:16])
	}

	var meta struct {
		Metadata string `json:"metadata"`
	}
	_ = json.Unmarshal(evt.Data, &meta)
	d := webhooks.Delivery{
		Provider:  enums.WebhookProviderShippo,
		EventID:   id,
		EventType: evt.Event,
		Payload:   append(json.RawMessage(nil), body...),
	}
	if orderID, ok := OrderIDFromMetadata(meta.Metadata); ok {
		d.OrderID = orderID.String()
	}
	return d, nil
}
