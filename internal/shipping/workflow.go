package shipping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/pantry-backend/internal/events"
	"github.com/angelmondragon/pantry-backend/internal/orders"
	shippowebhook "github.com/angelmondragon/pantry-backend/internal/webhooks/shippo"
	"github.com/angelmondragon/pantry-backend/pkg/config"
	"github.com/angelmondragon/pantry-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
	"github.com/angelmondragon/pantry-backend/pkg/metrics"
	"github.com/angelmondragon/pantry-backend/pkg/shippo"
)

// State is where a label attempt ended up.
type State string

const (
	StateSuccess              State = "SUCCESS"
	StateFailed               State = "FAILED"
	StateRateRefreshExhausted State = "RATE_REFRESH_EXHAUSTED"
)

const defaultMaxAttempts = 4

// Result is the terminal outcome of a label creation run.
type Result struct {
	OrderID        uuid.UUID `json:"order_id"`
	State          State     `json:"state"`
	Attempts       int       `json:"attempts"`
	RateID         string    `json:"rate_id,omitempty"`
	LabelURL       string    `json:"label_url,omitempty"`
	TrackingNumber string    `json:"tracking_number,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// OrderStore is the order persistence the workflow needs.
type OrderStore interface {
	FindByID(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	RecordLabelAttempt(ctx context.Context, orderID uuid.UUID, at time.Time) error
	UpdateShippingRate(ctx context.Context, orderID uuid.UUID, rateID, carrier string) error
	RecordLabel(ctx context.Context, orderID uuid.UUID, label orders.LabelRecord) (*orders.LabelOutcome, error)
}

// Carrier is the label provider.
type Carrier interface {
	CreateTransaction(ctx context.Context, rateID, metadata string) (*shippo.Transaction, error)
	GetRates(ctx context.Context, req shippo.ShipmentRequest) ([]shippo.Rate, error)
}

// Notifier sends the shipping email once a label exists.
type Notifier interface {
	LabelCreated(ctx context.Context, order *models.Order) error
}

type labelLock interface {
	Run(ctx context.Context, id string, fn func(ctx context.Context) error) error
}

type WorkflowParams struct {
	Orders      OrderStore
	Carrier     Carrier
	Lock        labelLock
	Notifier    Notifier
	Publisher   events.Publisher
	Metrics     *metrics.LabelMetrics
	Logger      *logger.Logger
	Shippo      config.ShippoConfig
	MaxAttempts int
	Sources     []AddressSource
}

// Workflow purchases carrier labels, refreshing expired rates up to a fixed
// number of attempts.
type Workflow struct {
	orders      OrderStore
	carrier     Carrier
	lock        labelLock
	notifier    Notifier
	publisher   events.Publisher
	metrics     *metrics.LabelMetrics
	logg        *logger.Logger
	origin      shippo.Address
	parcel      shippo.Parcel
	maxAttempts int
	sources     []AddressSource
	now         func() time.Time
}

func NewWorkflow(params WorkflowParams) (*Workflow, error) {
	if params.Orders == nil {
		return nil, errors.New("order store required")
	}
	if params.Carrier == nil {
		return nil, errors.New("carrier required")
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	sources := params.Sources
	if len(sources) == 0 {
		sources = DefaultAddressSources
	}
	publisher := params.Publisher
	if publisher == nil {
		publisher = events.Noop{}
	}
	cfg := params.Shippo
	return &Workflow{
		orders:    params.Orders,
		carrier:   params.Carrier,
		lock:      params.Lock,
		notifier:  params.Notifier,
		publisher: publisher,
		metrics:   params.Metrics,
		logg:      params.Logger,
		origin: shippo.Address{
			Name:    cfg.FromName,
			Street1: cfg.FromStreet1,
			City:    cfg.FromCity,
			State:   cfg.FromState,
			Zip:     cfg.FromPostalCode,
			Country: cfg.FromCountry,
			Phone:   cfg.FromPhone,
		},
		parcel: shippo.Parcel{
			Length:       cfg.ParcelLengthIn,
			Width:        cfg.ParcelWidthIn,
			Height:       cfg.ParcelHeightIn,
			DistanceUnit: "in",
			Weight:       cfg.ParcelWeightLb,
			MassUnit:     "lb",
		},
		maxAttempts: maxAttempts,
		sources:     sources,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// MaxAttempts is the carrier call budget of one run.
func (w *Workflow) MaxAttempts() int {
	return w.maxAttempts
}

// CreateLabel loads the order and runs the attempt loop under the per-order
// lock. lock.ErrHeld is returned when another worker is already buying.
func (w *Workflow) CreateLabel(ctx context.Context, orderID uuid.UUID) (*Result, error) {
	var result *Result
	run := func(ctx context.Context) error {
		order, err := w.orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.FulfillmentType.RequiresLabel() {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("order %s does not ship by carrier", orderID))
		}
		if order.ShippingRateID == nil || strings.TrimSpace(*order.ShippingRateID) == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("order %s has no shipping rate", orderID))
		}
		result, err = w.AttemptLabelCreation(ctx, order, *order.ShippingRateID, 1)
		return err
	}

	if w.lock == nil {
		return result, run(ctx)
	}
	err := w.lock.Run(ctx, orderID.String(), run)
	return result, err
}

// AttemptLabelCreation buys a label for rateID. An expired rate triggers an
// address re-derivation, a fresh quote and another attempt, never exceeding
// the attempt budget. Non-expiry failures are returned as errors with a
// FAILED result.
func (w *Workflow) AttemptLabelCreation(ctx context.Context, order *models.Order, rateID string, attempt int) (*Result, error) {
	result := &Result{OrderID: order.ID, RateID: rateID, Attempts: attempt - 1}
	if order.HasLabel() {
		result.State = StateSuccess
		result.LabelURL = *order.LabelURL
		result.TrackingNumber = *order.TrackingNumber
		return result, nil
	}
	if attempt > w.maxAttempts {
		return w.exhausted(ctx, result), nil
	}

	ctx = w.withFields(ctx, order.ID, attempt, rateID)
	result.Attempts = attempt
	if err := w.orders.RecordLabelAttempt(ctx, order.ID, w.now()); err != nil {
		return w.failed(ctx, result, err), err
	}

	tx, err := w.carrier.CreateTransaction(ctx, rateID, shippowebhook.OrderMetadata(order.ID))
	switch {
	case err != nil && !shippo.IsRateExpired(err):
		return w.failed(ctx, result, err), err
	case err == nil && tx.Succeeded():
		return w.succeed(ctx, result, order, tx)
	case err == nil && !tx.RateExpired():
		msg := tx.MessageText()
		if msg == "" {
			msg = fmt.Sprintf("label purchase returned status %s without label", tx.Status)
		}
		failure := pkgerrors.New(pkgerrors.CodeDependency, msg)
		return w.failed(ctx, result, failure), failure
	}

	w.info(ctx, "shipping rate expired")
	if attempt >= w.maxAttempts {
		return w.exhausted(ctx, result), nil
	}
	w.metrics.IncRateRefresh()

	fresh, err := w.refreshRate(ctx, order)
	if err != nil {
		return w.failed(ctx, result, err), err
	}
	order.ShippingRateID = &fresh.ObjectID
	if fresh.Provider != "" {
		order.ShippingCarrier = &fresh.Provider
	}
	return w.AttemptLabelCreation(ctx, order, fresh.ObjectID, attempt+1)
}

func (w *Workflow) refreshRate(ctx context.Context, order *models.Order) (shippo.Rate, error) {
	to, source, err := ExtractAddress(order, w.sources)
	if err != nil {
		return shippo.Rate{}, err
	}
	w.info(w.field(ctx, "address_source", source), "refreshing shipping rates")

	rates, err := w.carrier.GetRates(ctx, shippo.ShipmentRequest{From: w.origin, To: *to, Parcel: w.parcel})
	if err != nil {
		return shippo.Rate{}, err
	}
	preferred := ""
	if order.ShippingCarrier != nil {
		preferred = *order.ShippingCarrier
	}
	rate, ok := SelectRate(rates, preferred)
	if !ok {
		return shippo.Rate{}, pkgerrors.New(pkgerrors.CodeDependency, "carrier returned no rates for refreshed shipment")
	}
	if err := w.orders.UpdateShippingRate(ctx, order.ID, rate.ObjectID, rate.Provider); err != nil {
		return shippo.Rate{}, err
	}
	return rate, nil
}

func (w *Workflow) succeed(ctx context.Context, result *Result, order *models.Order, tx *shippo.Transaction) (*Result, error) {
	carrier := ""
	if order.ShippingCarrier != nil {
		carrier = *order.ShippingCarrier
	}
	outcome, err := w.orders.RecordLabel(ctx, order.ID, orders.LabelRecord{
		LabelURL:       tx.LabelURL,
		TrackingNumber: tx.TrackingNumber,
		Carrier:        carrier,
		RateID:         result.RateID,
		CreatedAt:      w.now(),
	})
	if err != nil {
		return w.failed(ctx, result, err), err
	}

	result.State = StateSuccess
	result.LabelURL = tx.LabelURL
	result.TrackingNumber = tx.TrackingNumber
	w.metrics.IncAttempt(string(StateSuccess))
	w.info(w.field(ctx, "tracking_number", tx.TrackingNumber), "shipping label created")
	if !outcome.Changed {
		// The carrier webhook recorded this label first and already notified.
		return result, nil
	}

	if w.notifier != nil {
		if err := w.notifier.LabelCreated(ctx, outcome.Order); err != nil {
			w.warn(ctx, "shipping notification not queued", err)
		}
	}
	if err := w.publisher.Publish(ctx, events.Event{
		Type:    events.OrderLabelCreated,
		OrderID: order.ID.String(),
		Data: map[string]any{
			"tracking_number": tx.TrackingNumber,
			"transaction_id":  tx.ObjectID,
			"attempts":        result.Attempts,
		},
	}); err != nil {
		w.warn(ctx, "publish label event failed", err)
	}
	return result, nil
}

func (w *Workflow) failed(ctx context.Context, result *Result, err error) *Result {
	result.State = StateFailed
	result.Error = err.Error()
	w.metrics.IncAttempt(string(StateFailed))
	w.warn(ctx, "label attempt failed", err)
	return result
}

func (w *Workflow) exhausted(ctx context.Context, result *Result) *Result {
	result.State = StateRateRefreshExhausted
	result.Error = fmt.Sprintf("shipping rate still expired after %d attempts", w.maxAttempts)
	w.metrics.IncAttempt(string(StateRateRefreshExhausted))
	if w.logg != nil {
		w.logg.Error(ctx, "label rate refresh exhausted", errors.New(result.Error))
	}
	return result
}

func (w *Workflow) withFields(ctx context.Context, orderID uuid.UUID, attempt int, rateID string) context.Context {
	if w.logg == nil {
		return ctx
	}
	return w.logg.WithFields(ctx, map[string]any{
		"order_id": orderID.String(),
		"attempt":  attempt,
		"rate_id":  rateID,
	})
}

func (w *Workflow) field(ctx context.Context, key string, value any) context.Context {
	if w.logg == nil {
		return ctx
	}
	return w.logg.WithField(ctx, key, value)
}

func (w *Workflow) info(ctx context.Context, msg string) {
	if w.logg != nil {
		w.logg.Info(ctx, msg)
	}
}

func (w *Workflow) warn(ctx context.Context, msg string, err error) {
	if w.logg == nil {
		return
	}
	w.logg.Warn(w.logg.WithField(ctx, "error", err.Error()), msg)
}
