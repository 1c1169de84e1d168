package orders

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/pantry-backend/pkg/db/models"
	"github.com/angelmondragon/pantry-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
)

func completedPayment(eventID string) PaymentUpdate {
	return PaymentUpdate{
		EventID:         eventID,
		EventType:       "payment.updated",
		SquarePaymentID: "P1",
		SquareOrderID:   "sq-order-1",
		ProviderStatus:  "COMPLETED",
		AmountCents:     4599,
		Currency:        "usd",
		Raw:             json.RawMessage(`{"id":"P1","status":"COMPLETED"}`),
	}
}

func TestApplyPaymentUpdateReplayIsNoop(t *testing.T) {
	svc, repo, conn := newTestService(t)
	ctx := context.Background()
	order := seedOrder(t, repo, "sq-order-1")

	first, err := svc.ApplyPaymentUpdate(ctx, completedPayment("E1"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.True(t, first.NewlyPaid)
	assert.Equal(t, enums.PaymentStatusPaid, first.PaymentStatus)
	assert.Equal(t, enums.OrderStatusProcessing, first.OrderStatus)

	second, err := svc.ApplyPaymentUpdate(ctx, completedPayment("E1"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.False(t, second.NewlyPaid)

	var payments int64
	require.NoError(t, conn.Model(&models.Payment{}).Count(&payments).Error)
	assert.EqualValues(t, 1, payments)

	var events int64
	require.NoError(t, conn.Model(&models.PaymentEvent{}).Count(&events).Error)
	assert.EqualValues(t, 1, events)

	stored, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPaid, stored.PaymentStatus)
	assert.Equal(t, enums.OrderStatusProcessing, stored.Status)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(stored.RawData, &raw))
	assert.Equal(t, "checkout", raw["source"])
	stamp, ok := raw[webhookStampKey].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "E1", stamp["event_id"])

	payment, err := repo.FindPaymentBySquareID(ctx, "P1")
	require.NoError(t, err)
	require.NotNil(t, payment)
	assert.Equal(t, "USD", payment.Currency)
	assert.Equal(t, "45.99", payment.Amount.StringFixed(2))
	require.NotNil(t, payment.LastProcessedEventID)
	assert.Equal(t, "E1", *payment.LastProcessedEventID)
}

func TestApplyPaymentUpdateNeverRegressesOrderStatus(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	order := seedOrder(t, repo, "sq-order-1", withStatus(enums.OrderStatusCompleted))

	outcome, err := svc.ApplyPaymentUpdate(ctx, completedPayment("E1"))
	require.NoError(t, err)
	assert.True(t, outcome.NewlyPaid)
	assert.Equal(t, enums.OrderStatusCompleted, outcome.OrderStatus)

	stored, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCompleted, stored.Status)
	assert.Equal(t, enums.PaymentStatusPaid, stored.PaymentStatus)
}

func TestApplyPaymentUpdateLateEventKeepsPaid(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	seedOrder(t, repo, "sq-order-1")

	_, err := svc.ApplyPaymentUpdate(ctx, completedPayment("E2"))
	require.NoError(t, err)

	late := completedPayment("E1")
	late.EventType = "payment.created"
	late.ProviderStatus = "APPROVED_PENDING_CAPTURE"
	outcome, err := svc.ApplyPaymentUpdate(ctx, late)
	require.NoError(t, err)
	assert.False(t, outcome.Duplicate)
	assert.False(t, outcome.NewlyPaid)
	assert.Equal(t, enums.PaymentStatusPaid, outcome.PaymentStatus)

	payment, err := repo.FindPaymentBySquareID(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPaid, payment.Status)
}

func TestApplyPaymentUpdateFlagsLabelForShippingOrders(t *testing.T) {
	svc, repo, _ := newTestService(t)
	seedOrder(t, repo, "sq-order-1", withShippingRate("rate_1", "USPS"))

	outcome, err := svc.ApplyPaymentUpdate(context.Background(), completedPayment("E1"))
	require.NoError(t, err)
	assert.True(t, outcome.NeedsLabel)
	require.NotNil(t, outcome.Order)
	assert.Equal(t, "rate_1", *outcome.Order.ShippingRateID)
}

func TestApplyPaymentUpdateMissingOrderIsNotFound(t *testing.T) {
	svc, _, conn := newTestService(t)

	_, err := svc.ApplyPaymentUpdate(context.Background(), completedPayment("E1"))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	var events int64
	require.NoError(t, conn.Model(&models.PaymentEvent{}).Count(&events).Error)
	assert.Zero(t, events, "a failed attempt must not consume the event id")
}

func TestApplyPaymentUpdateValidatesInput(t *testing.T) {
	svc, _, _ := newTestService(t)
	input := completedPayment("E1")
	input.SquareOrderID = ""
	_, err := svc.ApplyPaymentUpdate(context.Background(), input)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestApplyRefundMarksPaymentAndOrderRefunded(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	order := seedOrder(t, repo, "sq-order-1")
	_, err := svc.ApplyPaymentUpdate(ctx, completedPayment("E1"))
	require.NoError(t, err)

	refund := RefundUpdate{
		EventID:         "R-E1",
		EventType:       "refund.updated",
		RefundID:        "R1",
		SquarePaymentID: "P1",
		Status:          "COMPLETED",
		AmountCents:     4599,
	}
	outcome, err := svc.ApplyRefund(ctx, refund)
	require.NoError(t, err)
	assert.True(t, outcome.Refunded)

	replay, err := svc.ApplyRefund(ctx, refund)
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)

	stored, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusRefunded, stored.PaymentStatus)
}

func TestApplyRefundPendingLeavesPayment(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	seedOrder(t, repo, "sq-order-1")
	_, err := svc.ApplyPaymentUpdate(ctx, completedPayment("E1"))
	require.NoError(t, err)

	outcome, err := svc.ApplyRefund(ctx, RefundUpdate{EventID: "R-E0", EventType: "refund.created", SquarePaymentID: "P1", Status: "PENDING"})
	require.NoError(t, err)
	assert.False(t, outcome.Refunded)

	payment, err := repo.FindPaymentBySquareID(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPaid, payment.Status)
}

func TestApplyRefundUnknownPaymentIsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.ApplyRefund(context.Background(), RefundUpdate{EventID: "R-E1", SquarePaymentID: "missing", Status: "COMPLETED"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestApplyOrderUpdateFollowsFulfillmentMonotonically(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	seedOrder(t, repo, "sq-order-1")

	ready, err := svc.ApplyOrderUpdate(ctx, OrderUpdate{EventID: "O1", EventType: "order.fulfillment.updated", SquareOrderID: "sq-order-1", FulfillmentState: "PREPARED"})
	require.NoError(t, err)
	assert.True(t, ready.Changed)
	assert.Equal(t, enums.OrderStatusReady, ready.Current)

	late, err := svc.ApplyOrderUpdate(ctx, OrderUpdate{EventID: "O0", EventType: "order.fulfillment.updated", SquareOrderID: "sq-order-1", FulfillmentState: "RESERVED"})
	require.NoError(t, err)
	assert.False(t, late.Changed)
	assert.Equal(t, enums.OrderStatusReady, late.Current)

	open, err := svc.ApplyOrderUpdate(ctx, OrderUpdate{EventID: "O2", EventType: "order.updated", SquareOrderID: "sq-order-1", State: "OPEN"})
	require.NoError(t, err)
	assert.False(t, open.Changed)

	cancelled, err := svc.ApplyOrderUpdate(ctx, OrderUpdate{EventID: "O3", EventType: "order.updated", SquareOrderID: "sq-order-1", State: "CANCELED"})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCancelled, cancelled.Current)
}

func TestRecordLabelMovesOrderToShipping(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	order := seedOrder(t, repo, "sq-order-1", withShippingRate("rate_1", "USPS"), withStatus(enums.OrderStatusProcessing))

	outcome, err := svc.RecordLabel(ctx, order.ID, LabelRecord{LabelURL: "https://labels/1.pdf", TrackingNumber: "1Z999", Carrier: "UPS", RateID: "rate_2"})
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	updated := outcome.Order
	assert.Equal(t, enums.OrderStatusShipping, updated.Status)
	assert.True(t, updated.HasLabel())
	assert.Equal(t, "UPS", *updated.ShippingCarrier)
	assert.Equal(t, "rate_2", *updated.ShippingRateID)
	assert.NotNil(t, updated.LabelCreatedAt)

	found, err := svc.FindByTrackingNumber(ctx, "1Z999")
	require.NoError(t, err)
	assert.Equal(t, order.ID, found.ID)

	_, err = svc.RecordLabel(ctx, order.ID, LabelRecord{LabelURL: "https://labels/1.pdf"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestRecordLabelTwiceReportsSecondAsUnchanged(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	order := seedOrder(t, repo, "sq-order-1", withShippingRate("rate_1", "USPS"), withStatus(enums.OrderStatusProcessing))
	label := LabelRecord{LabelURL: "https://labels/1.pdf", TrackingNumber: "1Z999", Carrier: "USPS"}

	first, err := svc.RecordLabel(ctx, order.ID, label)
	require.NoError(t, err)
	require.True(t, first.Changed)

	label.LabelURL = "https://labels/1-copy.pdf"
	second, err := svc.RecordLabel(ctx, order.ID, label)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, "https://labels/1.pdf", *second.Order.LabelURL)

	replaced, err := svc.RecordLabel(ctx, order.ID, LabelRecord{LabelURL: "https://labels/2.pdf", TrackingNumber: "1Z000"})
	require.NoError(t, err)
	assert.True(t, replaced.Changed)
	assert.Equal(t, "1Z000", *replaced.Order.TrackingNumber)
}

func TestAdvanceStatusReportsRegressionAsUnchanged(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	order := seedOrder(t, repo, "sq-order-1", withStatus(enums.OrderStatusShipping))

	outcome, err := svc.AdvanceStatus(ctx, order.ID, enums.OrderStatusProcessing)
	require.NoError(t, err)
	assert.False(t, outcome.Changed)

	outcome, err = svc.AdvanceStatus(ctx, order.ID, enums.OrderStatusCompleted)
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	assert.Equal(t, enums.OrderStatusCompleted, outcome.Current)
}

func TestListAwaitingLabel(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	seedOrder(t, repo, "sq-order-1", withShippingRate("rate_1", "USPS"))
	seedOrder(t, repo, "sq-order-2")

	_, err := svc.ApplyPaymentUpdate(ctx, completedPayment("E1"))
	require.NoError(t, err)

	pending, err := svc.ListAwaitingLabel(ctx, AwaitingLabelQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "sq-order-1", *pending[0].SquareOrderID)
}

func TestRecordLabelAttemptAndRateUpdate(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	order := seedOrder(t, repo, "sq-order-1", withShippingRate("rate_1", "USPS"))

	require.NoError(t, svc.RecordLabelAttempt(ctx, order.ID, order.CreatedAt))
	require.NoError(t, svc.RecordLabelAttempt(ctx, order.ID, order.CreatedAt))
	require.NoError(t, svc.UpdateShippingRate(ctx, order.ID, "rate_9", "UPS"))

	stored, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.RetryCount)
	assert.NotNil(t, stored.LastRetryAt)
	assert.Equal(t, "rate_9", *stored.ShippingRateID)
	assert.Equal(t, "UPS", *stored.ShippingCarrier)
}
