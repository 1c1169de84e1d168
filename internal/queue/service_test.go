package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/pantry-backend/internal/webhooks"
	"github.com/angelmondragon/pantry-backend/pkg/config"
	"github.com/angelmondragon/pantry-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/sendgrid"
)

type processorFunc func(ctx context.Context, d webhooks.Delivery) error

func (f processorFunc) Process(ctx context.Context, d webhooks.Delivery) error {
	return f(ctx, d)
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sendgrid.Message
	at   []time.Time
	now  func() time.Time
	err  error
}

func (m *recordingMailer) Send(_ context.Context, msg sendgrid.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	if m.now != nil {
		m.at = append(m.at, m.now())
	}
	return m.err
}

type deadLetterRecord struct {
	item   Item
	reason enums.DeadLetterReason
	cause  error
}

type recordingSink struct {
	mu      sync.Mutex
	records []deadLetterRecord
}

func (s *recordingSink) Record(_ context.Context, item Item, reason enums.DeadLetterReason, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, deadLetterRecord{item: item, reason: reason, cause: cause})
	return nil
}

type countingStore struct {
	mu    sync.Mutex
	calls int
}

func (s *countingStore) Reinitialize(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() config.QueueConfig {
	return config.QueueConfig{
		WebhookMaxRetries:     4,
		EmailMaxRetries:       3,
		MaxConcurrentWebhooks: 3,
		RetryDelays:           []time.Duration{5 * time.Second, 20 * time.Second, 90 * time.Second, 300 * time.Second},
		EmailRetryDelay:       30 * time.Second,
		EmailRateLimitDelay:   60 * time.Second,
		EmailMinSpacing:       2 * time.Second,
		CapacityDeferral:      2 * time.Second,
		ProcessTimeout:        time.Minute,
		InlineTimeout:         time.Second,
	}
}

func newTestService(t *testing.T, params ServiceParams) (*Service, *clock) {
	t.Helper()
	if params.Config.MaxConcurrentWebhooks == 0 {
		params.Config = testConfig()
	}
	svc, err := NewService(params)
	require.NoError(t, err)
	c := &clock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	svc.now = c.Now
	return svc, c
}

func testDelivery(eventID string) webhooks.Delivery {
	return webhooks.Delivery{
		Provider:  enums.WebhookProviderSquare,
		EventID:   eventID,
		EventType: "payment.updated",
		OrderID:   "5b0f3c1e-0f4a-4c43-9a51-0a3f2e1c9d10",
		Payload:   json.RawMessage(`{"event_id":"` + eventID + `"}`),
	}
}

func TestProcessReadyBoundsConcurrencyAndDefersOverflow(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 10)
	svc, c := newTestService(t, ServiceParams{
		Processor: processorFunc(func(_ context.Context, d webhooks.Delivery) error {
			started <- d.EventID
			<-release
			return nil
		}),
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := svc.EnqueueWebhook(ctx, testDelivery(string(rune('a'+i))), 0)
		require.NoError(t, err)
	}

	dispatched := svc.ProcessReady(ctx)
	assert.Equal(t, 3, dispatched)
	for i := 0; i < 3; i++ {
		<-started
	}
	assert.Equal(t, 3, svc.Active())

	deferred := 0
	for _, item := range svc.Snapshot(KindWebhook) {
		if item.inFlight {
			continue
		}
		deferred++
		assert.Equal(t, c.Now().Add(2*time.Second), item.NextAttempt)
	}
	assert.Equal(t, 7, deferred)

	assert.Equal(t, 0, svc.ProcessReady(ctx), "nothing is ready until the deferral elapses")

	close(release)
	svc.Wait()
	assert.Equal(t, 0, svc.Active())
	assert.Equal(t, 7, svc.Stats().Webhooks)

	c.Advance(2 * time.Second)
	assert.Equal(t, 3, svc.ProcessReady(ctx))
	svc.Wait()
}

func TestWebhookRetryLadderThenDeadLetter(t *testing.T) {
	sink := &recordingSink{}
	attempts := 0
	var mu sync.Mutex
	svc, c := newTestService(t, ServiceParams{
		Processor: processorFunc(func(context.Context, webhooks.Delivery) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return errors.New("something odd")
		}),
		DeadLetters: sink,
	})
	ctx := context.Background()

	_, err := svc.EnqueueWebhook(ctx, testDelivery("E1"), svc.FirstRetryDelay())
	require.NoError(t, err)

	expected := []time.Duration{5 * time.Second, 20 * time.Second, 90 * time.Second, 300 * time.Second}
	for i, want := range expected {
		items := svc.Snapshot(KindWebhook)
		require.Len(t, items, 1)
		c.Set(items[0].NextAttempt)
		require.Equal(t, 1, svc.ProcessReady(ctx))
		svc.Wait()

		items = svc.Snapshot(KindWebhook)
		require.Len(t, items, 1, "attempt %d", i+1)
		got := items[0].NextAttempt.Sub(c.Now())
		assert.InDelta(t, want.Milliseconds(), got.Milliseconds(), 100, "attempt %d", i+1)
		assert.Equal(t, i+1, items[0].RetryCount)
	}

	items := svc.Snapshot(KindWebhook)
	c.Set(items[0].NextAttempt)
	require.Equal(t, 1, svc.ProcessReady(ctx))
	svc.Wait()

	assert.Empty(t, svc.Snapshot(KindWebhook))
	assert.Equal(t, 5, attempts)
	require.Len(t, sink.records, 1)
	assert.Equal(t, enums.DeadLetterReasonMaxAttempts, sink.records[0].reason)
	assert.Equal(t, "E1", sink.records[0].item.Delivery.EventID)
	assert.EqualError(t, sink.records[0].cause, "something odd")
}

func TestNonRetryableErrorDeadLettersImmediately(t *testing.T) {
	sink := &recordingSink{}
	svc, _ := newTestService(t, ServiceParams{
		Processor: processorFunc(func(context.Context, webhooks.Delivery) error {
			return pkgerrors.New(pkgerrors.CodeUnhandled, "unhandled webhook type: invoice.created")
		}),
		DeadLetters: sink,
	})
	ctx := context.Background()

	_, err := svc.EnqueueWebhook(ctx, testDelivery("E2"), 0)
	require.NoError(t, err)
	svc.ProcessReady(ctx)
	svc.Wait()

	assert.Empty(t, svc.Snapshot(KindWebhook))
	require.Len(t, sink.records, 1)
	assert.Equal(t, enums.DeadLetterReasonNonRetryable, sink.records[0].reason)
	assert.Equal(t, 0, sink.records[0].item.RetryCount)
}

func TestConnectionErrorReinitializesStore(t *testing.T) {
	store := &countingStore{}
	calls := 0
	svc, c := newTestService(t, ServiceParams{
		Processor: processorFunc(func(context.Context, webhooks.Delivery) error {
			calls++
			if calls == 1 {
				return errors.New("dial tcp 10.0.0.5:5432: connection refused")
			}
			return nil
		}),
		Store: store,
	})
	ctx := context.Background()

	_, err := svc.EnqueueWebhook(ctx, testDelivery("E3"), 0)
	require.NoError(t, err)
	svc.ProcessReady(ctx)
	svc.Wait()

	assert.Equal(t, 1, store.calls)
	items := svc.Snapshot(KindWebhook)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)

	c.Set(items[0].NextAttempt)
	svc.ProcessReady(ctx)
	svc.Wait()
	assert.Empty(t, svc.Snapshot(KindWebhook))
	assert.Equal(t, 1, store.calls)
}

func TestEmailsAreSpacedByMinimumInterval(t *testing.T) {
	mailer := &recordingMailer{}
	svc, c := newTestService(t, ServiceParams{
		Processor: processorFunc(func(context.Context, webhooks.Delivery) error { return nil }),
		Mailer:    mailer,
	})
	mailer.now = c.Now
	ctx := context.Background()

	for _, to := range []string{"a@pantry.test", "b@pantry.test", "c@pantry.test"} {
		require.NoError(t, svc.EnqueueEmail(ctx, sendgrid.Message{To: to, Subject: "hi", HTML: "<p>hi</p>"}))
	}

	for i := 0; i < 12; i++ {
		svc.ProcessReady(ctx)
		c.Advance(500 * time.Millisecond)
	}

	require.Len(t, mailer.at, 3)
	for i := 1; i < len(mailer.at); i++ {
		assert.GreaterOrEqual(t, mailer.at[i].Sub(mailer.at[i-1]), 2*time.Second)
	}
	assert.Equal(t, "a@pantry.test", mailer.sent[0].To)
	assert.Equal(t, 0, svc.Stats().Emails)
}

func TestEmailRetryDelays(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want time.Duration
	}{
		{name: "generic failure", err: errors.New("sendgrid 500"), want: 30 * time.Second},
		{name: "typed rate limit", err: pkgerrors.New(pkgerrors.CodeRateLimit, "sendgrid throttled"), want: 60 * time.Second},
		{name: "rate limit message", err: errors.New("status 429: Too Many Requests"), want: 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.BypassEmailRateLimit = true
			mailer := &recordingMailer{err: tt.err}
			svc, c := newTestService(t, ServiceParams{
				Processor: processorFunc(func(context.Context, webhooks.Delivery) error { return nil }),
				Mailer:    mailer,
				Config:    cfg,
			})
			ctx := context.Background()

			require.NoError(t, svc.EnqueueEmail(ctx, sendgrid.Message{To: "ops@pantry.test", Subject: "x"}))
			svc.ProcessReady(ctx)

			items := svc.Snapshot(KindEmail)
			require.Len(t, items, 1)
			assert.Equal(t, tt.want, items[0].NextAttempt.Sub(c.Now()))
			assert.Equal(t, 1, items[0].RetryCount)
		})
	}
}

func TestEmailDroppedAfterMaxRetries(t *testing.T) {
	cfg := testConfig()
	cfg.BypassEmailRateLimit = true
	mailer := &recordingMailer{err: errors.New("sendgrid 500")}
	svc, c := newTestService(t, ServiceParams{
		Processor: processorFunc(func(context.Context, webhooks.Delivery) error { return nil }),
		Mailer:    mailer,
		Config:    cfg,
	})
	ctx := context.Background()

	require.NoError(t, svc.EnqueueEmail(ctx, sendgrid.Message{To: "ops@pantry.test"}))
	for i := 0; i < 4; i++ {
		svc.ProcessReady(ctx)
		c.Advance(time.Minute)
	}
	assert.Len(t, mailer.sent, 4)
	assert.Empty(t, svc.Snapshot(KindEmail))
}

func TestProductionIgnoresEmailBypass(t *testing.T) {
	cfg := testConfig()
	cfg.BypassEmailRateLimit = true
	mailer := &recordingMailer{}
	svc, _ := newTestService(t, ServiceParams{
		Processor:  processorFunc(func(context.Context, webhooks.Delivery) error { return nil }),
		Mailer:     mailer,
		Config:     cfg,
		Production: true,
	})
	ctx := context.Background()

	require.NoError(t, svc.EnqueueEmail(ctx, sendgrid.Message{To: "a@pantry.test"}))
	require.NoError(t, svc.EnqueueEmail(ctx, sendgrid.Message{To: "b@pantry.test"}))
	svc.ProcessReady(ctx)
	svc.ProcessReady(ctx)
	assert.Len(t, mailer.sent, 1)
}

func TestWebhooksTakePriorityOverEmails(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	mailer := &recordingMailer{}
	svc, _ := newTestService(t, ServiceParams{
		Processor: processorFunc(func(context.Context, webhooks.Delivery) error {
			started <- struct{}{}
			<-release
			return nil
		}),
		Mailer: mailer,
	})
	ctx := context.Background()

	require.NoError(t, svc.EnqueueEmail(ctx, sendgrid.Message{To: "a@pantry.test"}))
	_, err := svc.EnqueueWebhook(ctx, testDelivery("E4"), 0)
	require.NoError(t, err)

	svc.ProcessReady(ctx)
	<-started
	assert.Empty(t, mailer.sent, "email waits while a webhook is ready")

	close(release)
	svc.Wait()
	svc.ProcessReady(ctx)
	assert.Len(t, mailer.sent, 1)
}

func TestAttemptSharesConcurrencyBound(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	svc, _ := newTestService(t, ServiceParams{
		Processor: processorFunc(func(context.Context, webhooks.Delivery) error {
			started <- struct{}{}
			<-release
			return nil
		}),
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.EnqueueWebhook(ctx, testDelivery(string(rune('x'+i))), 0)
		require.NoError(t, err)
	}
	svc.ProcessReady(ctx)
	for i := 0; i < 3; i++ {
		<-started
	}

	err := svc.Attempt(ctx, testDelivery("inline"))
	assert.ErrorIs(t, err, ErrAtCapacity)

	close(release)
	svc.Wait()
}

func TestEnqueueValidation(t *testing.T) {
	svc, _ := newTestService(t, ServiceParams{
		Processor: processorFunc(func(context.Context, webhooks.Delivery) error { return nil }),
	})
	_, err := svc.EnqueueWebhook(context.Background(), webhooks.Delivery{EventID: "E"}, 0)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	assert.True(t, pkgerrors.IsCode(svc.EnqueueEmail(context.Background(), sendgrid.Message{}), pkgerrors.CodeValidation))
}

func TestRetryDelayHoldsAtLastRung(t *testing.T) {
	svc, _ := newTestService(t, ServiceParams{
		Processor: processorFunc(func(context.Context, webhooks.Delivery) error { return nil }),
	})
	assert.Equal(t, 5*time.Second, svc.RetryDelay(0))
	assert.Equal(t, 300*time.Second, svc.RetryDelay(3))
	assert.Equal(t, 300*time.Second, svc.RetryDelay(9))
}
