package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/angelmondragon/pantry-backend/internal/webhooks"
	"github.com/angelmondragon/pantry-backend/pkg/config"
	"github.com/angelmondragon/pantry-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
	"github.com/angelmondragon/pantry-backend/pkg/metrics"
	"github.com/angelmondragon/pantry-backend/pkg/sendgrid"
)

// ErrAtCapacity is returned by Attempt when every processing slot is taken.
var ErrAtCapacity = errors.New("webhook processing at capacity")

var defaultRetryDelays = []time.Duration{5 * time.Second, 20 * time.Second, 90 * time.Second, 300 * time.Second}

// Mailer delivers one email.
type Mailer interface {
	Send(ctx context.Context, msg sendgrid.Message) error
}

// DeadLetterSink persists webhook items the queue gave up on.
type DeadLetterSink interface {
	Record(ctx context.Context, item Item, reason enums.DeadLetterReason, cause error) error
}

type reinitializer interface {
	Reinitialize(ctx context.Context) error
}

type ServiceParams struct {
	Processor   webhooks.Processor
	Mailer      Mailer
	DeadLetters DeadLetterSink
	Store       reinitializer
	Metrics     *metrics.WebhookMetrics
	Logger      *logger.Logger
	Config      config.QueueConfig
	// Production disables the email rate-limit bypass.
	Production bool
}

// Service is the in-process processing queue. Webhook items run
// concurrently up to the configured bound; emails are sent one at a time
// with a minimum spacing between sends. Pending items do not survive a
// restart; exhausted webhook items go to the dead-letter sink.
type Service struct {
	mu       sync.Mutex
	webhooks []*Item
	emails   []*Item

	processor   webhooks.Processor
	mailer      Mailer
	deadLetters DeadLetterSink
	store       reinitializer
	metrics     *metrics.WebhookMetrics
	logg        *logger.Logger
	cfg         config.QueueConfig

	sem       *semaphore.Weighted
	active    atomic.Int32
	emailGate *rate.Limiter
	wg        sync.WaitGroup
	wake      chan struct{}
	now       func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Processor == nil {
		return nil, errors.New("webhook processor required")
	}
	cfg := params.Config
	if cfg.WebhookMaxRetries <= 0 {
		cfg.WebhookMaxRetries = 4
	}
	if cfg.EmailMaxRetries <= 0 {
		cfg.EmailMaxRetries = 3
	}
	if cfg.MaxConcurrentWebhooks <= 0 {
		cfg.MaxConcurrentWebhooks = 3
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = defaultRetryDelays
	}
	if cfg.EmailRetryDelay <= 0 {
		cfg.EmailRetryDelay = 30 * time.Second
	}
	if cfg.EmailRateLimitDelay <= 0 {
		cfg.EmailRateLimitDelay = 60 * time.Second
	}
	if cfg.EmailMinSpacing <= 0 {
		cfg.EmailMinSpacing = 2 * time.Second
	}
	if cfg.CapacityDeferral <= 0 {
		cfg.CapacityDeferral = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 120 * time.Second
	}
	if cfg.InlineTimeout <= 0 {
		cfg.InlineTimeout = 10 * time.Second
	}

	var gate *rate.Limiter
	if params.Production || !cfg.BypassEmailRateLimit {
		gate = rate.NewLimiter(rate.Every(cfg.EmailMinSpacing), 1)
	}

	return &Service{
		processor:   params.Processor,
		mailer:      params.Mailer,
		deadLetters: params.DeadLetters,
		store:       params.Store,
		metrics:     params.Metrics,
		logg:        params.Logger,
		cfg:         cfg,
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrentWebhooks)),
		emailGate:   gate,
		wake:        make(chan struct{}, 1),
		now:         time.Now,
	}, nil
}

// SetDeadLetterSink replaces the sink exhausted webhook items are handed to.
func (s *Service) SetDeadLetterSink(sink DeadLetterSink) {
	s.mu.Lock()
	s.deadLetters = sink
	s.mu.Unlock()
}

// RetryDelay returns the backoff ladder entry for retryCount, holding at the
// last entry beyond the end of the ladder.
func (s *Service) RetryDelay(retryCount int) time.Duration {
	ladder := s.cfg.RetryDelays
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(ladder) {
		return ladder[len(ladder)-1]
	}
	return ladder[retryCount]
}

// FirstRetryDelay is the delay used when the inline attempt fails.
func (s *Service) FirstRetryDelay() time.Duration {
	return s.RetryDelay(0)
}

// InlineTimeout bounds the attempt made while the provider waits for a response.
func (s *Service) InlineTimeout() time.Duration {
	return s.cfg.InlineTimeout
}

// EnqueueWebhook schedules d to run after delay.
func (s *Service) EnqueueWebhook(ctx context.Context, d webhooks.Delivery, delay time.Duration) (uuid.UUID, error) {
	if len(d.Payload) == 0 {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "webhook payload is required")
	}
	now := s.now()
	item := &Item{
		ID:          uuid.New(),
		Kind:        KindWebhook,
		Delivery:    d,
		MaxRetries:  s.cfg.WebhookMaxRetries,
		NextAttempt: now.Add(delay),
		CreatedAt:   now,
	}
	s.mu.Lock()
	s.webhooks = append(s.webhooks, item)
	depth := len(s.webhooks)
	s.mu.Unlock()

	s.metrics.SetQueueDepth(string(KindWebhook), depth)
	s.info(s.itemContext(ctx, item), fmt.Sprintf("webhook queued with %s delay", delay))
	s.signal()
	return item.ID, nil
}

// EnqueueEmail schedules msg for the next free send slot.
func (s *Service) EnqueueEmail(ctx context.Context, msg sendgrid.Message) error {
	if msg.To == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "email recipient is required")
	}
	now := s.now()
	item := &Item{
		ID:          uuid.New(),
		Kind:        KindEmail,
		Email:       msg,
		MaxRetries:  s.cfg.EmailMaxRetries,
		NextAttempt: now,
		CreatedAt:   now,
	}
	s.mu.Lock()
	s.emails = append(s.emails, item)
	depth := len(s.emails)
	s.mu.Unlock()

	s.metrics.SetQueueDepth(string(KindEmail), depth)
	s.signal()
	return nil
}

// Attempt processes d immediately when a slot is free. It counts against the
// same concurrency bound as queued items.
func (s *Service) Attempt(ctx context.Context, d webhooks.Delivery) error {
	if !s.sem.TryAcquire(1) {
		return ErrAtCapacity
	}
	s.setActive(s.active.Add(1))
	defer func() {
		s.setActive(s.active.Add(-1))
		s.sem.Release(1)
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.InlineTimeout)
	defer cancel()
	return s.processor.Process(ctx, d)
}

// Run drives the queue until ctx is canceled, then waits for in-flight work.
func (s *Service) Run(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()
	for {
		s.ProcessReady(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.PollInterval)
	}
}

// ProcessReady makes one scheduling pass. Ready webhook items are dispatched
// while slots are free and deferred otherwise. An email is sent only when no
// webhook was ready and the spacing gate allows it. It returns the number of
// webhook items dispatched.
func (s *Service) ProcessReady(ctx context.Context) int {
	now := s.now()
	dispatched := 0
	readyWebhooks := 0

	s.mu.Lock()
	sort.SliceStable(s.webhooks, func(i, j int) bool {
		return s.webhooks[i].NextAttempt.Before(s.webhooks[j].NextAttempt)
	})
	var launch []*Item
	for _, item := range s.webhooks {
		if item.inFlight || item.NextAttempt.After(now) {
			continue
		}
		readyWebhooks++
		if !s.sem.TryAcquire(1) {
			item.NextAttempt = now.Add(s.cfg.CapacityDeferral)
			continue
		}
		item.inFlight = true
		launch = append(launch, item)
	}

	var email *Item
	if readyWebhooks == 0 {
		for _, item := range s.emails {
			if item.inFlight || item.NextAttempt.After(now) {
				continue
			}
			if s.emailGate == nil || s.emailGate.AllowN(now, 1) {
				item.inFlight = true
				email = item
			}
			break
		}
	}
	s.mu.Unlock()

	for _, item := range launch {
		dispatched++
		s.setActive(s.active.Add(1))
		s.wg.Add(1)
		go s.runWebhook(ctx, item)
	}
	if email != nil {
		s.sendEmail(ctx, email)
	}
	return dispatched
}

// Wait blocks until every dispatched webhook item has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Stats reports queue depth and activity.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{
		Webhooks:       len(s.webhooks),
		Emails:         len(s.emails),
		ActiveWebhooks: int(s.active.Load()),
	}
	for _, list := range [][]*Item{s.webhooks, s.emails} {
		for _, item := range list {
			if item.Kind == KindEmail && item.inFlight {
				stats.InFlightEmails++
			}
			if item.inFlight {
				continue
			}
			if stats.NextAttempt.IsZero() || item.NextAttempt.Before(stats.NextAttempt) {
				stats.NextAttempt = item.NextAttempt
			}
		}
	}
	return stats
}

// Snapshot copies the pending items of kind.
func (s *Service) Snapshot(kind Kind) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.webhooks
	if kind == KindEmail {
		list = s.emails
	}
	out := make([]Item, 0, len(list))
	for _, item := range list {
		out = append(out, *item)
	}
	return out
}

// Active is the number of webhook items processing right now.
func (s *Service) Active() int {
	return int(s.active.Load())
}

func (s *Service) runWebhook(ctx context.Context, item *Item) {
	defer s.wg.Done()
	defer func() {
		s.setActive(s.active.Add(-1))
		s.sem.Release(1)
	}()

	itemCtx := s.itemContext(ctx, item)
	processCtx, cancel := context.WithTimeout(itemCtx, s.cfg.ProcessTimeout)
	start := time.Now()
	err := s.processor.Process(processCtx, item.Delivery)
	cancel()
	elapsed := time.Since(start)

	if err == nil {
		s.remove(item)
		s.metrics.RecordEvent(itemCtx, item.Label(), metrics.OutcomeSuccess, elapsed)
		s.info(itemCtx, "queued webhook processed")
		return
	}

	class := pkgerrors.Classify(err)
	if class.IsConnection() && s.store != nil {
		if reinitErr := s.store.Reinitialize(itemCtx); reinitErr != nil {
			s.logError(itemCtx, "store reinitialization failed", reinitErr)
		}
	}

	if !class.CanRetry {
		s.remove(item)
		s.deadLetter(itemCtx, item, enums.DeadLetterReasonNonRetryable, err, elapsed)
		return
	}

	s.mu.Lock()
	exhausted := item.RetryCount >= item.MaxRetries
	var delay time.Duration
	if !exhausted {
		delay = s.RetryDelay(item.RetryCount)
		item.RetryCount++
		item.NextAttempt = s.now().Add(delay)
		item.LastError = err.Error()
		item.inFlight = false
	}
	retryCount := item.RetryCount
	s.mu.Unlock()

	if exhausted {
		s.remove(item)
		s.deadLetter(itemCtx, item, enums.DeadLetterReasonMaxAttempts, err, elapsed)
		return
	}
	s.metrics.RecordEvent(itemCtx, item.Label(), metrics.OutcomeRetry, elapsed)
	if s.logg != nil {
		s.logg.Warn(s.logg.WithFields(itemCtx, map[string]any{
			"error":       err.Error(),
			"error_type":  string(class.Type),
			"retry_count": retryCount,
			"retry_in":    delay.String(),
		}), "queued webhook failed; retry scheduled")
	}
}

func (s *Service) deadLetter(ctx context.Context, item *Item, reason enums.DeadLetterReason, cause error, elapsed time.Duration) {
	s.metrics.RecordEvent(ctx, item.Label(), metrics.OutcomeDeadLettered, elapsed)
	s.logError(ctx, fmt.Sprintf("webhook permanently failed after %d attempts (%s)", item.RetryCount+1, reason), cause)
	s.mu.Lock()
	sink := s.deadLetters
	s.mu.Unlock()
	if sink == nil {
		return
	}
	if err := sink.Record(ctx, *item, reason, cause); err != nil {
		s.logError(ctx, "dead letter not recorded", err)
	}
}

func (s *Service) sendEmail(ctx context.Context, item *Item) {
	ctx = s.field(ctx, "email_to_domain", domainOf(item.Email.To))
	var err error
	if s.mailer == nil {
		err = pkgerrors.New(pkgerrors.CodeDependency, "no mailer configured")
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.ProcessTimeout)
		err = s.mailer.Send(sendCtx, item.Email)
		cancel()
	}
	if err == nil {
		s.remove(item)
		return
	}

	s.mu.Lock()
	dropped := item.RetryCount >= item.MaxRetries
	if !dropped {
		delay := s.cfg.EmailRetryDelay
		if pkgerrors.IsCode(err, pkgerrors.CodeRateLimit) || isRateLimitMessage(err.Error()) {
			delay = s.cfg.EmailRateLimitDelay
		}
		item.RetryCount++
		item.NextAttempt = s.now().Add(delay)
		item.LastError = err.Error()
		item.inFlight = false
	}
	s.mu.Unlock()

	if dropped {
		s.remove(item)
		s.logError(ctx, "email permanently failed", err)
		return
	}
	if s.logg != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "email send failed; retry scheduled")
	}
}

func (s *Service) remove(item *Item) {
	s.mu.Lock()
	var depth int
	if item.Kind == KindEmail {
		s.emails = without(s.emails, item)
		depth = len(s.emails)
	} else {
		s.webhooks = without(s.webhooks, item)
		depth = len(s.webhooks)
	}
	s.mu.Unlock()
	s.metrics.SetQueueDepth(string(item.Kind), depth)
}

func without(items []*Item, target *Item) []*Item {
	for i, item := range items {
		if item == target {
			return append(items[:i], items[i+1:]...)
		}
	}
	return items
}

func (s *Service) setActive(n int32) {
	s.metrics.SetActive(int(n))
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) itemContext(ctx context.Context, item *Item) context.Context {
	if s.logg == nil {
		return ctx
	}
	fields := map[string]any{
		"queue_item": item.ID.String(),
		"attempt":    item.RetryCount + 1,
	}
	if item.Kind == KindWebhook {
		fields["provider"] = item.Delivery.Provider.String()
		fields["event_id"] = item.Delivery.EventID
		fields["event_type"] = item.Delivery.EventType
		if item.Delivery.OrderID != "" {
			fields["order_id"] = item.Delivery.OrderID
		}
	}
	return s.logg.WithFields(ctx, fields)
}

func (s *Service) field(ctx context.Context, key string, value any) context.Context {
	if s.logg == nil {
		return ctx
	}
	return s.logg.WithField(ctx, key, value)
}

func (s *Service) info(ctx context.Context, msg string) {
	if s.logg != nil {
		s.logg.Info(ctx, msg)
	}
}

func (s *Service) logError(ctx context.Context, msg string, err error) {
	if s.logg != nil {
		s.logg.Error(ctx, msg, err)
	}
}

func domainOf(email string) string {
	for i := len(email) - 1; i >= 0; i-- {
		if email[i] == '@' {
			return email[i+1:]
		}
	}
	return ""
}
