package shipping

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/pantry-backend/internal/orders"
	"github.com/angelmondragon/pantry-backend/pkg/config"
	"github.com/angelmondragon/pantry-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/lock"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
	"github.com/angelmondragon/pantry-backend/pkg/metrics"
)

const (
	labelWorkerName     = "label_queue"
	defaultPollInterval = 500 * time.Millisecond
	recoverBatchSize    = 100
)

// Job is one pending label purchase. There is at most one per order.
type Job struct {
	OrderID     uuid.UUID `json:"order_id"`
	RateID      string    `json:"rate_id,omitempty"`
	Attempt     int       `json:"attempt"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	NextAttempt time.Time `json:"next_attempt"`
}

type labelCreator interface {
	CreateLabel(ctx context.Context, orderID uuid.UUID) (*Result, error)
}

type awaitingLister interface {
	ListAwaitingLabel(ctx context.Context, q orders.AwaitingLabelQuery) ([]models.Order, error)
}

type QueueParams struct {
	Workflow labelCreator
	Orders   awaitingLister
	Config   config.LabelConfig
	Metrics  *metrics.LabelMetrics
	Worker   *metrics.WorkerMetrics
	Logger   *logger.Logger
}

// Queue retries label creation in the background with exponential backoff.
// It is independent of the webhook processing queue.
type Queue struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*Job
	workflow labelCreator
	orders   awaitingLister
	cfg      config.LabelConfig
	metrics  *metrics.LabelMetrics
	worker   *metrics.WorkerMetrics
	logg     *logger.Logger
	now      func() time.Time
	wake     chan struct{}
}

func NewQueue(params QueueParams) (*Queue, error) {
	if params.Workflow == nil {
		return nil, errors.New("label workflow required")
	}
	cfg := params.Config
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.AttemptCeiling <= 0 {
		cfg.AttemptCeiling = 3 * cfg.MaxAttempts
	}
	return &Queue{
		jobs:     map[uuid.UUID]*Job{},
		workflow: params.Workflow,
		orders:   params.Orders,
		cfg:      cfg,
		metrics:  params.Metrics,
		worker:   params.Worker,
		logg:     params.Logger,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}, nil
}

// Backoff returns base * multiplier^attempt capped at the max delay.
func (q *Queue) Backoff(attempt int) time.Duration {
	delay := float64(q.cfg.BaseDelay) * math.Pow(q.cfg.Multiplier, float64(attempt))
	if delay > float64(q.cfg.MaxDelay) || math.IsInf(delay, 0) {
		return q.cfg.MaxDelay
	}
	return time.Duration(delay)
}

// Schedule queues label creation for a paid order, replacing any pending job
// for the same order.
func (q *Queue) Schedule(ctx context.Context, order *models.Order) error {
	if order == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order is required")
	}
	rateID := ""
	if order.ShippingRateID != nil {
		rateID = *order.ShippingRateID
	}
	q.Enqueue(order.ID, rateID, 0)
	return nil
}

// Enqueue adds or replaces the job for orderID.
func (q *Queue) Enqueue(orderID uuid.UUID, rateID string, delay time.Duration) {
	now := q.now()
	q.mu.Lock()
	q.jobs[orderID] = &Job{
		OrderID:     orderID,
		RateID:      rateID,
		CreatedAt:   now,
		NextAttempt: now.Add(delay),
	}
	depth := len(q.jobs)
	q.mu.Unlock()

	q.metrics.SetJobs(depth)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Jobs returns a snapshot ordered by next attempt.
func (q *Queue) Jobs() []Job {
	q.mu.Lock()
	out := make([]Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, *j)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].NextAttempt.Before(out[k].NextAttempt) })
	return out
}

// Recover re-queues paid shipping orders that still have no label, covering
// jobs lost to a restart. Orders at the attempt ceiling are left alone.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	if q.orders == nil {
		return 0, nil
	}
	pending, err := q.orders.ListAwaitingLabel(ctx, orders.AwaitingLabelQuery{
		Limit:       recoverBatchSize,
		MaxAttempts: q.cfg.AttemptCeiling,
	})
	if err != nil {
		return 0, err
	}
	for i := range pending {
		if err := q.Schedule(ctx, &pending[i]); err != nil {
			return i, err
		}
	}
	if len(pending) > 0 {
		q.info(ctx, "recovered orders awaiting labels")
	}
	return len(pending), nil
}

// Run processes ready jobs until ctx is canceled.
func (q *Queue) Run(ctx context.Context) error {
	if _, err := q.Recover(ctx); err != nil && q.logg != nil {
		q.logg.Error(ctx, "label queue recovery failed", err)
	}
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-q.wake:
		}
		start := time.Now()
		err := q.ProcessReady(ctx)
		q.worker.ObserveDuration(labelWorkerName, time.Since(start))
		if err != nil {
			q.worker.IncFailure(labelWorkerName)
			if q.logg != nil {
				q.logg.Error(ctx, "label queue cycle had failures", err)
			}
			continue
		}
		q.worker.IncSuccess(labelWorkerName)
	}
}

// ProcessReady runs every job whose next attempt is due. Failures from the
// cycle are combined into the returned error.
func (q *Queue) ProcessReady(ctx context.Context) error {
	now := q.now()
	q.mu.Lock()
	ready := make([]Job, 0)
	for _, j := range q.jobs {
		if !j.NextAttempt.After(now) {
			ready = append(ready, *j)
		}
	}
	q.mu.Unlock()

	var errs error
	for _, job := range ready {
		if err := q.runJob(ctx, job); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	q.metrics.SetJobs(q.depth())
	return errs
}

func (q *Queue) runJob(ctx context.Context, job Job) error {
	jobCtx := ctx
	if q.logg != nil {
		jobCtx = q.logg.WithFields(ctx, map[string]any{
			"order_id":    job.OrderID.String(),
			"job_attempt": job.Attempt,
		})
	}

	result, err := q.workflow.CreateLabel(jobCtx, job.OrderID)
	if errors.Is(err, lock.ErrHeld) {
		q.reschedule(job, job.Attempt, "label purchase in progress elsewhere")
		return nil
	}
	if err == nil {
		q.remove(job)
		if result != nil && result.State == StateRateRefreshExhausted {
			q.info(jobCtx, "label job dropped after rate refresh exhaustion")
		}
		return nil
	}

	class := pkgerrors.Classify(err)
	next := job.Attempt + 1
	if !class.CanRetry || next >= q.cfg.MaxAttempts {
		q.remove(job)
		if q.logg != nil {
			q.logg.Error(q.logg.WithField(jobCtx, "error_type", string(class.Type)), "label job permanently failed", err)
		}
		return err
	}
	q.reschedule(job, next, err.Error())
	return nil
}

// reschedule keeps the newest job for the order if one replaced this run.
func (q *Queue) reschedule(job Job, attempt int, lastError string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	current, ok := q.jobs[job.OrderID]
	if !ok || current.CreatedAt.After(job.CreatedAt) {
		return
	}
	current.Attempt = attempt
	current.LastError = lastError
	current.NextAttempt = q.now().Add(q.Backoff(attempt))
}

func (q *Queue) remove(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if current, ok := q.jobs[job.OrderID]; ok && !current.CreatedAt.After(job.CreatedAt) {
		delete(q.jobs, job.OrderID)
	}
}

func (q *Queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *Queue) info(ctx context.Context, msg string) {
	if q.logg != nil {
		q.logg.Info(ctx, msg)
	}
}
