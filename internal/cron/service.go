package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
	"github.com/angelmondragon/pantry-backend/pkg/metrics"
)

const (
	defaultInterval   = 15 * time.Minute
	defaultJobTimeout = 10 * time.Minute
)

type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.WorkerMetrics
	Interval time.Duration
	// JobTimeout bounds a single job run. It should stay under the cycle
	// lock TTL so the lease cannot lapse mid-cycle.
	JobTimeout time.Duration
}

// CycleReport summarises one pass over the due jobs.
type CycleReport struct {
	// Skipped is set when another worker held the cycle lock.
	Skipped bool
	Ran     []string
	Failed  []string
}

// Service runs due jobs every Interval across all cron-worker replicas, one
// replica per cycle.
type Service struct {
	logg       *logger.Logger
	registry   *Registry
	lock       Lock
	metrics    *metrics.WorkerMetrics
	interval   time.Duration
	jobTimeout time.Duration
	now        func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Logger == nil:
		return nil, errors.New("cron service needs a logger")
	case params.Lock == nil:
		return nil, errors.New("cron service needs a cycle lock")
	}
	s := &Service{
		logg:       params.Logger,
		registry:   params.Registry,
		lock:       params.Lock,
		metrics:    params.Metrics,
		interval:   params.Interval,
		jobTimeout: params.JobTimeout,
		now:        time.Now,
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.jobTimeout <= 0 {
		s.jobTimeout = defaultJobTimeout
	}
	return s, nil
}

// Run executes a cycle immediately and then every interval until ctx ends.
// The wait starts after a cycle finishes, so slow cycles never overlap.
func (s *Service) Run(ctx context.Context) error {
	ctx = s.logg.WithField(ctx, "interval", s.interval.String())
	s.logg.Info(ctx, "maintenance loop started")
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "maintenance loop stopped")
			return ctx.Err()
		case <-timer.C:
		}
		if _, err := s.runCycle(ctx); err != nil {
			s.logg.Error(ctx, "maintenance cycle failed", err)
		}
		timer.Reset(s.interval)
	}
}

func (s *Service) runCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport
	held, err := s.lock.Acquire(ctx)
	if err != nil {
		return report, fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !held {
		report.Skipped = true
		s.logg.Info(ctx, "cycle lock held elsewhere, skipping")
		return report, nil
	}
	defer func() {
		if err := s.lock.Release(ctx); err != nil {
			s.logg.Error(ctx, "release cycle lock", err)
		}
	}()

	for _, job := range s.registry.Due(s.now()) {
		report.Ran = append(report.Ran, job.Name())
		if err := s.runJob(ctx, job); err != nil {
			report.Failed = append(report.Failed, job.Name())
			continue
		}
		s.registry.MarkSucceeded(job.Name(), s.now())
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"jobs_ran":    len(report.Ran),
		"jobs_failed": len(report.Failed),
	}), "maintenance cycle finished")
	return report, nil
}

// runJob runs job under the per-job timeout. A panic is reported as the
// job's error so the remaining jobs still run.
func (s *Service) runJob(ctx context.Context, job Job) (err error) {
	name := "cron:" + job.Name()
	ctx = s.logg.WithFields(ctx, map[string]any{"job": job.Name(), "event": "cron.job"})
	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("job panicked: %v", rec))
		}
		elapsed := time.Since(start)
		s.metrics.ObserveDuration(name, elapsed)
		done := s.logg.WithField(ctx, "duration_ms", elapsed.Milliseconds())
		if err != nil {
			s.metrics.IncFailure(name)
			s.logg.Error(done, "job failed", err)
			return
		}
		s.metrics.IncSuccess(name)
		s.logg.Info(done, "job completed")
	}()
	return job.Run(ctx)
}
