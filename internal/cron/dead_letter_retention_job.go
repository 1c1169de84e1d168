package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/pantry-backend/pkg/logger"
)

const defaultDeadLetterRetention = 30 * 24 * time.Hour

type DeadLetterRetentionJobParams struct {
	Logger     *logger.Logger
	Repository deadLetterPruner
	Retention  time.Duration
	// Every spaces prune runs; zero runs the prune every cycle.
	Every time.Duration
}

type deadLetterPruner interface {
	DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

func NewDeadLetterRetentionJob(params DeadLetterRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("dead letter repository required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultDeadLetterRetention
	}
	return &deadLetterRetentionJob{
		logg:      params.Logger,
		repo:      params.Repository,
		retention: retention,
		every:     params.Every,
		now:       time.Now,
	}, nil
}

type deadLetterRetentionJob struct {
	logg      *logger.Logger
	repo      deadLetterPruner
	retention time.Duration
	every     time.Duration
	now       func() time.Time
}

func (j *deadLetterRetentionJob) Name() string { return "dead-letter-retention" }

func (j *deadLetterRetentionJob) Every() time.Duration { return j.every }

func (j *deadLetterRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	deleted, err := j.repo.DeleteFailedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("dead letter retention: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"retention":    j.retention.String(),
		"rows_deleted": deleted,
	})
	j.logg.Info(logCtx, "dead letter retention cleanup complete")
	return nil
}
