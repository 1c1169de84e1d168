package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/pantry-backend/internal/orders"
	"github.com/angelmondragon/pantry-backend/internal/shipping"
	"github.com/angelmondragon/pantry-backend/pkg/db/models"
	"github.com/angelmondragon/pantry-backend/pkg/lock"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
)

const (
	defaultLabelSweepGrace = 10 * time.Minute
	defaultLabelSweepBatch = 25
	// defaultLabelAttemptCeiling is three full workflow runs of four calls.
	defaultLabelAttemptCeiling = 12
)

type awaitingLabelLister interface {
	ListAwaitingLabel(ctx context.Context, q orders.AwaitingLabelQuery) ([]models.Order, error)
}

type labelCreator interface {
	CreateLabel(ctx context.Context, orderID uuid.UUID) (*shipping.Result, error)
}

type LabelSweepJobParams struct {
	Logger   *logger.Logger
	Orders   awaitingLabelLister
	Workflow labelCreator
	Grace    time.Duration
	Batch    int
	// AttemptCeiling stops the sweep from retrying an order once its
	// recorded carrier calls reach it. Such orders need an operator.
	AttemptCeiling int
}

// NewLabelSweepJob builds the job that retries label purchase for paid
// shipping orders left without a label, e.g. after a restart dropped the
// in-memory label queue.
func NewLabelSweepJob(params LabelSweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order lister required")
	}
	if params.Workflow == nil {
		return nil, fmt.Errorf("label workflow required")
	}
	grace := params.Grace
	if grace <= 0 {
		grace = defaultLabelSweepGrace
	}
	batch := params.Batch
	if batch <= 0 {
		batch = defaultLabelSweepBatch
	}
	ceiling := params.AttemptCeiling
	if ceiling <= 0 {
		ceiling = defaultLabelAttemptCeiling
	}
	return &labelSweepJob{
		logg:     params.Logger,
		orders:   params.Orders,
		workflow: params.Workflow,
		grace:    grace,
		batch:    batch,
		ceiling:  ceiling,
		now:      time.Now,
	}, nil
}

type labelSweepJob struct {
	logg     *logger.Logger
	orders   awaitingLabelLister
	workflow labelCreator
	grace    time.Duration
	batch    int
	ceiling  int
	now      func() time.Time
}

func (j *labelSweepJob) Name() string { return "label-sweep" }

func (j *labelSweepJob) Run(ctx context.Context) error {
	// Orders touched within the grace window may still be in a live label
	// queue, so only idle ones are swept.
	pending, err := j.orders.ListAwaitingLabel(ctx, orders.AwaitingLabelQuery{
		Limit:       j.batch,
		IdleBefore:  j.now().UTC().Add(-j.grace),
		MaxAttempts: j.ceiling,
	})
	if err != nil {
		return fmt.Errorf("list orders awaiting label: %w", err)
	}

	var (
		errs                     error
		created, skipped, failed int
	)
	for i := range pending {
		order := &pending[i]
		result, err := j.workflow.CreateLabel(ctx, order.ID)
		switch {
		case errors.Is(err, lock.ErrHeld):
			skipped++
		case err != nil:
			failed++
			errs = multierr.Append(errs, fmt.Errorf("order %s: %w", order.ID, err))
		case result != nil && result.State == shipping.StateSuccess:
			created++
		default:
			failed++
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(pending),
		"created":    created,
		"skipped":    skipped,
		"failed":     failed,
	})
	j.logg.Info(logCtx, "label sweep complete")
	return errs
}
