package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/pantry-backend/internal/cron"
	"github.com/angelmondragon/pantry-backend/internal/notifications"
	"github.com/angelmondragon/pantry-backend/internal/orders"
	"github.com/angelmondragon/pantry-backend/internal/queue"
	"github.com/angelmondragon/pantry-backend/internal/shipping"
	"github.com/angelmondragon/pantry-backend/internal/webhooks"
	"github.com/angelmondragon/pantry-backend/pkg/config"
	"github.com/angelmondragon/pantry-backend/pkg/db"
	"github.com/angelmondragon/pantry-backend/pkg/lock"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
	"github.com/angelmondragon/pantry-backend/pkg/metrics"
	"github.com/angelmondragon/pantry-backend/pkg/migrate"
	"github.com/angelmondragon/pantry-backend/pkg/redis"
	"github.com/angelmondragon/pantry-backend/pkg/sendgrid"
	"github.com/angelmondragon/pantry-backend/pkg/shippo"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Instance:    cfg.App.Instance(),
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithField(ctx, "env", cfg.App.Env)
	logg.Info(ctx, "starting cron worker")

	if err := run(ctx, cfg, logg); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "cron worker shutting down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) error {
	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return err
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	shippoClient, err := shippo.NewClient(cfg.Shippo, logg)
	if err != nil {
		return err
	}
	mailer, err := sendgrid.NewClient(cfg.Sendgrid)
	if err != nil {
		return err
	}

	workerMetrics := metrics.NewWorkerMetrics(prometheus.DefaultRegisterer)
	labelMetrics := metrics.NewLabelMetrics(prometheus.DefaultRegisterer)

	orderService, err := orders.NewService(orders.NewRepository(dbClient), dbClient, logg)
	if err != nil {
		return err
	}

	// The worker never receives webhooks; its queue only paces label emails.
	emailQueue, err := queue.NewService(queue.ServiceParams{
		Processor:  webhooks.NewRouter(nil),
		Mailer:     mailer,
		Store:      dbClient,
		Logger:     logg,
		Config:     cfg.Queue,
		Production: cfg.App.IsProd(),
	})
	if err != nil {
		return err
	}
	notifier, err := notifications.NewService(emailQueue, cfg.Sendgrid.AdminEmail, logg)
	if err != nil {
		return err
	}

	labelLock, err := lock.New(redisClient, "label", cfg.Label.LockTTL)
	if err != nil {
		return err
	}
	workflow, err := shipping.NewWorkflow(shipping.WorkflowParams{
		Orders:      orderService,
		Carrier:     shippoClient,
		Lock:        labelLock,
		Notifier:    notifier,
		Metrics:     labelMetrics,
		Logger:      logg,
		Shippo:      cfg.Shippo,
		MaxAttempts: cfg.Label.MaxAttempts,
	})
	if err != nil {
		return err
	}

	retentionJob, err := cron.NewDeadLetterRetentionJob(cron.DeadLetterRetentionJobParams{
		Logger:     logg,
		Repository: orders.NewDeadLetterRepository(dbClient),
		Retention:  cfg.Cron.DeadLetterRetention,
		Every:      cfg.Cron.DeadLetterPruneEvery,
	})
	if err != nil {
		return err
	}
	sweepJob, err := cron.NewLabelSweepJob(cron.LabelSweepJobParams{
		Logger:         logg,
		Orders:         orderService,
		Workflow:       workflow,
		Grace:          cfg.Cron.LabelSweepGrace,
		Batch:          cfg.Cron.LabelSweepBatch,
		AttemptCeiling: cfg.Label.AttemptCeiling,
	})
	if err != nil {
		return err
	}

	cycleLocker, err := lock.New(redisClient, "cron", cfg.Cron.LockTTL)
	if err != nil {
		return err
	}
	cycleLock, err := cron.NewLeaseLock(cycleLocker, lockID(cfg.App.Env))
	if err != nil {
		return err
	}
	service, err := cron.NewService(cron.ServiceParams{
		Logger:     logg,
		Registry:   cron.NewRegistry(retentionJob, sweepJob),
		Lock:       cycleLock,
		Metrics:    workerMetrics,
		Interval:   cfg.Cron.Interval,
		JobTimeout: cfg.Cron.JobTimeout,
	})
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return emailQueue.Run(groupCtx) })
	group.Go(func() error { return service.Run(groupCtx) })
	return group.Wait()
}

func lockID(env string) string {
	if env == "" {
		return "local"
	}
	return env
}
