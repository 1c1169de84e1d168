package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/pantry-backend/api"
	"github.com/angelmondragon/pantry-backend/api/controllers"
	webhookcontrollers "github.com/angelmondragon/pantry-backend/api/controllers/webhooks"
	"github.com/angelmondragon/pantry-backend/api/routes"
	"github.com/angelmondragon/pantry-backend/internal/events"
	"github.com/angelmondragon/pantry-backend/internal/notifications"
	"github.com/angelmondragon/pantry-backend/internal/orders"
	"github.com/angelmondragon/pantry-backend/internal/queue"
	"github.com/angelmondragon/pantry-backend/internal/shipping"
	"github.com/angelmondragon/pantry-backend/internal/webhooks"
	shippowebhook "github.com/angelmondragon/pantry-backend/internal/webhooks/shippo"
	squarewebhook "github.com/angelmondragon/pantry-backend/internal/webhooks/square"
	"github.com/angelmondragon/pantry-backend/pkg/config"
	"github.com/angelmondragon/pantry-backend/pkg/db"
	"github.com/angelmondragon/pantry-backend/pkg/enums"
	"github.com/angelmondragon/pantry-backend/pkg/lock"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
	"github.com/angelmondragon/pantry-backend/pkg/metrics"
	"github.com/angelmondragon/pantry-backend/pkg/migrate"
	"github.com/angelmondragon/pantry-backend/pkg/pubsub"
	"github.com/angelmondragon/pantry-backend/pkg/redis"
	"github.com/angelmondragon/pantry-backend/pkg/sendgrid"
	"github.com/angelmondragon/pantry-backend/pkg/shippo"
	"github.com/angelmondragon/pantry-backend/pkg/square"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Instance:    cfg.App.Instance(),
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithField(ctx, "env", cfg.App.Env)

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error(ctx, "api stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api shut down gracefully")
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

	squareClient, err := square.NewClient(ctx, cfg.Square, logg)
	if err != nil {
		return err
	}
	shippoClient, err := shippo.NewClient(cfg.Shippo, logg)
	if err != nil {
		return err
	}
	mailer, err := sendgrid.NewClient(cfg.Sendgrid)
	if err != nil {
		return err
	}

	ready := map[string]controllers.Pinger{"db": dbClient, "redis": redisClient}
	var publisher events.Publisher = events.Noop{}
	if cfg.PubSub.Enabled() {
		psClient, err := pubsub.NewClient(ctx, cfg.PubSub, logg)
		if err != nil {
			return err
		}
		defer func() { _ = psClient.Close() }()
		pub, err := events.NewPubSubPublisher(psClient.OrderEventsPublisher(), logg)
		if err != nil {
			return err
		}
		publisher = pub
		ready["pubsub"] = psClient
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	alerts := metrics.NewAlertEvaluator(registry, cfg.App.Env, metrics.AlertConfig{
		Threshold: cfg.Alerts.FailureThreshold,
		Window:    cfg.Alerts.Window,
		Cooldown:  cfg.Alerts.Cooldown,
	}, logg)
	webhookMetrics := metrics.NewWebhookMetrics(registry, cfg.App.Env, alerts)
	labelMetrics := metrics.NewLabelMetrics(registry)
	workerMetrics := metrics.NewWorkerMetrics(registry)

	orderRepo := orders.NewRepository(dbClient)
	orderService, err := orders.NewService(orderRepo, dbClient, logg)
	if err != nil {
		return err
	}
	deadLetterRepo := orders.NewDeadLetterRepository(dbClient)

	// Processors register on the router once their collaborators exist; the
	// queue only dispatches after Run starts.
	processors := webhooks.NewRouter(nil)
	processingQueue, err := queue.NewService(queue.ServiceParams{
		Processor:  processors,
		Mailer:     mailer,
		Store:      dbClient,
		Metrics:    webhookMetrics,
		Logger:     logg,
		Config:     cfg.Queue,
		Production: cfg.App.IsProd(),
	})
	if err != nil {
		return err
	}

	notifier, err := notifications.NewService(processingQueue, cfg.Sendgrid.AdminEmail, logg)
	if err != nil {
		return err
	}
	alerts.OnAlert(notifier.AlertFired)

	recorder, err := queue.NewDeadLetterRecorder(queue.DeadLetterParams{
		Repo:      deadLetterRepo,
		Notifier:  notifier,
		Publisher: publisher,
		Metrics:   webhookMetrics,
		Logger:    logg,
	})
	if err != nil {
		return err
	}
	processingQueue.SetDeadLetterSink(recorder)

	labelLock, err := lock.New(redisClient, "label", cfg.Label.LockTTL)
	if err != nil {
		return err
	}
	workflow, err := shipping.NewWorkflow(shipping.WorkflowParams{
		Orders:      orderService,
		Carrier:     shippoClient,
		Lock:        labelLock,
		Notifier:    notifier,
		Publisher:   publisher,
		Metrics:     labelMetrics,
		Logger:      logg,
		Shippo:      cfg.Shippo,
		MaxAttempts: cfg.Label.MaxAttempts,
	})
	if err != nil {
		return err
	}
	labelQueue, err := shipping.NewQueue(shipping.QueueParams{
		Workflow: workflow,
		Orders:   orderService,
		Config:   cfg.Label,
		Metrics:  labelMetrics,
		Worker:   workerMetrics,
		Logger:   logg,
	})
	if err != nil {
		return err
	}

	squareProcessor, err := squarewebhook.NewProcessor(squarewebhook.ProcessorParams{
		Orders:    orderService,
		Payments:  squareClient,
		Labels:    labelQueue,
		Notifier:  notifier,
		Publisher: publisher,
		Logger:    logg,
	})
	if err != nil {
		return err
	}
	shippoProcessor, err := shippowebhook.NewProcessor(shippowebhook.ProcessorParams{
		Orders:    orderService,
		Notifier:  notifier,
		Publisher: publisher,
		Logger:    logg,
	})
	if err != nil {
		return err
	}
	processors.Register(enums.WebhookProviderSquare, squareProcessor)
	processors.Register(enums.WebhookProviderShippo, shippoProcessor)

	squareGuard, err := webhooks.NewGuard(redisClient, cfg.Idempotency.WebhookTTL, string(enums.WebhookProviderSquare))
	if err != nil {
		return err
	}
	shippoGuard, err := webhooks.NewGuard(redisClient, cfg.Idempotency.WebhookTTL, string(enums.WebhookProviderShippo))
	if err != nil {
		return err
	}

	handler := routes.NewRouter(routes.Dependencies{
		Config:    cfg,
		Logger:    logg,
		Gatherer:  registry,
		Ready:     ready,
		RateStore: redisClient,
		Square: webhookcontrollers.ReceiverParams{
			Provider:    enums.WebhookProviderSquare,
			Validator:   webhooks.NewSquareValidator(squareClient.SigningSecret(), squareClient.NotificationURL(), squarewebhook.ValidateEnvelope),
			Parse:       squarewebhook.NewDelivery,
			Guard:       squareGuard,
			Queue:       processingQueue,
			DeadLetters: recorder,
			Metrics:     webhookMetrics,
			Logger:      logg,
		},
		Shippo: webhookcontrollers.ReceiverParams{
			Provider:    enums.WebhookProviderShippo,
			Validator:   webhooks.NewShippoValidator(cfg.Shippo.WebhookSecret, shippowebhook.ValidateEnvelope),
			Parse:       shippowebhook.NewDelivery,
			Guard:       shippoGuard,
			Queue:       processingQueue,
			DeadLetters: recorder,
			Metrics:     webhookMetrics,
			Logger:      logg,
		},
		Queue:       processingQueue,
		DeadLetters: deadLetterRepo,
		Replayer:    recorder,
		Labels:      labelQueue,
		Workflow:    workflow,
		Orders:      orderService,
	})
	server := api.NewServer(cfg, handler)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logg.Info(logg.WithField(groupCtx, "addr", server.Addr), "starting api server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return ignoreCanceled(processingQueue.Run(groupCtx))
	})
	group.Go(func() error {
		return ignoreCanceled(labelQueue.Run(groupCtx))
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), api.ShutdownTimeout)
		defer cancel()
		logg.Info(shutdownCtx, "shutting down api server")
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
