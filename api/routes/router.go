package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/pantry-backend/api/controllers"
	webhookcontrollers "github.com/angelmondragon/pantry-backend/api/controllers/webhooks"
	"github.com/angelmondragon/pantry-backend/api/middleware"
	"github.com/angelmondragon/pantry-backend/internal/orders"
	"github.com/angelmondragon/pantry-backend/internal/queue"
	"github.com/angelmondragon/pantry-backend/internal/shipping"
	"github.com/angelmondragon/pantry-backend/internal/webhooks"
	"github.com/angelmondragon/pantry-backend/pkg/config"
	"github.com/angelmondragon/pantry-backend/pkg/db/models"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
)

// ProcessingQueue is the queue surface the admin routes use.
type ProcessingQueue interface {
	Stats() queue.Stats
	Snapshot(kind queue.Kind) []queue.Item
	EnqueueWebhook(ctx context.Context, d webhooks.Delivery, delay time.Duration) (uuid.UUID, error)
}

type DeadLetterReplayer interface {
	Replay(ctx context.Context, id uuid.UUID, q queue.WebhookEnqueuer) (uuid.UUID, error)
}

type LabelQueue interface {
	Jobs() []shipping.Job
	Schedule(ctx context.Context, order *models.Order) error
}

type LabelCreator interface {
	CreateLabel(ctx context.Context, orderID uuid.UUID) (*shipping.Result, error)
}

type OrderFinder interface {
	FindByID(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
}

type RateLimitStore interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

// Dependencies are the collaborators the HTTP surface is built from.
type Dependencies struct {
	Config      *config.Config
	Logger      *logger.Logger
	Gatherer    prometheus.Gatherer
	Ready       map[string]controllers.Pinger
	RateStore   RateLimitStore
	Square      webhookcontrollers.ReceiverParams
	Shippo      webhookcontrollers.ReceiverParams
	Queue       ProcessingQueue
	DeadLetters orders.DeadLetterRepository
	Replayer    DeadLetterReplayer
	Labels      LabelQueue
	Workflow    LabelCreator
	Orders      OrderFinder
}

func NewRouter(deps Dependencies) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, "/health/live", "/health/ready", "/metrics"),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps.Ready))
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/square", webhookcontrollers.Receiver(deps.Square))
		r.Post("/shippo", webhookcontrollers.Receiver(deps.Shippo))
	})

	adminLimit := middleware.NewRateLimitPolicy("admin", cfg.Admin.RateLimitWindow, cfg.Admin.RateLimitPerIP)
	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(adminLimit, deps.RateStore, logg))
		r.Use(middleware.AdminAuth(cfg.Admin, logg))

		r.Get("/queue", controllers.AdminQueueStats(deps.Queue))
		r.Get("/queue/items", controllers.AdminQueueItems(deps.Queue, logg))
		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", controllers.AdminDeadLetters(deps.DeadLetters, logg))
			r.Post("/{deadLetterId}/replay", controllers.AdminReplayDeadLetter(deps.Replayer, deps.Queue, logg))
		})
		r.Get("/labels/jobs", controllers.AdminLabelJobs(deps.Labels))
		r.Post("/orders/{orderId}/label", controllers.AdminCreateLabel(deps.Orders, deps.Labels, deps.Workflow, logg))
	})

	return r
}
