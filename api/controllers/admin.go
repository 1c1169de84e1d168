package controllers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/pantry-backend/api/responses"
	"github.com/angelmondragon/pantry-backend/api/validators"
	"github.com/angelmondragon/pantry-backend/internal/orders"
	"github.com/angelmondragon/pantry-backend/internal/queue"
	"github.com/angelmondragon/pantry-backend/internal/shipping"
	"github.com/angelmondragon/pantry-backend/pkg/db/models"
	"github.com/angelmondragon/pantry-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
	"github.com/angelmondragon/pantry-backend/pkg/pagination"
)

type queueStats interface {
	Stats() queue.Stats
}

type queueSnapshotter interface {
	Snapshot(kind queue.Kind) []queue.Item
}

type deadLetterLister interface {
	List(ctx context.Context, params pagination.Params, filters orders.DeadLetterFilters) (pagination.Page[models.WebhookDeadLetter], error)
}

type deadLetterReplayer interface {
	Replay(ctx context.Context, id uuid.UUID, q queue.WebhookEnqueuer) (uuid.UUID, error)
}

type labelJobs interface {
	Jobs() []shipping.Job
	Schedule(ctx context.Context, order *models.Order) error
}

type labelCreator interface {
	CreateLabel(ctx context.Context, orderID uuid.UUID) (*shipping.Result, error)
}

type orderFinder interface {
	FindByID(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
}

type deadLetterView struct {
	ID           uuid.UUID              `json:"id"`
	Provider     enums.WebhookProvider  `json:"provider"`
	EventID      string                 `json:"event_id"`
	EventType    string                 `json:"event_type"`
	OrderID      *string                `json:"order_id,omitempty"`
	Reason       enums.DeadLetterReason `json:"reason"`
	ErrorMessage *string                `json:"error_message,omitempty"`
	Attempts     int                    `json:"attempts"`
	FailedAt     time.Time              `json:"failed_at"`
}

func newDeadLetterView(l models.WebhookDeadLetter) deadLetterView {
	return deadLetterView{
		ID:           l.ID,
		Provider:     l.Provider,
		EventID:      l.EventID,
		EventType:    l.EventType,
		OrderID:      l.OrderID,
		Reason:       l.ErrorReason,
		ErrorMessage: l.ErrorMessage,
		Attempts:     l.AttemptCount,
		FailedAt:     l.FailedAt,
	}
}

// AdminQueueStats reports the processing queue's depth and activity.
func AdminQueueStats(q queueStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, q.Stats())
	}
}

type queueItemView struct {
	ID          uuid.UUID             `json:"id"`
	Kind        queue.Kind            `json:"kind"`
	Provider    enums.WebhookProvider `json:"provider,omitempty"`
	EventID     string                `json:"event_id,omitempty"`
	EventType   string                `json:"event_type,omitempty"`
	OrderID     string                `json:"order_id,omitempty"`
	Subject     string                `json:"subject,omitempty"`
	RecipientAt string                `json:"recipient_domain,omitempty"`
	RetryCount  int                   `json:"retry_count"`
	MaxRetries  int                   `json:"max_retries"`
	NextAttempt time.Time             `json:"next_attempt"`
	CreatedAt   time.Time             `json:"created_at"`
	LastError   string                `json:"last_error,omitempty"`
}

// newQueueItemView omits payloads and mail bodies. Only the recipient's
// domain is shown for emails.
func newQueueItemView(it queue.Item) queueItemView {
	v := queueItemView{
		ID:          it.ID,
		Kind:        it.Kind,
		RetryCount:  it.RetryCount,
		MaxRetries:  it.MaxRetries,
		NextAttempt: it.NextAttempt,
		CreatedAt:   it.CreatedAt,
		LastError:   it.LastError,
	}
	if it.Kind == queue.KindEmail {
		v.Subject = it.Email.Subject
		if _, domain, ok := strings.Cut(it.Email.To, "@"); ok {
			v.RecipientAt = domain
		}
		return v
	}
	v.Provider = it.Delivery.Provider
	v.EventID = it.Delivery.EventID
	v.EventType = it.Delivery.EventType
	v.OrderID = it.Delivery.OrderID
	return v
}

// AdminQueueItems lists the items waiting in one lane of the queue,
// ?kind=webhook (default) or ?kind=email.
func AdminQueueItems(q queueSnapshotter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := validators.ParseQueryChoice(r, "kind", string(queue.KindWebhook), string(queue.KindWebhook), string(queue.KindEmail))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		items := q.Snapshot(queue.Kind(kind))
		views := make([]queueItemView, 0, len(items))
		for _, it := range items {
			views = append(views, newQueueItemView(it))
		}
		responses.WriteSuccess(w, map[string]any{"kind": kind, "items": views})
	}
}

// AdminDeadLetters pages dead-lettered webhooks newest first.
func AdminDeadLetters(repo deadLetterLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var filters orders.DeadLetterFilters
		raw, err := validators.ParseQueryChoice(r, "provider", "", enums.WebhookProviderSquare.String(), enums.WebhookProviderShippo.String())
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if provider, ok := enums.ParseWebhookProvider(raw); ok {
			filters.Provider = &provider
		}
		filters.EventType = validators.QueryString(r, "event_type")

		page, err := repo.List(ctx, pagination.Params{Limit: limit, Cursor: validators.QueryString(r, "cursor")}, filters)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		views := make([]deadLetterView, 0, len(page.Items))
		for _, l := range page.Items {
			views = append(views, newDeadLetterView(l))
		}
		responses.WriteSuccess(w, pagination.Page[deadLetterView]{Items: views, NextCursor: page.NextCursor})
	}
}

// AdminReplayDeadLetter puts a dead letter back on the processing queue.
func AdminReplayDeadLetter(replayer deadLetterReplayer, q queue.WebhookEnqueuer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := uuidParam(r, "deadLetterId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		itemID, err := replayer.Replay(ctx, id, q)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, map[string]string{
			"dead_letter_id": id.String(),
			"queue_item_id":  itemID.String(),
		})
	}
}

// AdminLabelJobs lists pending label jobs.
func AdminLabelJobs(jobs labelJobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, map[string]any{"jobs": jobs.Jobs()})
	}
}

type createLabelBody struct {
	Sync bool `json:"sync"`
}

// AdminCreateLabel schedules label creation for an order, or runs it inline
// when the body asks for sync.
func AdminCreateLabel(finder orderFinder, jobs labelJobs, creator labelCreator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		orderID, err := uuidParam(r, "orderId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var body createLabelBody
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &body); err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
		}

		if body.Sync {
			result, err := creator.CreateLabel(ctx, orderID)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			responses.WriteSuccess(w, result)
			return
		}

		order, err := finder.FindByID(ctx, orderID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if order.HasLabel() {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeStateConflict, "order already has a label"))
			return
		}
		if err := jobs.Schedule(ctx, order); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, map[string]string{
			"order_id": orderID.String(),
			"status":   "scheduled",
		})
	}
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid "+name).
			WithDetails(map[string]any{"field": name})
	}
	return id, nil
}
