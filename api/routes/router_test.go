package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/pantry-backend/api/controllers"
	webhookcontrollers "github.com/angelmondragon/pantry-backend/api/controllers/webhooks"
	"github.com/angelmondragon/pantry-backend/internal/orders"
	"github.com/angelmondragon/pantry-backend/internal/queue"
	"github.com/angelmondragon/pantry-backend/internal/shipping"
	"github.com/angelmondragon/pantry-backend/internal/webhooks"
	shippowebhook "github.com/angelmondragon/pantry-backend/internal/webhooks/shippo"
	squarewebhook "github.com/angelmondragon/pantry-backend/internal/webhooks/square"
	pkgAuth "github.com/angelmondragon/pantry-backend/pkg/auth"
	"github.com/angelmondragon/pantry-backend/pkg/config"
	"github.com/angelmondragon/pantry-backend/pkg/db/models"
	"github.com/angelmondragon/pantry-backend/pkg/enums"
	"github.com/angelmondragon/pantry-backend/pkg/metrics"
	"github.com/angelmondragon/pantry-backend/pkg/pagination"
	"github.com/angelmondragon/pantry-backend/pkg/sendgrid"
)

type stubPinger struct{}

func (stubPinger) Ping(context.Context) error { return nil }

type stubQueue struct {
	enqueued int
}

func (q *stubQueue) Stats() queue.Stats {
	return queue.Stats{Webhooks: 2, Emails: 1}
}

func (q *stubQueue) EnqueueWebhook(context.Context, webhooks.Delivery, time.Duration) (uuid.UUID, error) {
	q.enqueued++
	return uuid.New(), nil
}

func (q *stubQueue) Snapshot(kind queue.Kind) []queue.Item {
	if kind == queue.KindEmail {
		return []queue.Item{{
			ID:         uuid.New(),
			Kind:       queue.KindEmail,
			Email:      sendgrid.Message{To: "buyer@example.com", Subject: "Your order has shipped", HTML: "<p>secret</p>"},
			RetryCount: 1,
			MaxRetries: 3,
		}}
	}
	return []queue.Item{{
		ID:         uuid.New(),
		Kind:       queue.KindWebhook,
		Delivery:   webhooks.Delivery{Provider: enums.WebhookProviderSquare, EventID: "E7", EventType: "payment.updated", Payload: []byte(`{"card":"4111"}`)},
		RetryCount: 2,
		MaxRetries: 5,
		LastError:  "DEPENDENCY_ERROR: square unavailable",
	}}
}

func (q *stubQueue) Attempt(context.Context, webhooks.Delivery) error { return nil }

func (q *stubQueue) FirstRetryDelay() time.Duration { return 5 * time.Second }

type stubDeadLetters struct{}

func (stubDeadLetters) Insert(context.Context, *models.WebhookDeadLetter) error { return nil }

func (stubDeadLetters) FindByID(context.Context, uuid.UUID) (*models.WebhookDeadLetter, error) {
	return nil, nil
}

func (stubDeadLetters) List(context.Context, pagination.Params, orders.DeadLetterFilters) (pagination.Page[models.WebhookDeadLetter], error) {
	return pagination.Page[models.WebhookDeadLetter]{Items: []models.WebhookDeadLetter{{
		ID:          uuid.New(),
		Provider:    enums.WebhookProviderSquare,
		EventID:     "E1",
		EventType:   "payment.updated",
		ErrorReason: enums.DeadLetterReasonMaxAttempts,
	}}}, nil
}

func (stubDeadLetters) Delete(context.Context, uuid.UUID) error { return nil }

func (stubDeadLetters) DeleteFailedBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type stubLabels struct {
	scheduled []uuid.UUID
}

func (l *stubLabels) Jobs() []shipping.Job { return nil }

func (l *stubLabels) Schedule(_ context.Context, order *models.Order) error {
	l.scheduled = append(l.scheduled, order.ID)
	return nil
}

type stubOrders struct{}

func (stubOrders) FindByID(_ context.Context, id uuid.UUID) (*models.Order, error) {
	return &models.Order{ID: id}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		App:   config.AppConfig{Env: "test"},
		Admin: config.AdminConfig{JWTSecret: "admin-secret", JWTIssuer: "pantry-backend", TokenTTL: time.Hour},
	}
}

func newTestRouter(t *testing.T) (http.Handler, *stubQueue, *stubLabels) {
	t.Helper()
	q := &stubQueue{}
	labels := &stubLabels{}
	reg := prometheus.NewRegistry()
	webhookMetrics := metrics.NewWebhookMetrics(reg, "test", nil)
	handler := NewRouter(Dependencies{
		Config:   testConfig(),
		Gatherer: reg,
		Ready:    map[string]controllers.Pinger{"db": stubPinger{}, "redis": stubPinger{}},
		Square: webhookcontrollers.ReceiverParams{
			Provider:  enums.WebhookProviderSquare,
			Validator: webhooks.NewSquareValidator("sq-key", "https://pantry.test/api/v1/webhooks/square", squarewebhook.ValidateEnvelope),
			Parse:     squarewebhook.NewDelivery,
			Queue:     q,
			Metrics:   webhookMetrics,
		},
		Shippo: webhookcontrollers.ReceiverParams{
			Provider:  enums.WebhookProviderShippo,
			Validator: webhooks.NewShippoValidator("shippo-secret", shippowebhook.ValidateEnvelope),
			Parse:     shippowebhook.NewDelivery,
			Queue:     q,
			Metrics:   webhookMetrics,
		},
		Queue:       q,
		DeadLetters: stubDeadLetters{},
		Labels:      labels,
		Orders:      stubOrders{},
	})
	return handler, q, labels
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := pkgAuth.MintAdminToken(testConfig().Admin, time.Now(), pkgAuth.AdminTokenPayload{Subject: "ops"})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func serve(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthRoutes(t *testing.T) {
	handler, _, _ := newTestRouter(t)
	for _, path := range []string{"/health/live", "/health/ready", "/metrics"} {
		rec := serve(handler, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	handler, _, _ := newTestRouter(t)
	rec := serve(handler, httptest.NewRequest(http.MethodGet, "/api/admin/v1/queue", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/admin/v1/queue", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	rec = serve(handler, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Data queue.Stats `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Data.Webhooks != 2 || payload.Data.Emails != 1 {
		t.Fatalf("unexpected stats %+v", payload.Data)
	}
}

func TestAdminDeadLetterListing(t *testing.T) {
	handler, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/admin/v1/dead-letters?provider=square&limit=10", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	rec := serve(handler, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Data struct {
			Items []struct {
				EventID string `json:"event_id"`
				Reason  string `json:"reason"`
			} `json:"items"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Data.Items) != 1 || payload.Data.Items[0].Reason != "max_attempts" {
		t.Fatalf("unexpected items %+v", payload.Data.Items)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/admin/v1/dead-letters?provider=stripe", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	if rec := serve(handler, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown provider, got %d", rec.Code)
	}
}

func TestAdminQueueItems(t *testing.T) {
	handler, _, _ := newTestRouter(t)
	get := func(query string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/admin/v1/queue/items"+query, nil)
		req.Header.Set("Authorization", "Bearer "+adminToken(t))
		return serve(handler, req)
	}

	rec := get("")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Data struct {
			Kind  string           `json:"kind"`
			Items []map[string]any `json:"items"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Data.Kind != "webhook" || len(payload.Data.Items) != 1 {
		t.Fatalf("unexpected webhook listing %+v", payload.Data)
	}
	item := payload.Data.Items[0]
	if item["event_id"] != "E7" || item["retry_count"] != float64(2) {
		t.Fatalf("unexpected webhook item %v", item)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("4111")) {
		t.Fatalf("payload leaked into listing: %s", rec.Body.String())
	}

	rec = get("?kind=EMAIL")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"recipient_domain":"example.com"`)) {
		t.Fatalf("expected recipient domain: %s", rec.Body.String())
	}
	for _, secret := range []string{"buyer@", "secret"} {
		if bytes.Contains(rec.Body.Bytes(), []byte(secret)) {
			t.Fatalf("%q leaked into listing: %s", secret, rec.Body.String())
		}
	}

	if rec := get("?kind=sms"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", rec.Code)
	}
}

func TestAdminScheduleLabel(t *testing.T) {
	handler, _, labels := newTestRouter(t)
	orderID := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/api/admin/v1/orders/"+orderID.String()+"/label", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	rec := serve(handler, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(labels.scheduled) != 1 || labels.scheduled[0] != orderID {
		t.Fatalf("expected order scheduled, got %v", labels.scheduled)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/admin/v1/orders/not-a-uuid/label", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	if rec := serve(handler, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestShippoWebhookRoute(t *testing.T) {
	handler, _, _ := newTestRouter(t)
	body := []byte(`{"event":"track_updated","data":{"tracking_number":"1Z","tracking_status":{"status":"TRANSIT","object_id":"ts1"}}}`)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/shippo", bytes.NewReader(body))
	req.Header.Set(webhooks.ShippoSignatureHeader, "bad")
	if rec := serve(handler, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/shippo", bytes.NewReader(body))
	req.Header.Set(webhooks.ShippoSignatureHeader, webhooks.SignShippo(body, "shippo-secret"))
	if rec := serve(handler, req); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSquareWebhookRoute(t *testing.T) {
	handler, _, _ := newTestRouter(t)
	body := []byte(`{"merchant_id":"M1","type":"payment.updated","event_id":"E1","data":{"type":"payment","id":"P1","object":{}}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/square", bytes.NewReader(body))
	req.Header.Set(webhooks.SquareSignatureHeader, webhooks.SignSquare("https://pantry.test/api/v1/webhooks/square", body, "sq-key"))
	if rec := serve(handler, req); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
