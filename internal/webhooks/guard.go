package webhooks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/pantry-backend/pkg/redis"
)

// Guard short-circuits redelivered events before they reach the queue.
// Keys follow `pantry:idempotency:webhook:<provider>:<event_id>`.
type Guard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
	scope string
}

// NewGuard builds a redis-backed guard for one provider.
func NewGuard(store redis.IdempotencyStore, ttl time.Duration, provider string) (*Guard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return nil, errors.New("provider is required")
	}
	return &Guard{store: store, ttl: ttl, scope: "webhook:" + provider}, nil
}

// CheckAndMark reports whether eventID was already seen and marks it otherwise.
func (g *Guard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, errors.New("event id is required")
	}
	set, err := g.store.SetNX(ctx, g.store.IdempotencyKey(g.scope, eventID), "1", g.ttl)
	if err != nil {
		return false, fmt.Errorf("set idempotency key: %w", err)
	}
	return !set, nil
}

// Delete forgets eventID so a provider redelivery is processed again.
func (g *Guard) Delete(ctx context.Context, eventID string) error {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return errors.New("event id is required")
	}
	return g.store.Del(ctx, g.store.IdempotencyKey(g.scope, eventID))
}
