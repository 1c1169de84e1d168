package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultTTL = 2 * time.Minute

// ErrHeld is returned by Run when another worker owns the key.
var ErrHeld = errors.New("lock held by another owner")

// store is the subset of the redis client the locker needs.
type store interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	LockKey(scope, id string) string
}

// Locker hands out owner-tagged leases on redis keys within one scope.
type Locker struct {
	client store
	scope  string
	ttl    time.Duration
}

// Lease is a held lock. Release only deletes the key while it still carries
// this lease's owner value, so an expired-and-reacquired lock is left alone.
type Lease struct {
	client store
	key    string
	owner  string
}

// New builds a locker for the given scope, e.g. "label".
func New(client store, scope string, ttl time.Duration) (*Locker, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, errors.New("lock scope is required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Locker{client: client, scope: scope, ttl: ttl}, nil
}

// Acquire tries to own the lock for id. A false result with a nil error means
// someone else holds it.
func (l *Locker) Acquire(ctx context.Context, id string) (*Lease, bool, error) {
	key := l.client.LockKey(l.scope, id)
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, owner, l.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("setnx %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{client: l.client, key: key, owner: owner}, true, nil
}

// Run executes fn while holding the lock for id and releases it afterwards.
func (l *Locker) Run(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	lease, ok, err := l.Acquire(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrHeld
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()
	return fn(ctx)
}

// Key returns the redis key backing the lease.
func (l *Lease) Key() string {
	if l == nil {
		return ""
	}
	return l.key
}

// Release frees the lock if the owner value still matches.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.owner == "" {
		return nil
	}
	value, err := l.client.Get(ctx, l.key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			l.owner = ""
			return nil
		}
		return fmt.Errorf("read lock owner: %w", err)
	}
	if value != l.owner {
		l.owner = ""
		return nil
	}
	if err := l.client.Del(ctx, l.key); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	l.owner = ""
	return nil
}
