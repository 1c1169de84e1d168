package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/angelmondragon/pantry-backend/pkg/lock"
)

// Lock coordinates exclusive cron runs.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type leaseLocker interface {
	Acquire(ctx context.Context, id string) (*lock.Lease, bool, error)
}

// LeaseLock implements Lock on top of a redis locker, holding one lease for
// the named cycle at a time.
type LeaseLock struct {
	locker leaseLocker
	id     string

	mu    sync.Mutex
	lease *lock.Lease
}

// NewLeaseLock constructs a cycle lock for id, e.g. the environment name.
func NewLeaseLock(locker leaseLocker, id string) (*LeaseLock, error) {
	if locker == nil {
		return nil, errors.New("locker required for cron lock")
	}
	if id == "" {
		return nil, errors.New("lock id is required")
	}
	return &LeaseLock{locker: locker, id: id}, nil
}

func (l *LeaseLock) Acquire(ctx context.Context) (bool, error) {
	lease, ok, err := l.locker.Acquire(ctx, l.id)
	if err != nil {
		return false, fmt.Errorf("acquire cron lock: %w", err)
	}
	if !ok {
		return false, nil
	}
	l.mu.Lock()
	l.lease = lease
	l.mu.Unlock()
	return true, nil
}

// Release frees the lease only if this process still owns it.
func (l *LeaseLock) Release(ctx context.Context) error {
	l.mu.Lock()
	lease := l.lease
	l.lease = nil
	l.mu.Unlock()
	if lease == nil {
		return nil
	}
	if err := lease.Release(ctx); err != nil {
		return fmt.Errorf("release cron lock: %w", err)
	}
	return nil
}
