package mutex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/votenet/votenet/internal/votenet/logger"
	"github.com/votenet/votenet/internal/votenet/store"
	"github.com/votenet/votenet/internal/votenet/types"
)

func mutexLogger() *zap.SugaredLogger {
	return logger.Named("mutex")
}

// ErrNotHolder is returned when a release or extension is attempted on a lock
// this handle does not own.
var ErrNotHolder = errors.New("not the lock holder")

// ErrAcquireTimeout is returned when the wait budget runs out before the lock
// frees up.
var ErrAcquireTimeout = errors.New("lock acquisition timed out")

const (
	// DefaultTTL bounds how long a crashed holder can block others.
	DefaultTTL = 30 * time.Second

	defaultRetry = 100 * time.Millisecond
)

// Mutex is a store-backed lock on a named resource. The lock value is unique
// per handle, so only the acquiring handle can release or extend it.
type Mutex struct {
	store    store.Store
	nodeID   string
	resource string
	ttl      time.Duration

	value string
	held  bool
}

// New creates a handle for the named resource. The lock is not taken until
// Acquire succeeds.
func New(s store.Store, nodeID, resource string, ttl time.Duration) *Mutex {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Mutex{
		store:    s,
		nodeID:   nodeID,
		resource: resource,
		ttl:      ttl,
	}
}

// Acquire takes the lock, retrying every retry interval until wait elapses.
// wait <= 0 means a single attempt.
func (m *Mutex) Acquire(ctx context.Context, wait, retry time.Duration) error {
	if retry <= 0 {
		retry = defaultRetry
	}
	key := types.MutexKey(m.resource)
	value := fmt.Sprintf("%s:%s", m.nodeID, uuid.NewString())
	deadline := time.Now().Add(wait)

	for {
		ok, err := m.store.SetIfAbsent(ctx, key, value, m.ttl)
		if err != nil {
			return fmt.Errorf("acquire %s: %w", m.resource, err)
		}
		if ok {
			m.value = value
			m.held = true
			mutexLogger().Debugw("Lock acquired", "resource", m.resource, "node", m.nodeID)
			return nil
		}
		if wait <= 0 || time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrAcquireTimeout, m.resource)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

// Release frees the lock if this handle still holds it. Releasing a lock that
// expired and was re-acquired by someone else fails with ErrNotHolder and
// leaves the other holder untouched.
func (m *Mutex) Release(ctx context.Context) error {
	if !m.held {
		return ErrNotHolder
	}
	ok, err := m.store.CompareAndDelete(ctx, types.MutexKey(m.resource), m.value)
	if err != nil {
		return fmt.Errorf("release %s: %w", m.resource, err)
	}
	m.held = false
	if !ok {
		mutexLogger().Warnw("Lock was lost before release", "resource", m.resource, "node", m.nodeID)
		return fmt.Errorf("%w: %s", ErrNotHolder, m.resource)
	}
	mutexLogger().Debugw("Lock released", "resource", m.resource, "node", m.nodeID)
	return nil
}

// Extend pushes the expiry out by the handle's TTL if the lock is still held.
func (m *Mutex) Extend(ctx context.Context) error {
	if !m.held {
		return ErrNotHolder
	}
	ok, err := m.store.CompareAndExpire(ctx, types.MutexKey(m.resource), m.value, m.ttl)
	if err != nil {
		return fmt.Errorf("extend %s: %w", m.resource, err)
	}
	if !ok {
		m.held = false
		return fmt.Errorf("%w: %s", ErrNotHolder, m.resource)
	}
	return nil
}

// Held reports whether this handle believes it owns the lock. The store is
// authoritative; an expired TTL invalidates this silently.
func (m *Mutex) Held() bool { return m.held }

// WithLock runs fn while holding the named resource lock, releasing it on the
// way out regardless of fn's outcome.
func WithLock(ctx context.Context, s store.Store, nodeID, resource string, wait time.Duration, fn func(ctx context.Context) error) error {
	m := New(s, nodeID, resource, DefaultTTL)
	if err := m.Acquire(ctx, wait, defaultRetry); err != nil {
		return err
	}
	defer func() {
		if err := m.Release(ctx); err != nil && !errors.Is(err, ErrNotHolder) {
			mutexLogger().Errorw("Failed to release lock", "resource", resource, "error", err)
		}
	}()
	return fn(ctx)
}
