// Package locks provides TTL-bound distributed locks on the shared key-value
// store. Workflow advances and build phases serialize through these.
package locks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edward-labs/edward/internal/kv"
)

// DefaultTTL bounds how long a crashed holder can block others.
const DefaultTTL = 300 * time.Second

// releaseScript deletes the lock only when the caller still holds it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Manager acquires and releases named locks.
type Manager struct {
	store  *kv.Store
	logger *zap.Logger
}

// NewManager creates a lock manager.
func NewManager(store *kv.Store, logger *zap.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// Lock is a held lock. Release is idempotent.
type Lock struct {
	mgr      *Manager
	key      string
	holderID string
	released bool
}

// Acquire attempts to take the named lock. ok is false when another holder
// has it; err reports store failures only.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := "lock:" + name
	holderID := uuid.New().String()

	ok, err := m.store.SetNX(ctx, key, []byte(holderID), ttl)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{mgr: m, key: key, holderID: holderID}, true, nil
}

// Release frees the lock if this caller still holds it. Expired locks taken
// over by another holder are left alone.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	_, err := l.mgr.store.Eval(ctx, releaseScript, []string{l.key}, l.holderID)
	if err != nil {
		l.mgr.logger.Warn("lock release failed; ttl will expire it",
			zap.String("key", l.key), zap.Error(err))
		return err
	}
	return nil
}
