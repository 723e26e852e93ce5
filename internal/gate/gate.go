// Package gate enforces the per-user limit on concurrent stream sessions.
// Slots live in the shared key-value store so every replica sees the same
// count; the TTL frees slots held by crashed callers.
package gate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/edward-labs/edward/internal/kv"
	"github.com/edward-labs/edward/internal/metrics"
)

// acquireScript increments the slot counter and rolls back atomically when
// the limit would be exceeded.
const acquireScript = `
local v = redis.call("INCR", KEYS[1])
if v > tonumber(ARGV[1]) then
	redis.call("DECR", KEYS[1])
	return 0
end
redis.call("EXPIRE", KEYS[1], ARGV[2])
return 1
`

// releaseScript decrements and deletes the counter at zero so idle users
// leave no keys behind.
const releaseScript = `
local v = redis.call("DECR", KEYS[1])
if v <= 0 then
	redis.call("DEL", KEYS[1])
	return 0
end
return v
`

// Gate counts concurrent runs per user.
type Gate struct {
	store   *kv.Store
	logger  *zap.Logger
	maxPer  int
	slotTTL time.Duration
}

// New creates a gate. maxPerUser defaults to 2 and slotTTL to 300s.
func New(store *kv.Store, maxPerUser int, slotTTL time.Duration, logger *zap.Logger) *Gate {
	if maxPerUser <= 0 {
		maxPerUser = 2
	}
	if slotTTL <= 0 {
		slotTTL = 300 * time.Second
	}
	return &Gate{store: store, logger: logger, maxPer: maxPerUser, slotTTL: slotTTL}
}

func key(userID string) string {
	return "user:concurrency:" + userID
}

// Acquire takes one slot for userID. It fails closed: a store error counts
// as a rejection.
func (g *Gate) Acquire(ctx context.Context, userID string) (bool, error) {
	res, err := g.store.Eval(ctx, acquireScript,
		[]string{key(userID)}, g.maxPer, int(g.slotTTL.Seconds()))
	if err != nil {
		metrics.GateAcquires.WithLabelValues("error").Inc()
		g.logger.Warn("gate acquire failed closed",
			zap.String("user_id", userID), zap.Error(err))
		return false, err
	}
	n, _ := res.(int64)
	if n == 1 {
		metrics.GateAcquires.WithLabelValues("granted").Inc()
		return true, nil
	}
	metrics.GateAcquires.WithLabelValues("rejected").Inc()
	return false, nil
}

// Release frees one slot. Best-effort: a failed release is recovered by the
// slot TTL.
func (g *Gate) Release(ctx context.Context, userID string) {
	if _, err := g.store.Eval(ctx, releaseScript, []string{key(userID)}); err != nil {
		g.logger.Warn("gate release failed; slot ttl will recover",
			zap.String("user_id", userID), zap.Error(err))
	}
}

// Limit returns the per-user maximum, for error responses.
func (g *Gate) Limit() int { return g.maxPer }
