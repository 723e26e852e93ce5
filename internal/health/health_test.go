package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRunAggregatesResults(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("redis", true, func(ctx context.Context) error { return nil })
	r.Register("db", true, func(ctx context.Context) error { return nil })
	r.Register("search", false, func(ctx context.Context) error { return errors.New("down") })

	report := r.Run(context.Background())
	assert.True(t, report.Ready, "non-critical failures do not gate readiness")
	assert.Len(t, report.Checks, 3)

	byName := map[string]Result{}
	for _, res := range report.Checks {
		byName[res.Name] = res
	}
	assert.True(t, byName["redis"].Healthy)
	assert.False(t, byName["search"].Healthy)
	assert.Equal(t, "down", byName["search"].Error)
}

func TestRunCriticalFailureMarksNotReady(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("redis", true, func(ctx context.Context) error { return errors.New("refused") })

	report := r.Run(context.Background())
	assert.False(t, report.Ready)
}

func TestRunAppliesTimeout(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("slow", true, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return nil
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	report := r.Run(ctx)
	assert.False(t, report.Ready)
	assert.Contains(t, report.Checks[0].Error, "context")
}
