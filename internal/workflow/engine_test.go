package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edward-labs/edward/internal/apperr"
	"github.com/edward-labs/edward/internal/kv"
	"github.com/edward-labs/edward/internal/locks"
)

func newTestEngine(t *testing.T, executors map[Step]Executor) (*Engine, *Store, *locks.Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	kvStore := kv.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	store := NewStore(kvStore)
	lockMgr := locks.NewManager(kvStore, zap.NewNop())
	e := NewEngine(store, lockMgr, executors, zap.NewNop())
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return e, store, lockMgr
}

func okExecutor(data map[string]any) Executor {
	return func(ctx context.Context, wf *Workflow, input map[string]any) (map[string]any, error) {
		return data, nil
	}
}

func allOK() map[Step]Executor {
	m := make(map[Step]Executor)
	for step := range policies {
		m[step] = okExecutor(nil)
	}
	return m
}

func TestAdvanceWalksFixedOrder(t *testing.T) {
	execs := allOK()
	execs[StepDeploy] = func(ctx context.Context, wf *Workflow, _ map[string]any) (map[string]any, error) {
		wf.Context.PreviewURL = "https://preview.example/chat1"
		return nil, nil
	}
	e, store, _ := newTestEngine(t, execs)
	wf := New("u1", "chat1", "todo app", "nextjs")
	ctx := context.Background()

	want := []Step{StepAnalyze, StepResolvePackages, StepInstallPackages, StepGenerate, StepBuild, StepDeploy}
	for _, next := range want {
		res, err := e.Advance(ctx, wf, nil)
		require.NoError(t, err)
		require.True(t, res.Success, "step %s", res.Step)
		assert.Equal(t, next, wf.CurrentStep)
		assert.Equal(t, StatusRunning, wf.Status)
	}

	res, err := e.Advance(ctx, wf, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, StepDeploy, res.Step)
	assert.Equal(t, StatusCompleted, wf.Status)
	assert.NotEmpty(t, wf.Context.PreviewURL)
	assert.Len(t, wf.History, 7)

	// Terminal workflows refuse further advances, in memory and from the
	// store.
	_, err = e.Advance(ctx, wf, nil)
	require.Error(t, err)
	assert.Equal(t, "workflow_terminal", apperr.CodeOf(err))

	loaded, err := store.Load(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)
}

func TestAdvanceRetriesInfrastructureFailures(t *testing.T) {
	attempts := 0
	execs := allOK()
	execs[StepPlan] = func(ctx context.Context, wf *Workflow, _ map[string]any) (map[string]any, error) {
		return nil, nil
	}
	execs[StepAnalyze] = func(ctx context.Context, wf *Workflow, _ map[string]any) (map[string]any, error) {
		attempts++
		if attempts < 2 {
			return nil, apperr.New(apperr.KindInfrastructure, "model endpoint flaked")
		}
		return nil, nil
	}
	e, _, _ := newTestEngine(t, execs)
	wf := New("u1", "chat1", "todo app", "")
	ctx := context.Background()

	_, err := e.Advance(ctx, wf, nil) // PLAN
	require.NoError(t, err)
	res, err := e.Advance(ctx, wf, nil) // ANALYZE
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.RetryCount)
	assert.Equal(t, 2, attempts)
}

func TestValidationFailureSkipsRetriesAndEntersRecover(t *testing.T) {
	attempts := 0
	execs := allOK()
	execs[StepResolvePackages] = func(ctx context.Context, wf *Workflow, _ map[string]any) (map[string]any, error) {
		attempts++
		return nil, apperr.New(apperr.KindValidationPipeline, "invalid packages: left-pad2").
			WithRetryPrompt("Pick published npm alternatives.")
	}
	e, _, _ := newTestEngine(t, execs)
	wf := New("u1", "chat1", "todo app", "")
	ctx := context.Background()

	_, err := e.Advance(ctx, wf, nil) // PLAN
	require.NoError(t, err)
	_, err = e.Advance(ctx, wf, nil) // ANALYZE
	require.NoError(t, err)
	res, err := e.Advance(ctx, wf, nil) // RESOLVE_PACKAGES fails
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, 1, attempts, "validation failures must not retry")
	assert.Equal(t, "Pick published npm alternatives.", res.Data["retryPrompt"])
	assert.Equal(t, StepRecover, wf.CurrentStep)
	assert.Equal(t, StepResolvePackages, wf.Context.RecoverTarget)
	assert.Equal(t, StatusRunning, wf.Status)
}

func TestRecoverRedoesFailedPhase(t *testing.T) {
	resolveCalls := 0
	execs := allOK()
	execs[StepResolvePackages] = func(ctx context.Context, wf *Workflow, _ map[string]any) (map[string]any, error) {
		resolveCalls++
		if resolveCalls == 1 {
			return nil, apperr.New(apperr.KindValidationPipeline, "invalid packages")
		}
		return nil, nil
	}
	e, _, _ := newTestEngine(t, execs)
	wf := New("u1", "chat1", "todo app", "")
	ctx := context.Background()

	for _, step := range []Step{StepPlan, StepAnalyze} {
		res, err := e.Advance(ctx, wf, nil)
		require.NoError(t, err)
		require.True(t, res.Success, "step %s", step)
	}

	res, err := e.Advance(ctx, wf, nil) // RESOLVE fails → RECOVER
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, StepRecover, wf.CurrentStep)

	res, err = e.Advance(ctx, wf, nil) // RECOVER succeeds
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, StepResolvePackages, wf.CurrentStep, "engine redoes the failing phase")
	assert.Empty(t, wf.Context.RecoverTarget)

	res, err = e.Advance(ctx, wf, nil) // RESOLVE succeeds second time
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StepInstallPackages, wf.CurrentStep)
	assert.Equal(t, 2, resolveCalls)
}

func TestRecoverBudgetExhaustionFailsWorkflow(t *testing.T) {
	execs := allOK()
	execs[StepResolvePackages] = func(ctx context.Context, wf *Workflow, _ map[string]any) (map[string]any, error) {
		return nil, apperr.New(apperr.KindValidationPipeline, "still invalid")
	}
	e, _, _ := newTestEngine(t, execs)
	wf := New("u1", "chat1", "todo app", "")
	ctx := context.Background()

	_, err := e.Advance(ctx, wf, nil) // PLAN
	require.NoError(t, err)
	_, err = e.Advance(ctx, wf, nil) // ANALYZE
	require.NoError(t, err)

	// Each failure spends one RECOVER round; the budget is two.
	for round := 0; round < 2; round++ {
		res, err := e.Advance(ctx, wf, nil) // RESOLVE fails
		require.NoError(t, err)
		require.False(t, res.Success)
		require.Equal(t, StepRecover, wf.CurrentStep)
		res, err = e.Advance(ctx, wf, nil) // RECOVER ok, back to RESOLVE
		require.NoError(t, err)
		require.True(t, res.Success)
	}

	res, err := e.Advance(ctx, wf, nil) // third failure: budget gone
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, StatusFailed, wf.Status)

	_, err = e.Advance(ctx, wf, nil)
	require.Error(t, err)
}

func TestAdvanceUnderHeldLockIsNonFatal(t *testing.T) {
	e, _, lockMgr := newTestEngine(t, allOK())
	wf := New("u1", "chat1", "todo app", "")
	ctx := context.Background()

	held, ok, err := lockMgr.Acquire(ctx, "workflow:"+wf.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Release(ctx)

	res, err := e.Advance(ctx, wf, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, StepPlan, wf.CurrentStep, "no progress under contention")
	assert.Empty(t, wf.History)
}

func TestBuildPhaseLockSerializesPerSandbox(t *testing.T) {
	e, _, lockMgr := newTestEngine(t, allOK())
	wf := New("u1", "chat1", "todo app", "")
	wf.CurrentStep = StepBuild
	wf.SandboxID = "sbx-1"
	ctx := context.Background()

	held, ok, err := lockMgr.Acquire(ctx, "build:sbx-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Release(ctx)

	res, err := e.Advance(ctx, wf, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "build:sbx-1")
}

func TestCancelDeletesRecord(t *testing.T) {
	e, store, _ := newTestEngine(t, allOK())
	wf := New("u1", "chat1", "todo app", "")
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, wf))

	require.NoError(t, e.Cancel(ctx, wf))
	assert.Equal(t, StatusCancelled, wf.Status)

	_, err := store.Load(ctx, wf.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.Advance(ctx, wf, nil)
	require.Error(t, err)
}

func TestStoreRoundTripAndTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	kvStore := kv.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	store := NewStore(kvStore)
	ctx := context.Background()

	wf := New("u1", "chat1", "todo app", "nextjs")
	wf.Context.Plan = []PlanStep{{ID: "p1", Title: "Generate", Key: PlanGenerate, Status: PlanPending}}
	require.NoError(t, store.Save(ctx, wf))

	ttl := mr.TTL("workflow:" + wf.ID)
	assert.Equal(t, TTL, ttl)

	loaded, err := store.Load(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, loaded.ID)
	assert.Equal(t, wf.Context.Plan, loaded.Context.Plan)

	mr.FastForward(TTL + time.Second)
	_, err = store.Load(ctx, wf.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
