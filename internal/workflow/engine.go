package workflow

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/edward-labs/edward/internal/apperr"
	"github.com/edward-labs/edward/internal/locks"
	"github.com/edward-labs/edward/internal/metrics"
	"github.com/edward-labs/edward/internal/tracing"
)

// Executor runs one phase against the workflow and returns phase data for
// the StepResult.
type Executor func(ctx context.Context, wf *Workflow, input map[string]any) (map[string]any, error)

type policy struct {
	kind        string
	maxAttempts int
	timeout     time.Duration
}

// policies is the fixed phase table: executor kind, attempt budget, timeout.
var policies = map[Step]policy{
	StepPlan:            {kind: "local", maxAttempts: 1, timeout: 5 * time.Second},
	StepAnalyze:         {kind: "llm", maxAttempts: 2, timeout: 30 * time.Second},
	StepResolvePackages: {kind: "worker", maxAttempts: 3, timeout: 60 * time.Second},
	StepInstallPackages: {kind: "worker", maxAttempts: 3, timeout: 120 * time.Second},
	StepGenerate:        {kind: "hybrid", maxAttempts: 2, timeout: 120 * time.Second},
	StepBuild:           {kind: "worker", maxAttempts: 3, timeout: 180 * time.Second},
	StepDeploy:          {kind: "worker", maxAttempts: 2, timeout: 60 * time.Second},
	StepRecover:         {kind: "llm", maxAttempts: 2, timeout: 60 * time.Second},
}

// backoff after a failed attempt n: 1s, 2s, 4s... capped at 10s.
func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// Engine advances workflows one phase at a time under distributed locks.
type Engine struct {
	log       *zap.Logger
	store     *Store
	locks     *locks.Manager
	executors map[Step]Executor

	// sleep is swapped out by tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine wires the engine to its store, lock manager and executors.
func NewEngine(store *Store, lockMgr *locks.Manager, executors map[Step]Executor, log *zap.Logger) *Engine {
	return &Engine{
		log:       log,
		store:     store,
		locks:     lockMgr,
		executors: executors,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// WithSleep replaces the backoff sleeper. Tests outside this package use it
// to skip real waits.
func (e *Engine) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Engine {
	e.sleep = fn
	return e
}

// Advance executes the current phase and moves the workflow along. A lock
// held elsewhere yields a non-fatal failed StepResult with a nil error;
// callers may simply try again later.
func (e *Engine) Advance(ctx context.Context, wf *Workflow, input map[string]any) (StepResult, error) {
	if wf.Terminal() {
		return StepResult{}, apperr.Newf(apperr.KindValidation, "workflow %s is %s", wf.ID, wf.Status).
			WithCode("workflow_terminal")
	}
	step := wf.CurrentStep
	ctx, span := tracing.StartSpan(ctx, "workflow.advance",
		attribute.String("workflow.id", wf.ID),
		attribute.String("workflow.step", string(step)))
	defer span.End()

	pol, ok := policies[step]
	if !ok {
		return StepResult{}, apperr.Newf(apperr.KindValidation, "unknown step %s", step)
	}
	exec, ok := e.executors[step]
	if !ok {
		return StepResult{}, apperr.Newf(apperr.KindInfrastructure, "no executor for step %s", step)
	}

	wf.Status = StatusRunning
	wf.setPlanStatus(step, PlanInProgress)
	if err := e.store.Save(ctx, wf); err != nil {
		return StepResult{}, err
	}

	wfLock, held, err := e.locks.Acquire(ctx, "workflow:"+wf.ID, locks.DefaultTTL)
	if err != nil {
		return StepResult{}, err
	}
	if !held {
		return e.lockBusy(ctx, wf, step, "workflow advance already in progress")
	}
	defer wfLock.Release(ctx)

	if name := phaseLockName(step, wf); name != "" {
		phaseLock, held, err := e.locks.Acquire(ctx, name, locks.DefaultTTL)
		if err != nil {
			return StepResult{}, err
		}
		if !held {
			return e.lockBusy(ctx, wf, step, "phase lock held: "+name)
		}
		defer phaseLock.Release(ctx)
	}

	start := time.Now()
	data, retries, execErr := e.runWithRetries(ctx, pol, exec, wf, input, step)

	res := StepResult{
		Step:       step,
		Success:    execErr == nil,
		Data:       data,
		DurationMS: time.Since(start).Milliseconds(),
		RetryCount: retries,
	}
	if execErr != nil {
		res.Error = execErr.Error()
		if hint := apperr.RetryPromptOf(execErr); hint != "" {
			if res.Data == nil {
				res.Data = map[string]any{}
			}
			res.Data["retryPrompt"] = hint
		}
	}
	e.apply(wf, step, res)

	statusLabel := "ok"
	if !res.Success {
		statusLabel = "error"
	}
	metrics.WorkflowStepDuration.WithLabelValues(string(step), statusLabel).
		Observe(time.Since(start).Seconds())

	if err := e.store.Save(ctx, wf); err != nil {
		return res, err
	}
	return res, nil
}

// runWithRetries executes attempts with exponential backoff. Validation
// failures stop immediately; the hint travels back in the result.
func (e *Engine) runWithRetries(ctx context.Context, pol policy, exec Executor, wf *Workflow, input map[string]any, step Step) (map[string]any, int, error) {
	var (
		data    map[string]any
		lastErr error
		retries int
	)
	for attempt := 1; attempt <= pol.maxAttempts; attempt++ {
		if attempt > 1 {
			retries++
			metrics.WorkflowStepRetries.WithLabelValues(string(step)).Inc()
			if err := e.sleep(ctx, backoff(attempt-1)); err != nil {
				return data, retries, err
			}
		}
		actx, cancel := context.WithTimeout(ctx, pol.timeout)
		data, lastErr = exec(actx, wf, input)
		cancel()
		if lastErr == nil {
			return data, retries, nil
		}
		if !apperr.Retryable(lastErr) {
			return data, retries, lastErr
		}
		e.log.Warn("workflow step attempt failed",
			zap.String("workflow_id", wf.ID),
			zap.String("step", string(step)),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
	}
	return data, retries, lastErr
}

// apply moves the state machine after one executed phase.
func (e *Engine) apply(wf *Workflow, step Step, res StepResult) {
	wf.History = append(wf.History, res)

	if res.Success {
		wf.setPlanStatus(step, PlanDone)
		if step == StepRecover {
			target := wf.Context.RecoverTarget
			if target == "" {
				target = StepGenerate
			}
			wf.Context.RecoverTarget = ""
			wf.CurrentStep = target
			// The redone phase starts over from a clean checklist entry.
			wf.setPlanStatus(target, PlanPending)
			return
		}
		if next, ok := nextStep(step); ok {
			wf.CurrentStep = next
			return
		}
		wf.Status = StatusCompleted
		metrics.WorkflowsCompleted.WithLabelValues(string(StatusCompleted)).Inc()
		return
	}

	wf.setPlanStatus(step, PlanFailed)
	wf.Context.Errors = append(wf.Context.Errors, res.Error)
	if step != StepRecover && wf.Context.RecoverAttempts < policies[StepRecover].maxAttempts {
		wf.Context.RecoverAttempts++
		wf.Context.RecoverTarget = step
		wf.CurrentStep = StepRecover
		return
	}
	wf.Status = StatusFailed
	metrics.WorkflowsCompleted.WithLabelValues(string(StatusFailed)).Inc()
}

// lockBusy rolls the plan entry back and reports a non-fatal failure.
func (e *Engine) lockBusy(ctx context.Context, wf *Workflow, step Step, reason string) (StepResult, error) {
	wf.setPlanStatus(step, PlanPending)
	if err := e.store.Save(ctx, wf); err != nil {
		e.log.Warn("workflow save after lock contention failed",
			zap.String("workflow_id", wf.ID), zap.Error(err))
	}
	return StepResult{Step: step, Success: false, Error: reason}, nil
}

// phaseLockName returns the extra lock some phases need beyond the
// per-workflow lock.
func phaseLockName(step Step, wf *Workflow) string {
	switch step {
	case StepBuild:
		if wf.SandboxID != "" {
			return "build:" + wf.SandboxID
		}
	case StepResolvePackages:
		return "resolve:" + wf.ID
	}
	return ""
}

// Cancel freezes the workflow and deletes its durable record.
func (e *Engine) Cancel(ctx context.Context, wf *Workflow) error {
	if wf.Terminal() {
		return apperr.Newf(apperr.KindValidation, "workflow %s is %s", wf.ID, wf.Status).
			WithCode("workflow_terminal")
	}
	wf.Status = StatusCancelled
	metrics.WorkflowsCompleted.WithLabelValues(string(StatusCancelled)).Inc()
	return e.store.Delete(ctx, wf.ID)
}
