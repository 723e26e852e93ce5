// Package workflow drives the durable phase state machine behind every
// generation request: PLAN through DEPLOY, with bounded retries, distributed
// locks and an LLM-backed RECOVER branch.
package workflow

import (
	"time"

	"github.com/google/uuid"
)

// Status of a workflow. Terminal statuses are frozen: no further advances.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Step is a phase of the pipeline.
type Step string

const (
	StepPlan            Step = "PLAN"
	StepAnalyze         Step = "ANALYZE"
	StepResolvePackages Step = "RESOLVE_PACKAGES"
	StepInstallPackages Step = "INSTALL_PACKAGES"
	StepGenerate        Step = "GENERATE"
	StepBuild           Step = "BUILD"
	StepDeploy          Step = "DEPLOY"
	StepRecover         Step = "RECOVER"
)

// stepOrder is the fixed pipeline order. RECOVER sits outside it.
var stepOrder = []Step{
	StepPlan,
	StepAnalyze,
	StepResolvePackages,
	StepInstallPackages,
	StepGenerate,
	StepBuild,
	StepDeploy,
}

// PlanKey identifies a checklist entry in the workflow plan.
type PlanKey string

const (
	PlanAnalyze       PlanKey = "ANALYZE"
	PlanResolveDeps   PlanKey = "RESOLVE_DEPS"
	PlanGenerate      PlanKey = "GENERATE"
	PlanValidateBuild PlanKey = "VALIDATE_BUILD"
	PlanDeploy        PlanKey = "DEPLOY"
)

// PlanStatus of one checklist entry.
type PlanStatus string

const (
	PlanPending    PlanStatus = "pending"
	PlanInProgress PlanStatus = "in_progress"
	PlanDone       PlanStatus = "done"
	PlanFailed     PlanStatus = "failed"
	PlanBlocked    PlanStatus = "blocked"
)

// PlanStep is one entry of the structured checklist.
type PlanStep struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Key    PlanKey    `json:"key"`
	Status PlanStatus `json:"status"`
}

// Context carries the accumulated pipeline state.
type Context struct {
	Intent            string     `json:"intent,omitempty"`
	Framework         string     `json:"framework,omitempty"`
	RequestedPackages []string   `json:"requestedPackages,omitempty"`
	ResolvedPackages  []string   `json:"resolvedPackages,omitempty"`
	Plan              []PlanStep `json:"plan,omitempty"`
	BuildDirectory    string     `json:"buildDirectory,omitempty"`
	PreviewURL        string     `json:"previewUrl,omitempty"`
	Errors            []string   `json:"errors,omitempty"`

	// RecoverTarget remembers which phase RECOVER must redo.
	RecoverTarget Step `json:"recoverTarget,omitempty"`
	// RecoverAttempts counts RECOVER round trips for this workflow.
	RecoverAttempts int `json:"recoverAttempts,omitempty"`
}

// StepResult is the outcome of one Advance call.
type StepResult struct {
	Step       Step           `json:"step"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	DurationMS int64          `json:"durationMs"`
	RetryCount int            `json:"retryCount"`
}

// Workflow is the durable record of one pipeline run.
type Workflow struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userId"`
	ChatID      string       `json:"chatId"`
	Status      Status       `json:"status"`
	CurrentStep Step         `json:"currentStep"`
	SandboxID   string       `json:"sandboxId,omitempty"`
	Context     Context      `json:"context"`
	History     []StepResult `json:"history,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// New creates a pending workflow at PLAN.
func New(userID, chatID, intent, framework string) *Workflow {
	now := time.Now().UTC()
	return &Workflow{
		ID:          uuid.New().String(),
		UserID:      userID,
		ChatID:      chatID,
		Status:      StatusPending,
		CurrentStep: StepPlan,
		Context: Context{
			Intent:    intent,
			Framework: framework,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Terminal reports whether the workflow refuses further advances.
func (w *Workflow) Terminal() bool {
	switch w.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// PlanComplete reports whether every checklist entry is done or failed.
func (w *Workflow) PlanComplete() bool {
	if len(w.Context.Plan) == 0 {
		return false
	}
	for _, s := range w.Context.Plan {
		if s.Status != PlanDone && s.Status != PlanFailed {
			return false
		}
	}
	return true
}

// CriticalFailure reports whether generation or build validation failed in
// the plan, which blocks deploy.
func (w *Workflow) CriticalFailure() bool {
	for _, s := range w.Context.Plan {
		if s.Status == PlanFailed && (s.Key == PlanGenerate || s.Key == PlanValidateBuild) {
			return true
		}
	}
	return false
}

// planKeyFor maps a pipeline step to its checklist entry, if it has one.
func planKeyFor(step Step) (PlanKey, bool) {
	switch step {
	case StepAnalyze:
		return PlanAnalyze, true
	case StepResolvePackages, StepInstallPackages:
		return PlanResolveDeps, true
	case StepGenerate:
		return PlanGenerate, true
	case StepBuild:
		return PlanValidateBuild, true
	case StepDeploy:
		return PlanDeploy, true
	}
	return "", false
}

// setPlanStatus updates the checklist entry for a step, when one exists.
func (w *Workflow) setPlanStatus(step Step, status PlanStatus) {
	key, ok := planKeyFor(step)
	if !ok {
		return
	}
	for i := range w.Context.Plan {
		if w.Context.Plan[i].Key == key {
			w.Context.Plan[i].Status = status
			return
		}
	}
}

// nextStep returns the phase after step in the fixed order, and false when
// step is the last one.
func nextStep(step Step) (Step, bool) {
	for i, s := range stepOrder {
		if s == step && i+1 < len(stepOrder) {
			return stepOrder[i+1], true
		}
	}
	return "", false
}
