package workflow

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edward-labs/edward/internal/apperr"
	"github.com/edward-labs/edward/internal/llm"
	"github.com/edward-labs/edward/internal/sandbox"
	"github.com/edward-labs/edward/internal/storage"
)

// npmNameRe matches valid npm package names, scoped or not.
var npmNameRe = regexp.MustCompile(`^(@[a-z0-9-~][a-z0-9-._~]*/)?[a-z0-9-~][a-z0-9-._~]*$`)

// blockedPackages never make it into a sandbox regardless of what the model
// asks for.
var blockedPackages = map[string]struct{}{
	"child_process": {},
	"fsevents":      {},
	"node-gyp":      {},
}

// Phases holds the concrete executors behind the phase table.
type Phases struct {
	log       *zap.Logger
	sandboxes *sandbox.Manager
	model     llm.Client
	store     storage.ObjectStore

	// PreviewBaseURL prefixes deployed preview links.
	PreviewBaseURL string
}

// NewPhases wires the executors to their collaborators.
func NewPhases(sandboxes *sandbox.Manager, model llm.Client, store storage.ObjectStore, previewBaseURL string, log *zap.Logger) *Phases {
	return &Phases{
		log:            log,
		sandboxes:      sandboxes,
		model:          model,
		store:          store,
		PreviewBaseURL: strings.TrimSuffix(previewBaseURL, "/"),
	}
}

// Executors returns the full step-to-executor table.
func (p *Phases) Executors() map[Step]Executor {
	return map[Step]Executor{
		StepPlan:            p.plan,
		StepAnalyze:         p.analyze,
		StepResolvePackages: p.resolvePackages,
		StepInstallPackages: p.installPackages,
		StepGenerate:        p.generate,
		StepBuild:           p.build,
		StepDeploy:          p.deploy,
		StepRecover:         p.recover,
	}
}

// plan seeds the checklist every later phase reports into.
func (p *Phases) plan(ctx context.Context, wf *Workflow, _ map[string]any) (map[string]any, error) {
	entries := []struct {
		title string
		key   PlanKey
	}{
		{"Understand the request", PlanAnalyze},
		{"Resolve dependencies", PlanResolveDeps},
		{"Generate the application", PlanGenerate},
		{"Validate the build", PlanValidateBuild},
		{"Deploy the preview", PlanDeploy},
	}
	wf.Context.Plan = wf.Context.Plan[:0]
	for _, e := range entries {
		wf.Context.Plan = append(wf.Context.Plan, PlanStep{
			ID:     uuid.New().String(),
			Title:  e.title,
			Key:    e.key,
			Status: PlanPending,
		})
	}
	return map[string]any{"planSteps": len(wf.Context.Plan)}, nil
}

// analyze asks the model to classify the request: target framework and the
// packages it will need.
func (p *Phases) analyze(ctx context.Context, wf *Workflow, _ map[string]any) (map[string]any, error) {
	// The stream may have supplied the analysis already: an install tag
	// carries both framework and dependencies. No point asking twice.
	if wf.Context.Framework != "" && len(wf.Context.RequestedPackages) > 0 {
		return map[string]any{
			"framework":         wf.Context.Framework,
			"requestedPackages": wf.Context.RequestedPackages,
		}, nil
	}
	const system = "You classify web-app build requests. Reply with a single JSON object: " +
		`{"framework": "...", "packages": ["..."]}. No prose.`
	out, err := p.model.Generate(ctx, llm.Request{
		System:   system,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: wf.Context.Intent}},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, "analyze request", err)
	}

	var parsed struct {
		Framework string   `json:"framework"`
		Packages  []string `json:"packages"`
	}
	if err := json.Unmarshal(extractJSON(out), &parsed); err != nil {
		return nil, apperr.Wrap(apperr.KindValidationPipeline, "analyze response is not valid JSON", err).
			WithRetryPrompt("Respond with only the JSON object, no surrounding text.")
	}
	if wf.Context.Framework == "" && parsed.Framework != "" {
		wf.Context.Framework = parsed.Framework
	}
	wf.Context.RequestedPackages = parsed.Packages
	return map[string]any{
		"framework":         wf.Context.Framework,
		"requestedPackages": parsed.Packages,
	}, nil
}

// resolvePackages validates the requested package names. Bad names are a
// validation failure with a hint the orchestrator feeds back to the model.
func (p *Phases) resolvePackages(ctx context.Context, wf *Workflow, _ map[string]any) (map[string]any, error) {
	var resolved, invalid []string
	for _, name := range wf.Context.RequestedPackages {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, blocked := blockedPackages[name]; blocked || !npmNameRe.MatchString(name) {
			invalid = append(invalid, name)
			continue
		}
		resolved = append(resolved, name)
	}
	if len(invalid) > 0 {
		return map[string]any{"invalidPackages": invalid},
			apperr.Newf(apperr.KindValidationPipeline, "invalid packages: %s", strings.Join(invalid, ", ")).
				WithCode("invalid_packages").
				WithRetryPrompt("These packages are invalid or not allowed: " + strings.Join(invalid, ", ") +
					". Pick published npm alternatives.")
	}
	wf.Context.ResolvedPackages = resolved
	return map[string]any{"resolvedPackages": resolved}, nil
}

// installPackages runs npm inside the sandbox with network enabled only for
// the duration of the install.
func (p *Phases) installPackages(ctx context.Context, wf *Workflow, _ map[string]any) (map[string]any, error) {
	if len(wf.Context.ResolvedPackages) == 0 {
		return map[string]any{"skipped": true}, nil
	}
	if wf.SandboxID == "" {
		return nil, apperr.New(apperr.KindSandbox, "install requested before any sandbox is attached")
	}

	if err := p.sandboxes.SetNetwork(ctx, wf.SandboxID, true); err != nil {
		return nil, err
	}
	defer func() {
		if err := p.sandboxes.SetNetwork(context.Background(), wf.SandboxID, false); err != nil {
			p.log.Warn("disable sandbox network failed", zap.String("sandbox_id", wf.SandboxID), zap.Error(err))
		}
	}()

	cmd := append([]string{"npm", "install", "--no-audit", "--no-fund"}, wf.Context.ResolvedPackages...)
	res, err := p.sandboxes.Exec(ctx, wf.SandboxID, cmd, 120*time.Second)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, apperr.Newf(apperr.KindSandbox, "npm install failed: %s", tail(res.Stderr)).
			WithCode("install_failed").
			WithRetryPrompt("npm install failed with: " + tail(res.Stderr))
	}
	return map[string]any{"installed": wf.Context.ResolvedPackages}, nil
}

// generate verifies the streamed file writes actually landed; the writing
// itself happens during the LLM stream, outside the engine.
func (p *Phases) generate(ctx context.Context, wf *Workflow, _ map[string]any) (map[string]any, error) {
	if wf.SandboxID == "" {
		return nil, apperr.New(apperr.KindValidationPipeline, "no sandbox attached after generation").
			WithRetryPrompt("Wrap the application files in a sandbox block with file tags.")
	}
	if err := p.sandboxes.Flush(ctx, wf.SandboxID, true); err != nil {
		return nil, err
	}
	res, err := p.sandboxes.Exec(ctx, wf.SandboxID, []string{"ls", sandbox.DefaultWorkspace}, 0)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(res.Stdout))) == 0 {
		return nil, apperr.New(apperr.KindValidationPipeline, "workspace is empty after generation").
			WithRetryPrompt("No files were generated. Emit the full application source in file tags.")
	}
	return map[string]any{"workspace": sandbox.DefaultWorkspace}, nil
}

// build runs the project build and records where the output landed.
func (p *Phases) build(ctx context.Context, wf *Workflow, _ map[string]any) (map[string]any, error) {
	if wf.SandboxID == "" {
		return nil, apperr.New(apperr.KindSandbox, "build requested before any sandbox is attached")
	}
	res, err := p.sandboxes.Exec(ctx, wf.SandboxID, []string{"npm", "run", "build"}, 180*time.Second)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		report := tail(res.Stderr)
		return map[string]any{"errorReport": report},
			apperr.Newf(apperr.KindSandbox, "build failed: %s", report).
				WithCode("build_failed").
				WithRetryPrompt("The build failed with: " + report + ". Fix the offending files.")
	}
	wf.Context.BuildDirectory = buildDirFor(wf.Context.Framework)
	return map[string]any{"buildDirectory": wf.Context.BuildDirectory}, nil
}

// deploy exports the build output to object storage and mints the preview
// URL.
func (p *Phases) deploy(ctx context.Context, wf *Workflow, _ map[string]any) (map[string]any, error) {
	if wf.SandboxID == "" {
		return nil, apperr.New(apperr.KindSandbox, "deploy requested before any sandbox is attached")
	}
	inst, ok := p.sandboxes.Get(wf.SandboxID)
	if !ok {
		return nil, apperr.Newf(apperr.KindSandbox, "sandbox %s not active", wf.SandboxID)
	}

	buildDir := wf.Context.BuildDirectory
	if buildDir == "" {
		buildDir = buildDirFor(wf.Context.Framework)
	}
	rc, err := p.sandboxes.ExportDir(ctx, wf.SandboxID, buildDir)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	pr, pw := io.Pipe()
	go func() {
		gz := gzip.NewWriter(pw)
		if _, err := io.Copy(gz, rc); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(gz.Close())
	}()
	key := storage.PreviewPrefix(inst.UserID, inst.ChatID) + "site.tar.gz"
	if err := p.store.Put(ctx, key, pr); err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, "upload preview artifact", err)
	}

	wf.Context.PreviewURL = fmt.Sprintf("%s/%s", p.PreviewBaseURL, inst.ChatID)
	return map[string]any{"previewUrl": wf.Context.PreviewURL}, nil
}

// recover asks the model for an adjusted plan after a failed phase. The
// engine re-runs the failed phase with whatever the model changed.
func (p *Phases) recover(ctx context.Context, wf *Workflow, _ map[string]any) (map[string]any, error) {
	failed := wf.Context.RecoverTarget
	var lastErr string
	if n := len(wf.Context.Errors); n > 0 {
		lastErr = wf.Context.Errors[n-1]
	}
	const system = "A web-app build pipeline phase failed. Propose a fix. Reply with a single JSON object: " +
		`{"packages": ["..."], "notes": "..."}. No prose.`
	out, err := p.model.Generate(ctx, llm.Request{
		System: system,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("Phase %s failed with: %s\nCurrent packages: %s", failed, lastErr, strings.Join(wf.Context.ResolvedPackages, ", ")),
		}},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, "recover analysis", err)
	}

	var parsed struct {
		Packages []string `json:"packages"`
		Notes    string   `json:"notes"`
	}
	if err := json.Unmarshal(extractJSON(out), &parsed); err != nil {
		return nil, apperr.Wrap(apperr.KindValidationPipeline, "recover response is not valid JSON", err)
	}
	if len(parsed.Packages) > 0 {
		wf.Context.RequestedPackages = parsed.Packages
		wf.Context.ResolvedPackages = nil
	}
	return map[string]any{"notes": parsed.Notes, "packages": parsed.Packages}, nil
}

func buildDirFor(framework string) string {
	switch strings.ToLower(framework) {
	case "nextjs", "next", "next.js":
		return ".next"
	default:
		return "dist"
	}
}

// extractJSON cuts the first top-level JSON object out of model output that
// may carry stray prose around it.
func extractJSON(s string) []byte {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return []byte(s)
	}
	return []byte(s[start : end+1])
}

func tail(b []byte) string {
	const max = 2000
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return s
}
