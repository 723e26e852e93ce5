// Package orchestrator runs one streaming generation session end to end:
// model turns, tag parsing, sandbox writes, the agentic tool loop and the
// durable run transcript, with the workflow engine advancing alongside.
package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/edward-labs/edward/internal/apperr"
	"github.com/edward-labs/edward/internal/events"
	"github.com/edward-labs/edward/internal/llm"
	"github.com/edward-labs/edward/internal/metrics"
	"github.com/edward-labs/edward/internal/parser"
	"github.com/edward-labs/edward/internal/run"
	"github.com/edward-labs/edward/internal/sandbox"
	"github.com/edward-labs/edward/internal/skills"
	"github.com/edward-labs/edward/internal/streamhub"
	"github.com/edward-labs/edward/internal/tools"
	"github.com/edward-labs/edward/internal/tracing"
	"github.com/edward-labs/edward/internal/workflow"
)

// Defaults for the session loop.
const (
	DefaultMaxTurns           = 8
	DefaultMaxToolCalls       = 24
	DefaultWallClock          = 5 * time.Minute
	DefaultMaxRawBytes        = 10 << 20
	DefaultCheckpointFileEnds = 5
	DefaultMaxTokens          = 16384
)

// Config tunes the session loop.
type Config struct {
	Model              string
	MaxTurns           int
	MaxToolCalls       int
	WallClock          time.Duration
	MaxRawBytes        int
	CheckpointFileEnds int
	MaxTokens          int
}

func (c *Config) applyDefaults() {
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = DefaultMaxToolCalls
	}
	if c.WallClock <= 0 {
		c.WallClock = DefaultWallClock
	}
	if c.MaxRawBytes <= 0 {
		c.MaxRawBytes = DefaultMaxRawBytes
	}
	if c.CheckpointFileEnds <= 0 {
		c.CheckpointFileEnds = DefaultCheckpointFileEnds
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
}

// Orchestrator owns the streaming session protocol.
type Orchestrator struct {
	log       *zap.Logger
	cfg       Config
	model     llm.Client
	sandboxes *sandbox.Manager
	engine    *workflow.Engine
	workflows *workflow.Store
	runs      *run.Store
	hub       *streamhub.Hub
	shell     *tools.Shell
	searcher  tools.Searcher
	skills    *skills.Registry
	limiter   *rate.Limiter

	wg sync.WaitGroup
}

// New wires the orchestrator. The limiter paces model calls across all
// sessions in this process; nil means unpaced.
func New(cfg Config, model llm.Client, sandboxes *sandbox.Manager, engine *workflow.Engine,
	workflows *workflow.Store, runs *run.Store, hub *streamhub.Hub, shell *tools.Shell,
	searcher tools.Searcher, reg *skills.Registry, limiter *rate.Limiter, log *zap.Logger) *Orchestrator {
	cfg.applyDefaults()
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Orchestrator{
		log:       log,
		cfg:       cfg,
		model:     model,
		sandboxes: sandboxes,
		engine:    engine,
		workflows: workflows,
		runs:      runs,
		hub:       hub,
		shell:     shell,
		searcher:  searcher,
		skills:    reg,
		limiter:   limiter,
	}
}

// Wait blocks until background work (backups, post-stream builds) finishes.
// Used by shutdown and tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// loopState is the mutable position inside one session.
type loopState struct {
	rec *run.Run

	turn      int
	toolCalls int
	fileEnds  int

	// raw accumulates every model chunk across turns; turnStart marks where
	// the current turn begins inside it.
	raw       strings.Builder
	turnStart int

	sandboxID   string
	sandboxSeen bool
	currentFile string
	skipFile    bool

	// retryPrompt is injected as a system message into the next turn when a
	// workflow phase failed validation.
	retryPrompt string
	stopReason  string

	system   string
	messages []llm.Message
}

// toolReq is one parsed mid-stream tool invocation.
type toolReq struct {
	search     bool
	command    string
	args       []string
	query      string
	maxResults int
}

// Run drives one session over SSE until a terminal state. The parent context
// is the HTTP request context; its cancellation means the client went away.
func (o *Orchestrator) Run(parent context.Context, w http.ResponseWriter, sess *Session) error {
	if sess.Mode == "" {
		sess.Mode = ModeGenerate
	}
	if sess.RunID == "" {
		sess.RunID = uuid.New().String()
	}
	if sess.AssistantMessageID == "" {
		sess.AssistantMessageID = uuid.New().String()
	}

	parent, span := tracing.StartSpan(parent, "stream.run",
		attribute.String("chat.id", sess.ChatID),
		attribute.String("stream.mode", sess.Mode))
	defer span.End()

	sw, err := events.NewSSEWriter(w)
	if err != nil {
		return err
	}
	st := &streamState{sw: sw, hub: o.hub, runs: o.runs, runID: sess.RunID, log: o.log}

	wf := o.loadWorkflow(parent, sess)

	rec := &run.Run{
		ID:                 sess.RunID,
		ChatID:             sess.ChatID,
		UserID:             sess.UserID,
		UserMessageID:      sess.UserMessageID,
		AssistantMessageID: sess.AssistantMessageID,
		Status:             run.StatusStreaming,
		State:              run.StateInit,
		Metadata:           []byte("{}"),
	}
	if err := o.runs.CreateRun(parent, rec); err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, "create run", err)
	}

	metrics.StreamsStarted.WithLabelValues(sess.Mode).Inc()
	start := time.Now()

	if sess.Mode != ModeGenerate && len(sess.ProjectContext) == 0 {
		o.loadProjectContext(parent, sess)
	}

	meta := events.Meta(events.PhaseSessionStart)
	meta.ChatID = sess.ChatID
	meta.UserMessageID = sess.UserMessageID
	meta.AssistantMessageID = sess.AssistantMessageID
	meta.RunID = sess.RunID
	meta.IsNewChat = sess.IsNewChat
	st.emit(meta)

	ls := &loopState{rec: rec}
	ls.system, ls.messages = o.assembleMessages(sess, wf)
	if inst, ok := o.sandboxes.GetActiveSandbox(sess.ChatID); ok {
		ls.sandboxID = inst.ID
	}

	sctx, cancel := context.WithTimeout(parent, o.cfg.WallClock)
	defer cancel()

	p := parser.New()

	for ls.turn < o.cfg.MaxTurns {
		ls.turn++
		ls.turnStart = ls.raw.Len()
		rec.CurrentTurn = ls.turn
		rec.State = run.StateLLMStream

		if ls.retryPrompt != "" {
			ls.messages = append(ls.messages, llm.Message{Role: llm.RoleSystem, Content: ls.retryPrompt})
			ls.retryPrompt = ""
		}

		if err := o.limiter.Wait(sctx); err != nil {
			return o.finishAbnormal(parent, sctx, st, p, sess, wf, ls, start, err)
		}

		tctx, tcancel := context.WithCancel(sctx)
		chunks, errs := o.model.Stream(tctx, llm.Request{
			Model:     o.cfg.Model,
			System:    ls.system,
			Messages:  ls.messages,
			MaxTokens: o.cfg.MaxTokens,
		})

		req, serr := o.consume(sctx, st, p, sess, wf, ls, chunks, errs)
		tcancel()

		if serr != nil {
			return o.finishAbnormal(parent, sctx, st, p, sess, wf, ls, start, serr)
		}
		if ls.stopReason != "" || req == nil {
			break
		}

		rec.State = run.StateToolExec
		result := o.execTool(sctx, ls, req)
		// The turn ended at the tool tag; any parser state from trailing
		// output in the same chunk is discarded with the trailing bytes.
		p = parser.New()
		turnRaw := ls.raw.String()[ls.turnStart:]
		ls.messages = append(ls.messages,
			llm.Message{Role: llm.RoleAssistant, Content: turnRaw},
			llm.Message{Role: llm.RoleUser, Content: result})
		rec.State = run.StateNextTurn
		o.checkpoint(sctx, ls, wf.ID)

		if ls.turn >= o.cfg.MaxTurns {
			ls.stopReason = events.LoopStopToolLimit
		}
	}

	return o.finishNormal(parent, st, p, sess, wf, ls, start)
}

// truncateAtToolTag cuts the raw transcript at the end of the tool tag that
// paused the turn. The synthetic assistant message ends at the tag; anything
// the model produced after it in the same chunk is discarded.
func (ls *loopState) truncateAtToolTag() {
	raw := ls.raw.String()
	turn := raw[ls.turnStart:]
	idx := strings.Index(turn, "<edward_command")
	if j := strings.Index(turn, "<edward_web_search"); j >= 0 && (idx < 0 || j < idx) {
		idx = j
	}
	if idx < 0 {
		return
	}
	end := strings.Index(turn[idx:], ">")
	if end < 0 {
		return
	}
	cut := ls.turnStart + idx + end + 1
	if cut >= len(raw) {
		return
	}
	ls.raw.Reset()
	ls.raw.WriteString(raw[:cut])
}

// consume drains one model turn, feeding chunks through the parser and
// applying side effects. It returns a tool request when the model paused for
// one, or (nil, nil) when the turn ended cleanly.
func (o *Orchestrator) consume(ctx context.Context, st *streamState, p *parser.Parser,
	sess *Session, wf *workflow.Workflow, ls *loopState, chunks <-chan string, errs <-chan error) (*toolReq, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				if err := <-errs; err != nil {
					return nil, err
				}
				return nil, nil
			}
			ls.raw.WriteString(chunk)
			if ls.raw.Len() > o.cfg.MaxRawBytes {
				return nil, apperr.New(apperr.KindValidation, "raw model output exceeds size limit").
					WithCode("raw_limit_exceeded")
			}
			for _, ev := range p.Process(chunk) {
				req, stop := o.handleEvent(ctx, st, sess, wf, ls, ev)
				if req != nil {
					ls.truncateAtToolTag()
					return req, nil
				}
				if stop {
					return nil, nil
				}
			}
		}
	}
}

// handleEvent applies one parsed event: emit, side effects, budget. A
// returned toolReq pauses the turn; stop=true ends the whole loop.
func (o *Orchestrator) handleEvent(ctx context.Context, st *streamState, sess *Session,
	wf *workflow.Workflow, ls *loopState, ev events.Event) (*toolReq, bool) {
	switch ev.Type {
	case events.TypeSandboxStart:
		ls.sandboxSeen = true
		st.emit(ev)
		_, existed := o.sandboxes.GetActiveSandbox(sess.ChatID)
		inst, err := o.sandboxes.Provision(ctx, sess.UserID, sess.ChatID, ev.Framework)
		if err != nil {
			o.log.Error("sandbox provisioning failed",
				zap.String("chat_id", sess.ChatID), zap.Error(err))
			st.emit(events.Error("sandbox provisioning failed", apperr.CodeOf(err)))
			return nil, false
		}
		ls.sandboxID = inst.ID
		wf.SandboxID = inst.ID
		if !existed && sess.Mode != ModeGenerate {
			if err := o.sandboxes.Restore(ctx, inst.ID); err != nil {
				o.log.Warn("workspace restore failed",
					zap.String("sandbox_id", inst.ID), zap.Error(err))
			}
		}
		if ev.Framework != "" && wf.Context.Framework == "" {
			wf.Context.Framework = ev.Framework
		}

	case events.TypeFileStart:
		path, err := sandbox.NormalizePath(ev.Path)
		if err != nil {
			st.emit(events.Error(fmt.Sprintf("invalid file path %q", ev.Path), apperr.CodeOf(err)))
			ls.currentFile = ev.Path
			ls.skipFile = true
			return nil, false
		}
		ls.currentFile = path
		ls.skipFile = false
		if ls.sandboxID != "" {
			if err := o.sandboxes.PrepareFile(ctx, ls.sandboxID, path); err != nil {
				o.log.Error("file prepare failed",
					zap.String("path", path), zap.Error(err))
				st.emit(events.Error("could not prepare file "+path, apperr.CodeOf(err)))
				ls.skipFile = true
				return nil, false
			}
		}
		ev.Path = path
		st.emit(ev)

	case events.TypeFileContent:
		if ls.skipFile {
			return nil, false
		}
		if ls.sandboxID != "" {
			if err := o.sandboxes.WriteFile(ctx, ls.sandboxID, ls.currentFile, ev.Delta); err != nil {
				o.log.Error("file write failed",
					zap.String("path", ls.currentFile), zap.Error(err))
				st.emit(events.Error("could not write file "+ls.currentFile, apperr.CodeOf(err)))
				ls.skipFile = true
				return nil, false
			}
		}
		ev.Path = ls.currentFile
		st.emit(ev)

	case events.TypeFileEnd:
		if ls.skipFile {
			ls.skipFile = false
			ls.currentFile = ""
			return nil, false
		}
		ev.Path = ls.currentFile
		ls.currentFile = ""
		st.emit(ev)
		ls.fileEnds++
		if ls.fileEnds%o.cfg.CheckpointFileEnds == 0 {
			o.checkpoint(ctx, ls, wf.ID)
		}

	case events.TypeInstallStart:
		st.emit(ev)

	case events.TypeInstallContent:
		st.emit(ev)
		if len(ev.Dependencies) > 0 {
			wf.Context.RequestedPackages = ev.Dependencies
			if ev.Framework != "" {
				wf.Context.Framework = ev.Framework
			}
			o.advanceThrough(ctx, st, wf, ls, workflow.StepResolvePackages)
		}

	case events.TypeSandboxEnd:
		st.emit(ev)
		if ls.sandboxID != "" {
			if err := o.sandboxes.Flush(ctx, ls.sandboxID, false); err != nil {
				o.log.Warn("sandbox flush failed", zap.Error(err))
			}
			id := ls.sandboxID
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				bctx, bcancel := context.WithTimeout(context.Background(), time.Minute)
				defer bcancel()
				if err := o.sandboxes.Backup(bctx, id); err != nil {
					o.log.Warn("workspace backup failed",
						zap.String("sandbox_id", id), zap.Error(err))
				}
			}()
			if wf.CurrentStep == workflow.StepInstallPackages {
				o.advanceThrough(ctx, st, wf, ls, workflow.StepInstallPackages)
			}
		}

	case events.TypeCommand:
		ls.toolCalls++
		if ls.toolCalls > o.cfg.MaxToolCalls {
			ls.stopReason = events.LoopStopToolLimit
			return nil, true
		}
		st.emit(ev)
		return &toolReq{command: ev.Command, args: ev.Args}, false

	case events.TypeWebSearch:
		ls.toolCalls++
		if ls.toolCalls > o.cfg.MaxToolCalls {
			ls.stopReason = events.LoopStopToolLimit
			return nil, true
		}
		st.emit(ev)
		return &toolReq{search: true, query: ev.Query, maxResults: ev.MaxResults}, false

	default:
		st.emit(ev)
	}
	return nil, false
}

// streamSteps are the phases the orchestrator drives while the model is still
// streaming; everything after INSTALL_PACKAGES waits for the stream to end.
var streamSteps = map[workflow.Step]int{
	workflow.StepPlan:            0,
	workflow.StepAnalyze:         1,
	workflow.StepResolvePackages: 2,
	workflow.StepInstallPackages: 3,
}

// advanceThrough runs the workflow up to and including the given phase. A
// validation failure leaves a retry prompt for the next model turn.
func (o *Orchestrator) advanceThrough(ctx context.Context, st *streamState,
	wf *workflow.Workflow, ls *loopState, until workflow.Step) {
	limit := streamSteps[until]
	for !wf.Terminal() {
		idx, ok := streamSteps[wf.CurrentStep]
		if !ok || idx > limit {
			return
		}
		prev := wf.CurrentStep
		res, err := o.engine.Advance(ctx, wf, nil)
		if err != nil {
			o.log.Warn("workflow advance failed",
				zap.String("workflow_id", wf.ID),
				zap.String("step", string(prev)),
				zap.Error(err))
			return
		}
		if !res.Success {
			if hint, ok := res.Data["retryPrompt"].(string); ok && hint != "" {
				ls.retryPrompt = hint
			}
			if res.Error != "" && wf.CurrentStep != prev {
				st.emit(events.Error(res.Error, "phase_failed"))
			}
			return
		}
	}
}

// execTool executes one tool request and renders the synthetic message for
// the next turn. Tool failures are folded into the message, never fatal.
func (o *Orchestrator) execTool(ctx context.Context, ls *loopState, req *toolReq) string {
	if req.search {
		if o.searcher == nil {
			return "Web search is not available."
		}
		results, err := o.searcher.Search(ctx, req.query, req.maxResults)
		if err != nil {
			return fmt.Sprintf("Web search for %q failed: %v", req.query, err)
		}
		return tools.FormatSearchResults(req.query, results)
	}

	if ls.sandboxID == "" {
		return "No sandbox is active yet; emit the sandbox block before running commands."
	}
	out, err := o.shell.Run(ctx, ls.sandboxID, req.command, req.args)
	if err != nil {
		out = "command failed: " + err.Error()
	}
	return tools.FormatShellResult(req.command, req.args, out)
}

// finishNormal closes a session that reached the end of its loop: parser
// flush, final sandbox flush, durable completion, then the post-stream build.
func (o *Orchestrator) finishNormal(ctx context.Context, st *streamState, p *parser.Parser,
	sess *Session, wf *workflow.Workflow, ls *loopState, start time.Time) error {
	for _, ev := range p.Flush() {
		o.handleEvent(ctx, st, sess, wf, ls, ev)
	}
	if ls.sandboxID != "" {
		if err := o.sandboxes.Flush(ctx, ls.sandboxID, true); err != nil {
			o.log.Warn("final sandbox flush failed", zap.Error(err))
		}
	}

	ls.rec.Status = run.StatusCompleted
	ls.rec.State = run.StateComplete
	ls.rec.TerminationReason = sql.NullString{String: events.TerminationNormal, Valid: true}
	if ls.stopReason != "" {
		ls.rec.LoopStopReason = sql.NullString{String: ls.stopReason, Valid: true}
	}
	o.checkpoint(ctx, ls, wf.ID)

	meta := events.Meta(events.PhaseSessionComplete)
	meta.RunID = sess.RunID
	meta.Turn = ls.turn
	meta.TerminationReason = events.TerminationNormal
	meta.LoopStopReason = ls.stopReason
	st.emit(meta)
	st.done()

	o.observe(events.TerminationNormal, ls, start)
	o.finalizeAsync(sess, wf, st)
	return nil
}

// finishAbnormal classifies a loop error: client disconnect, wall-clock
// timeout, or stream failure.
func (o *Orchestrator) finishAbnormal(parent, sctx context.Context, st *streamState, p *parser.Parser,
	sess *Session, wf *workflow.Workflow, ls *loopState, start time.Time, cause error) error {
	switch {
	case parent.Err() != nil:
		return o.finishDisconnect(st, p, sess, wf, ls, start)
	case sctx.Err() != nil:
		return o.finishTimeout(st, p, sess, wf, ls, start)
	default:
		return o.finishFailure(st, p, sess, wf, ls, start, cause)
	}
}

// finishDisconnect persists everything already streamed and keeps the
// sandbox alive so the client can resume against the same workspace.
func (o *Orchestrator) finishDisconnect(st *streamState, p *parser.Parser,
	sess *Session, wf *workflow.Workflow, ls *loopState, start time.Time) error {
	st.markClosed()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, ev := range p.Flush() {
		o.handleEvent(ctx, st, sess, wf, ls, ev)
	}
	if ls.sandboxID != "" {
		if err := o.sandboxes.Flush(ctx, ls.sandboxID, true); err != nil {
			o.log.Warn("flush after disconnect failed", zap.Error(err))
		}
	}

	ls.rec.Status = run.StatusCancelled
	ls.rec.State = run.StateCancelled
	ls.rec.TerminationReason = sql.NullString{String: events.TerminationClientDisconnect, Valid: true}
	o.checkpoint(ctx, ls, wf.ID)

	meta := events.Meta(events.PhaseSessionComplete)
	meta.RunID = sess.RunID
	meta.Turn = ls.turn
	meta.TerminationReason = events.TerminationClientDisconnect
	st.emit(meta)

	o.observe(events.TerminationClientDisconnect, ls, start)
	o.log.Info("client disconnected mid-stream, sandbox kept",
		zap.String("run_id", sess.RunID),
		zap.String("sandbox_id", ls.sandboxID))
	return nil
}

// finishTimeout ends a session that hit the wall clock: the sandbox is torn
// down and the run marked failed.
func (o *Orchestrator) finishTimeout(st *streamState, p *parser.Parser,
	sess *Session, wf *workflow.Workflow, ls *loopState, start time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, ev := range p.Flush() {
		o.handleEvent(ctx, st, sess, wf, ls, ev)
	}
	st.emit(events.Error("stream exceeded wall-clock limit", "stream_timeout"))
	o.teardownSandbox(ctx, ls)

	ls.rec.Status = run.StatusFailed
	ls.rec.State = run.StateFailed
	ls.rec.TerminationReason = sql.NullString{String: events.TerminationStreamTimeout, Valid: true}
	ls.rec.ErrorMessage = sql.NullString{String: "stream exceeded wall-clock limit", Valid: true}
	o.checkpoint(ctx, ls, wf.ID)

	meta := events.Meta(events.PhaseSessionComplete)
	meta.RunID = sess.RunID
	meta.Turn = ls.turn
	meta.TerminationReason = events.TerminationStreamTimeout
	st.emit(meta)
	st.done()

	o.observe(events.TerminationStreamTimeout, ls, start)
	return apperr.New(apperr.KindTimeout, "stream exceeded wall-clock limit").WithCode("stream_timeout")
}

// finishFailure ends a session whose model stream broke. Partial output is
// already persisted through the checkpoint and event log.
func (o *Orchestrator) finishFailure(st *streamState, p *parser.Parser,
	sess *Session, wf *workflow.Workflow, ls *loopState, start time.Time, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, ev := range p.Flush() {
		o.handleEvent(ctx, st, sess, wf, ls, ev)
	}
	code := apperr.CodeOf(cause)
	if code == "" {
		code = "stream_failed"
	}
	st.emit(events.Error(cause.Error(), code))
	o.teardownSandbox(ctx, ls)

	ls.rec.Status = run.StatusFailed
	ls.rec.State = run.StateFailed
	ls.rec.TerminationReason = sql.NullString{String: events.TerminationStreamFailed, Valid: true}
	ls.rec.ErrorMessage = sql.NullString{String: cause.Error(), Valid: true}
	o.checkpoint(ctx, ls, wf.ID)

	meta := events.Meta(events.PhaseSessionComplete)
	meta.RunID = sess.RunID
	meta.Turn = ls.turn
	meta.TerminationReason = events.TerminationStreamFailed
	st.emit(meta)
	st.done()

	o.observe(events.TerminationStreamFailed, ls, start)
	o.log.Error("stream failed", zap.String("run_id", sess.RunID), zap.Error(cause))
	return cause
}

func (o *Orchestrator) teardownSandbox(ctx context.Context, ls *loopState) {
	if ls.sandboxID == "" {
		return
	}
	if err := o.sandboxes.Cleanup(ctx, ls.sandboxID); err != nil {
		o.log.Warn("sandbox cleanup failed",
			zap.String("sandbox_id", ls.sandboxID), zap.Error(err))
	}
	ls.sandboxID = ""
}

// finalizeAsync drives the remaining build phases after the SSE channel is
// done. Status frames reach late subscribers through the hub and event log.
func (o *Orchestrator) finalizeAsync(sess *Session, wf *workflow.Workflow, st *streamState) {
	if wf.Terminal() {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.WallClock)
		defer cancel()

		// Enough iterations for every phase plus the recover budget.
		for i := 0; i < 24 && !wf.Terminal(); i++ {
			prev := wf.CurrentStep
			res, err := o.engine.Advance(ctx, wf, nil)
			if err != nil {
				o.log.Warn("post-stream advance failed",
					zap.String("workflow_id", wf.ID),
					zap.String("step", string(prev)),
					zap.Error(err))
				return
			}
			o.emitPhaseStatus(st, wf, res)
			if !res.Success && wf.CurrentStep == prev {
				// Lock held elsewhere; whoever holds it finishes the job.
				return
			}
		}
	}()
}

// emitPhaseStatus publishes build progress frames for the post-stream phases.
func (o *Orchestrator) emitPhaseStatus(st *streamState, wf *workflow.Workflow, res workflow.StepResult) {
	switch res.Step {
	case workflow.StepGenerate, workflow.StepBuild, workflow.StepRecover:
		ev := events.Event{V: events.Version, Type: events.TypeBuildStatus, Phase: string(res.Step)}
		if res.Success {
			ev.Status = "ok"
		} else {
			ev.Status = "failed"
			if report, ok := res.Data["errorReport"].(string); ok {
				ev.ErrorReport = report
			}
		}
		st.emit(ev)
	case workflow.StepDeploy:
		if res.Success {
			ev := events.Event{V: events.Version, Type: events.TypePreviewURL, PreviewURL: wf.Context.PreviewURL}
			st.emit(ev)
		} else {
			st.emit(events.Error("deploy failed: "+res.Error, "deploy_failed"))
		}
	}
}

// loadWorkflow resumes the session's workflow or starts a fresh one at PLAN.
func (o *Orchestrator) loadWorkflow(ctx context.Context, sess *Session) *workflow.Workflow {
	if sess.WorkflowID != "" {
		wf, err := o.workflows.Load(ctx, sess.WorkflowID)
		if err == nil {
			return wf
		}
		o.log.Warn("workflow resume failed, starting fresh",
			zap.String("workflow_id", sess.WorkflowID), zap.Error(err))
	}
	wf := workflow.New(sess.UserID, sess.ChatID, sess.UserContent, sess.Framework)
	if inst, ok := o.sandboxes.GetActiveSandbox(sess.ChatID); ok {
		wf.SandboxID = inst.ID
	}
	if err := o.workflows.Save(ctx, wf); err != nil {
		o.log.Warn("workflow save failed", zap.String("workflow_id", wf.ID), zap.Error(err))
	}
	sess.WorkflowID = wf.ID
	return wf
}

// loadProjectContext fills the session with current project files: live
// sandbox first, last snapshot otherwise.
func (o *Orchestrator) loadProjectContext(ctx context.Context, sess *Session) {
	if inst, ok := o.sandboxes.GetActiveSandbox(sess.ChatID); ok {
		files, err := o.sandboxes.WorkspaceFiles(ctx, inst.ID)
		if err != nil {
			o.log.Warn("workspace read failed", zap.String("sandbox_id", inst.ID), zap.Error(err))
		} else if len(files) > 0 {
			sess.ProjectContext = files
			return
		}
	}
	files, err := o.sandboxes.LoadSnapshot(ctx, sess.UserID, sess.ChatID)
	if err != nil {
		o.log.Warn("snapshot load failed", zap.String("chat_id", sess.ChatID), zap.Error(err))
		return
	}
	sess.ProjectContext = files
}

// checkpoint persists the resume position on the run row.
func (o *Orchestrator) checkpoint(ctx context.Context, ls *loopState, workflowID string) {
	cp := run.Checkpoint{
		Turn:               ls.turn,
		RawResponse:        ls.raw.String(),
		SandboxTagDetected: ls.sandboxSeen,
		TotalToolCalls:     ls.toolCalls,
		WorkflowID:         workflowID,
	}
	if err := ls.rec.SetCheckpoint(cp); err != nil {
		o.log.Warn("checkpoint encode failed", zap.Error(err))
		return
	}
	if err := o.runs.UpdateRun(ctx, ls.rec); err != nil {
		o.log.Warn("checkpoint persist failed", zap.String("run_id", ls.rec.ID), zap.Error(err))
	}
}

func (o *Orchestrator) observe(termination string, ls *loopState, start time.Time) {
	metrics.StreamsCompleted.WithLabelValues(termination).Inc()
	metrics.StreamTurns.Observe(float64(ls.turn))
	metrics.StreamDuration.Observe(time.Since(start).Seconds())
}
