package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edward-labs/edward/internal/apperr"
	"github.com/edward-labs/edward/internal/events"
	"github.com/edward-labs/edward/internal/kv"
	"github.com/edward-labs/edward/internal/llm"
	"github.com/edward-labs/edward/internal/locks"
	"github.com/edward-labs/edward/internal/run"
	"github.com/edward-labs/edward/internal/sandbox"
	"github.com/edward-labs/edward/internal/skills"
	"github.com/edward-labs/edward/internal/storage"
	"github.com/edward-labs/edward/internal/streamhub"
	"github.com/edward-labs/edward/internal/tools"
	"github.com/edward-labs/edward/internal/workflow"
)

type fixture struct {
	orch    *Orchestrator
	rt      *sandbox.MemRuntime
	mgr     *sandbox.Manager
	runs    *run.Store
	wfStore *workflow.Store
	obj     *storage.MemStore
	hub     *streamhub.Hub
}

func newFixture(t *testing.T, model llm.Client, cfg Config) *fixture {
	t.Helper()
	log := zap.NewNop()

	mr := miniredis.RunT(t)
	kvStore := kv.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), log)
	lockMgr := locks.NewManager(kvStore, log)
	wfStore := workflow.NewStore(kvStore)

	obj := storage.NewMemStore()
	rt := sandbox.NewMemRuntime()
	mgr := sandbox.NewManager(rt, obj, kvStore, sandbox.Config{FlushDebounce: 5 * time.Millisecond}, log)
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	phases := workflow.NewPhases(mgr, model, obj, "https://preview.edward.dev", log)
	engine := workflow.NewEngine(wfStore, lockMgr, phases.Executors(), log).
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil })

	runs, err := run.Open(run.Options{
		Driver: "sqlite3",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String()),
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { runs.Close() })

	hub := streamhub.New(256)
	orch := New(cfg, model, mgr, engine, wfStore, runs, hub,
		tools.NewShell(mgr), &tools.FakeSearcher{}, skills.NewRegistry(), nil, log)

	return &fixture{orch: orch, rt: rt, mgr: mgr, runs: runs, wfStore: wfStore, obj: obj, hub: hub}
}

// waitForEvent polls the durable log until an event matches. The log is
// written by background workers, so tests never assume it is caught up.
func (f *fixture) waitForEvent(t *testing.T, runID string, match func(events.Event) bool) events.Event {
	t.Helper()
	var found events.Event
	require.Eventually(t, func() bool {
		rows, err := f.runs.EventsSince(context.Background(), runID, 0)
		if err != nil {
			return false
		}
		for _, row := range rows {
			var ev events.Event
			if json.Unmarshal(row.Payload, &ev) != nil {
				continue
			}
			if match(ev) {
				found = ev
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return found
}

const happyResponse = "Building your todo app now.\n" +
	"<edward_install>\nframework: nextjs\n- zustand\n</edward_install>\n" +
	"<edward_sandbox id=\"main\">\n" +
	"<file path=\"package.json\">\n{\"name\":\"app\"}\n</file>\n" +
	"<file path=\"src/app/page.tsx\">\nexport default function Page() {}\n</file>\n" +
	"</edward_sandbox>\n" +
	"<edward_done/>\nAll set.\n"

func TestGenerateSessionHappyPath(t *testing.T) {
	model := llm.NewScripted(happyResponse)
	model.ChunkSize = 7
	f := newFixture(t, model, Config{})

	sess := &Session{UserID: "u1", ChatID: "chat1", Mode: ModeGenerate, UserContent: "build a todo app", IsNewChat: true}
	rec := httptest.NewRecorder()
	require.NoError(t, f.orch.Run(context.Background(), rec, sess))
	f.orch.Wait()

	body := rec.Body.String()
	assert.Contains(t, body, `"phase":"session_start"`)
	assert.Contains(t, body, `"type":"install_content"`)
	assert.Contains(t, body, `"type":"file_end"`)
	assert.Contains(t, body, `"termination_reason":"NORMAL"`)
	assert.Contains(t, body, "data: [DONE]")
	assert.Less(t,
		strings.Index(body, `"type":"sandbox_start"`),
		strings.Index(body, `"type":"file_start"`))

	inst, ok := f.mgr.GetActiveSandbox("chat1")
	require.True(t, ok)
	files := f.rt.Files(inst.ContainerID)
	assert.Contains(t, files[sandbox.DefaultWorkspace+"/package.json"], `{"name":"app"}`)
	assert.Contains(t, files[sandbox.DefaultWorkspace+"/src/app/page.tsx"], "export default function Page")

	// The post-stream phases finish the workflow and publish a preview.
	wf, err := f.wfStore.Load(context.Background(), sess.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, wf.Status)
	assert.Equal(t, "https://preview.edward.dev/chat1", wf.Context.PreviewURL)
	assert.Equal(t, []string{"zustand"}, wf.Context.ResolvedPackages)

	r, err := f.runs.GetRun(context.Background(), sess.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, events.TerminationNormal, r.TerminationReason.String)
	cp, hasCP, err := r.GetCheckpoint()
	require.NoError(t, err)
	require.True(t, hasCP)
	assert.True(t, cp.SandboxTagDetected)
	assert.Equal(t, 1, cp.Turn)

	// Preview frame reaches the durable log even though SSE is closed.
	preview := f.waitForEvent(t, sess.RunID, func(ev events.Event) bool {
		return ev.Type == events.TypePreviewURL
	})
	assert.Equal(t, "https://preview.edward.dev/chat1", preview.PreviewURL)
}

func TestMalformedFilePathEmitsErrorAndContinues(t *testing.T) {
	resp := "<edward_sandbox id=\"main\">\n" +
		"<file path=\"../../etc/passwd\">\nroot:x:0:0\n</file>\n" +
		"<file path=\"src/ok.ts\">\nexport const ok = true\n</file>\n" +
		"</edward_sandbox>\n<edward_done/>\n"
	model := llm.NewScripted(resp)
	f := newFixture(t, model, Config{})

	sess := &Session{UserID: "u1", ChatID: "chat1", UserContent: "edit"}
	rec := httptest.NewRecorder()
	require.NoError(t, f.orch.Run(context.Background(), rec, sess))
	f.orch.Wait()

	f.waitForEvent(t, sess.RunID, func(ev events.Event) bool {
		return ev.Type == events.TypeError && ev.Code == "invalid_path"
	})
	f.waitForEvent(t, sess.RunID, func(ev events.Event) bool {
		return ev.Type == events.TypeFileStart && ev.Path == "src/ok.ts"
	})
	// The escaping path never appears as a file frame, in any state of the log.
	rows, err := f.runs.EventsSince(context.Background(), sess.RunID, 0)
	require.NoError(t, err)
	for _, row := range rows {
		var ev events.Event
		require.NoError(t, json.Unmarshal(row.Payload, &ev))
		if ev.Type == events.TypeFileStart || ev.Type == events.TypeFileContent {
			assert.NotContains(t, ev.Path, "..")
		}
	}

	inst, ok := f.mgr.GetActiveSandbox("chat1")
	require.True(t, ok)
	files := f.rt.Files(inst.ContainerID)
	assert.Contains(t, files[sandbox.DefaultWorkspace+"/src/ok.ts"], "export const ok")
	for path, content := range files {
		assert.NotContains(t, path, "passwd")
		assert.NotContains(t, content, "root:x:0:0")
	}

	r, err := f.runs.GetRun(context.Background(), sess.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)
}

// hangingClient streams a fixed prefix, signals, then blocks until the
// context dies.
type hangingClient struct {
	prefix string
	sent   chan struct{}
}

func (h *hangingClient) Generate(ctx context.Context, req llm.Request) (string, error) {
	return "", errors.New("not streaming")
}

func (h *hangingClient) Stream(ctx context.Context, req llm.Request) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case chunks <- h.prefix:
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		}
		if h.sent != nil {
			close(h.sent)
		}
		<-ctx.Done()
		errs <- ctx.Err()
	}()
	return chunks, errs
}

func TestClientDisconnectKeepsSandbox(t *testing.T) {
	model := &hangingClient{
		prefix: "<edward_sandbox id=\"main\">\n<file path=\"src/app.ts\">\nconst x = 1",
		sent:   make(chan struct{}),
	}
	f := newFixture(t, model, Config{})

	parent, cancel := context.WithCancel(context.Background())
	go func() {
		<-model.sent
		cancel()
	}()

	sess := &Session{UserID: "u1", ChatID: "chat1", UserContent: "build"}
	rec := httptest.NewRecorder()
	require.NoError(t, f.orch.Run(parent, rec, sess))
	f.orch.Wait()

	// The workspace survives for the next request against this chat.
	inst, ok := f.mgr.GetActiveSandbox("chat1")
	require.True(t, ok)
	assert.Contains(t, f.rt.Files(inst.ContainerID)[sandbox.DefaultWorkspace+"/src/app.ts"], "const x = 1")

	r, err := f.runs.GetRun(context.Background(), sess.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, r.Status)
	assert.Equal(t, events.TerminationClientDisconnect, r.TerminationReason.String)

	terminal := f.waitForEvent(t, sess.RunID, func(ev events.Event) bool {
		return ev.Type == events.TypeMeta && ev.Phase == events.PhaseSessionComplete
	})
	assert.Equal(t, events.TerminationClientDisconnect, terminal.TerminationReason)
	assert.NotContains(t, rec.Body.String(), "data: [DONE]")
}

func TestWallClockTimeoutTearsDownSandbox(t *testing.T) {
	model := &hangingClient{prefix: "<edward_sandbox id=\"main\">\n"}
	f := newFixture(t, model, Config{WallClock: 60 * time.Millisecond})

	sess := &Session{UserID: "u1", ChatID: "chat1", UserContent: "build"}
	rec := httptest.NewRecorder()
	err := f.orch.Run(context.Background(), rec, sess)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindTimeout))
	f.orch.Wait()

	_, ok := f.mgr.GetActiveSandbox("chat1")
	assert.False(t, ok, "timed-out sessions do not keep their sandbox")

	r, gerr := f.runs.GetRun(context.Background(), sess.RunID)
	require.NoError(t, gerr)
	assert.Equal(t, run.StatusFailed, r.Status)
	assert.Equal(t, events.TerminationStreamTimeout, r.TerminationReason.String)
	assert.Contains(t, rec.Body.String(), `"code":"stream_timeout"`)
}

func TestRawOutputCapFailsStream(t *testing.T) {
	model := llm.NewScripted(strings.Repeat("x", 200))
	f := newFixture(t, model, Config{MaxRawBytes: 64})

	sess := &Session{UserID: "u1", ChatID: "chat1", UserContent: "build"}
	rec := httptest.NewRecorder()
	err := f.orch.Run(context.Background(), rec, sess)
	require.Error(t, err)
	assert.Equal(t, "raw_limit_exceeded", apperr.CodeOf(err))
	f.orch.Wait()

	r, gerr := f.runs.GetRun(context.Background(), sess.RunID)
	require.NoError(t, gerr)
	assert.Equal(t, run.StatusFailed, r.Status)
	assert.Equal(t, events.TerminationStreamFailed, r.TerminationReason.String)
	assert.Contains(t, rec.Body.String(), `"code":"raw_limit_exceeded"`)
}

func TestToolLoopFeedsResultIntoNextTurn(t *testing.T) {
	turn1 := "<edward_install>\nframework: nextjs\n- zustand\n</edward_install>\n" +
		"<edward_sandbox id=\"main\">\n" +
		"<file path=\"package.json\">\n{\"name\":\"app\"}\n</file>\n" +
		"</edward_sandbox>\n" +
		"Let me double-check the manifest.\n" +
		"<edward_command command=\"cat\" args=\"[\\\"package.json\\\"]\">\n"
	turn2 := "Looks right.\n<edward_done/>\n"
	model := llm.NewScripted(turn1, turn2)
	f := newFixture(t, model, Config{})

	sess := &Session{UserID: "u1", ChatID: "chat1", UserContent: "check the app"}
	rec := httptest.NewRecorder()
	require.NoError(t, f.orch.Run(context.Background(), rec, sess))
	f.orch.Wait()

	require.Len(t, model.Requests, 2)
	msgs := model.Requests[1].Messages
	require.GreaterOrEqual(t, len(msgs), 3)
	assistant := msgs[len(msgs)-2]
	result := msgs[len(msgs)-1]
	assert.Equal(t, llm.RoleAssistant, assistant.Role)
	assert.Contains(t, assistant.Content, "<edward_command")
	assert.Contains(t, result.Content, "Tool result for `cat package.json`")
	assert.Contains(t, result.Content, `{"name":"app"}`)

	r, err := f.runs.GetRun(context.Background(), sess.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, 2, r.CurrentTurn)
	assert.False(t, r.LoopStopReason.Valid)
}

func TestTurnTranscriptEndsAtToolTag(t *testing.T) {
	// Everything streams in one chunk, so text after the command tag is in
	// flight when the turn pauses. It must not leak into the transcript.
	turn1 := "Checking the workspace.\n" +
		"<edward_command command=\"ls\" args=\"[]\">\n" +
		"stray text after the pause\n"
	turn2 := "Done.\n<edward_done/>\n"
	model := llm.NewScripted(turn1, turn2)
	f := newFixture(t, model, Config{})

	sess := &Session{UserID: "u1", ChatID: "chat1", UserContent: "look around"}
	rec := httptest.NewRecorder()
	require.NoError(t, f.orch.Run(context.Background(), rec, sess))
	f.orch.Wait()

	require.GreaterOrEqual(t, len(model.Requests), 2)
	msgs := model.Requests[1].Messages
	require.GreaterOrEqual(t, len(msgs), 2)
	assistant := msgs[len(msgs)-2]
	assert.Equal(t, llm.RoleAssistant, assistant.Role)
	assert.Contains(t, assistant.Content, "Checking the workspace.")
	assert.NotContains(t, assistant.Content, "stray text")
	assert.True(t, strings.HasSuffix(assistant.Content, `args="[]">`),
		"assistant turn ends at the command tag, got %q", assistant.Content)
}

func TestToolBudgetStopsLoop(t *testing.T) {
	turn := "Checking.\n<edward_command command=\"ls\" args=\"[]\">\n"
	model := llm.NewScripted(turn, turn, turn, turn)
	f := newFixture(t, model, Config{MaxToolCalls: 2})

	sess := &Session{UserID: "u1", ChatID: "chat1", UserContent: "poke around"}
	rec := httptest.NewRecorder()
	require.NoError(t, f.orch.Run(context.Background(), rec, sess))
	f.orch.Wait()

	r, err := f.runs.GetRun(context.Background(), sess.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)
	require.True(t, r.LoopStopReason.Valid)
	assert.Equal(t, events.LoopStopToolLimit, r.LoopStopReason.String)
	assert.Contains(t, rec.Body.String(), `"loop_stop_reason":"TOOL_LIMIT"`)

	cp, ok, err := r.GetCheckpoint()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, cp.TotalToolCalls)
}

func TestWebSearchToolUsesSearcher(t *testing.T) {
	turn1 := "<edward_web_search query=\"next.js app router\" max_results=\"2\">\n"
	turn2 := "Thanks.\n<edward_done/>\n"
	model := llm.NewScripted(turn1, turn2)
	f := newFixture(t, model, Config{})
	searcher := &tools.FakeSearcher{Results: []tools.SearchResult{
		{Title: "App Router", URL: "https://nextjs.org/docs/app", Snippet: "Routing"},
	}}
	f.orch.searcher = searcher

	sess := &Session{UserID: "u1", ChatID: "chat1", UserContent: "research"}
	rec := httptest.NewRecorder()
	require.NoError(t, f.orch.Run(context.Background(), rec, sess))
	f.orch.Wait()

	assert.Equal(t, []string{"next.js app router"}, searcher.Queries)
	// The post-stream analyze phase may issue extra model calls; the stream
	// turns are always the first two requests.
	require.GreaterOrEqual(t, len(model.Requests), 2)
	last := model.Requests[1].Messages
	assert.Contains(t, last[len(last)-1].Content, "https://nextjs.org/docs/app")
}

func TestFixSessionLoadsSnapshotContext(t *testing.T) {
	// First session writes and backs up a workspace.
	model := llm.NewScripted(happyResponse)
	f := newFixture(t, model, Config{})
	sess := &Session{UserID: "u1", ChatID: "chat1", UserContent: "build"}
	rec := httptest.NewRecorder()
	require.NoError(t, f.orch.Run(context.Background(), rec, sess))
	f.orch.Wait()

	inst, ok := f.mgr.GetActiveSandbox("chat1")
	require.True(t, ok)
	require.NoError(t, f.mgr.Backup(context.Background(), inst.ID))
	require.NoError(t, f.mgr.Cleanup(context.Background(), inst.ID))

	// A fix session against the same chat sees the old files in its prompt.
	fixModel := llm.NewScripted("Patched.\n<edward_done/>\n")
	f.orch.model = fixModel
	fix := &Session{UserID: "u1", ChatID: "chat1", Mode: ModeFix, UserContent: "fix the page"}
	require.NoError(t, f.orch.Run(context.Background(), httptest.NewRecorder(), fix))
	f.orch.Wait()

	require.GreaterOrEqual(t, len(fixModel.Requests), 1)
	assert.Contains(t, fixModel.Requests[0].System, "package.json")
	assert.Contains(t, fixModel.Requests[0].System, `{"name":"app"}`)
}
