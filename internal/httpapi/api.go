// Package httpapi exposes the service surface: the streaming generate
// endpoint, run event replay over SSE and WebSocket, workflow cancellation
// and health probes.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/edward-labs/edward/internal/auth"
	"github.com/edward-labs/edward/internal/gate"
	"github.com/edward-labs/edward/internal/health"
	"github.com/edward-labs/edward/internal/kv"
	"github.com/edward-labs/edward/internal/llm"
	"github.com/edward-labs/edward/internal/orchestrator"
	"github.com/edward-labs/edward/internal/run"
	"github.com/edward-labs/edward/internal/streamhub"
	"github.com/edward-labs/edward/internal/workflow"
)

// API bundles the handlers and their dependencies.
type API struct {
	log       *zap.Logger
	orch      *orchestrator.Orchestrator
	gate      *gate.Gate
	runs      *run.Store
	workflows *workflow.Store
	engine    *workflow.Engine
	hub       *streamhub.Hub
	mw        *auth.Middleware
	health    *health.Registry
}

// New wires the API.
func New(orch *orchestrator.Orchestrator, g *gate.Gate, runs *run.Store,
	workflows *workflow.Store, engine *workflow.Engine, hub *streamhub.Hub,
	kvStore *kv.Store, mw *auth.Middleware, log *zap.Logger) *API {
	checks := health.NewRegistry(log)
	checks.Register("redis", true, kvStore.Ping)
	checks.Register("database", true, runs.Ping)
	return &API{
		log:       log,
		orch:      orch,
		gate:      g,
		runs:      runs,
		workflows: workflows,
		engine:    engine,
		hub:       hub,
		mw:        mw,
		health:    checks,
	}
}

// Routes builds the handler tree. Health probes stay outside auth.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /readyz", a.handleReadyz)

	authed := http.NewServeMux()
	authed.HandleFunc("POST /v1/chats/{chatID}/stream", a.handleStream)
	authed.HandleFunc("GET /v1/runs/{runID}/events", a.handleReplay)
	authed.HandleFunc("GET /v1/runs/{runID}/ws", a.handleWS)
	authed.HandleFunc("GET /v1/runs/{runID}", a.handleGetRun)
	authed.HandleFunc("POST /v1/workflows/{workflowID}/cancel", a.handleCancelWorkflow)
	mux.Handle("/v1/", a.mw.Wrap(authed))
	return mux
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 6*time.Second)
	defer cancel()
	report := a.health.Run(ctx)
	code, status := http.StatusOK, "ready"
	if !report.Ready {
		code, status = http.StatusServiceUnavailable, "not ready"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": report.Checks})
}

// ownsRun reports whether the request identity may read a run. Service API
// keys see every run; users see only their own.
func ownsRun(r *http.Request, rec *run.Run) bool {
	id, ok := auth.UserFrom(r.Context())
	if !ok {
		return false
	}
	return id.APIKey || id.UserID == rec.UserID
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := a.runs.GetRun(r.Context(), r.PathValue("runID"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	if !ownsRun(r, rec) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not your run"})
		return
	}
	resp := map[string]any{
		"id":          rec.ID,
		"chatId":      rec.ChatID,
		"status":      rec.Status,
		"state":       rec.State,
		"currentTurn": rec.CurrentTurn,
		"createdAt":   rec.CreatedAt,
		"updatedAt":   rec.UpdatedAt,
	}
	if rec.TerminationReason.Valid {
		resp["terminationReason"] = rec.TerminationReason.String
	}
	if rec.LoopStopReason.Valid {
		resp["loopStopReason"] = rec.LoopStopReason.String
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := a.workflows.Load(r.Context(), r.PathValue("workflowID"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "workflow not found"})
		return
	}
	if id, ok := auth.UserFrom(r.Context()); ok && !id.APIKey && id.UserID != wf.UserID {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not your workflow"})
		return
	}
	if err := a.engine.Cancel(r.Context(), wf); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// historyMessage is one prior turn supplied by the client.
type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func toLLMHistory(msgs []historyMessage) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		role := llm.Role(m.Role)
		switch role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
		default:
			continue
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}
