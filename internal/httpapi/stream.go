package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/edward-labs/edward/internal/auth"
	"github.com/edward-labs/edward/internal/orchestrator"
	"github.com/edward-labs/edward/internal/skills"
)

// streamRequest is the body of POST /v1/chats/{chatID}/stream.
type streamRequest struct {
	Content       string           `json:"content"`
	Mode          string           `json:"mode,omitempty"`
	Framework     string           `json:"framework,omitempty"`
	Complexity    string           `json:"complexity,omitempty"`
	IsNewChat     bool             `json:"isNewChat,omitempty"`
	UserMessageID string           `json:"userMessageId,omitempty"`
	WorkflowID    string           `json:"workflowId,omitempty"`
	History       []historyMessage `json:"history,omitempty"`
}

// handleStream runs one generation session over SSE. The per-user gate is
// taken before any model work starts and released when the stream ends.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.UserFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing identity"})
		return
	}

	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}
	chatID := r.PathValue("chatID")

	granted, err := a.gate.Acquire(r.Context(), id.UserID)
	if err != nil || !granted {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": "too many concurrent sessions",
			"limit": a.gate.Limit(),
		})
		return
	}
	defer func() {
		// The request context is dead after a disconnect; release on a
		// fresh one so the slot comes back immediately instead of via TTL.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.gate.Release(ctx, id.UserID)
	}()

	sess := &orchestrator.Session{
		UserID:        id.UserID,
		ChatID:        chatID,
		Mode:          req.Mode,
		UserContent:   req.Content,
		Framework:     req.Framework,
		Complexity:    skills.Complexity(req.Complexity),
		IsNewChat:     req.IsNewChat,
		UserMessageID: req.UserMessageID,
		WorkflowID:    req.WorkflowID,
		History:       toLLMHistory(req.History),
	}

	if err := a.orch.Run(r.Context(), w, sess); err != nil {
		// The stream already carried the error frame; nothing more to send.
		a.log.Warn("stream ended with error",
			zap.String("run_id", sess.RunID),
			zap.String("chat_id", chatID),
			zap.Error(err))
	}
}
