package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Connect("sqlite3", ":memory:")
	require.NoError(t, err)
	// A single connection keeps every statement on the same in-memory db.
	db.SetMaxOpenConns(1)
	_, err = db.Exec(schema)
	require.NoError(t, err)

	s := NewWithDB(db, zap.NewNop())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &Run{
		ID:            "run-1",
		ChatID:        "chat-1",
		UserID:        "u1",
		UserMessageID: "m1",
	}
	require.NoError(t, s.CreateRun(ctx, r))
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, StateInit, r.State)

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "chat-1", got.ChatID)

	got.Status = StatusStreaming
	got.State = StateLLMStream
	got.CurrentTurn = 2
	got.AssistantMessageID = "a1"
	require.NoError(t, got.SetCheckpoint(Checkpoint{Turn: 2, SandboxTagDetected: true, TotalToolCalls: 3}))
	require.NoError(t, s.UpdateRun(ctx, got))

	again, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusStreaming, again.Status)
	assert.Equal(t, 2, again.CurrentTurn)
	cp, ok, err := again.GetCheckpoint()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, cp.Turn)
	assert.True(t, cp.SandboxTagDetected)
	assert.Equal(t, 3, cp.TotalToolCalls)

	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.UpdateRun(ctx, &Run{ID: "missing", Status: StatusFailed, State: StateFailed})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestRunForChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := &Run{ID: "run-1", ChatID: "chat-1", UserID: "u1"}
	require.NoError(t, s.CreateRun(ctx, older))
	// Force distinct created_at values.
	older.CreatedAt = older.CreatedAt.Add(-time.Minute)
	_, err := s.db.Exec(s.db.Rebind(`UPDATE runs SET created_at = ? WHERE id = ?`), older.CreatedAt, older.ID)
	require.NoError(t, err)
	require.NoError(t, s.CreateRun(ctx, &Run{ID: "run-2", ChatID: "chat-1", UserID: "u1"}))

	latest, err := s.LatestRunForChat(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "run-2", latest.ID)

	_, err = s.LatestRunForChat(ctx, "chat-none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendAndReplayEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, &Run{ID: "run-1", ChatID: "chat-1", UserID: "u1"}))

	payload, _ := json.Marshal(map[string]string{"type": "text", "delta": "hello"})
	for seq := int64(1); seq <= 5; seq++ {
		s.AppendEvent(Event{RunID: "run-1", Seq: seq, EventType: "text", Payload: payload})
	}

	require.Eventually(t, func() bool {
		evs, err := s.EventsSince(ctx, "run-1", 0)
		return err == nil && len(evs) == 5
	}, 2*time.Second, 10*time.Millisecond)

	evs, err := s.EventsSince(ctx, "run-1", 2)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	for i, ev := range evs {
		assert.Equal(t, int64(3+i), ev.Seq, "replay is ordered and dense")
		assert.Equal(t, "text", ev.EventType)
	}
}

func TestDeleteRunRemovesEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, &Run{ID: "run-1", ChatID: "chat-1", UserID: "u1"}))
	s.AppendEvent(Event{RunID: "run-1", Seq: 1, EventType: "meta", Payload: []byte(`{}`)})
	require.Eventually(t, func() bool {
		evs, err := s.EventsSince(ctx, "run-1", 0)
		return err == nil && len(evs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.DeleteRun(ctx, "run-1"))
	_, err := s.GetRun(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)
	evs, err := s.EventsSince(ctx, "run-1", 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestCheckpointAbsent(t *testing.T) {
	r := &Run{ID: "run-1", Metadata: nil}
	_, ok, err := r.GetCheckpoint()
	require.NoError(t, err)
	assert.False(t, ok)

	r.Metadata = []byte(`{"workflow":{"id":"wf-1"}}`)
	_, ok, err = r.GetCheckpoint()
	require.NoError(t, err)
	assert.False(t, ok, "metadata without a checkpoint stays readable")

	r.TerminationReason = sql.NullString{String: "NORMAL", Valid: true}
	assert.True(t, r.TerminationReason.Valid)
}
