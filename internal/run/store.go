package run

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/edward-labs/edward/internal/metrics"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run: not found")

// schema is applied on open. Types stay on the common subset of postgres and
// sqlite so the dev driver needs no separate migrations.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id                   TEXT PRIMARY KEY,
	chat_id              TEXT NOT NULL,
	user_id              TEXT NOT NULL,
	user_message_id      TEXT NOT NULL DEFAULT '',
	assistant_message_id TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL,
	state                TEXT NOT NULL,
	current_turn         INTEGER NOT NULL DEFAULT 0,
	termination_reason   TEXT,
	loop_stop_reason     TEXT,
	error_message        TEXT,
	metadata             TEXT,
	created_at           TIMESTAMP NOT NULL,
	updated_at           TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_chat ON runs (chat_id, created_at);

CREATE TABLE IF NOT EXISTS run_events (
	run_id     TEXT NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
	seq        BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// Store persists runs synchronously and run events through an async write
// queue, so event logging never blocks the stream hot path.
type Store struct {
	db  *sqlx.DB
	log *zap.Logger

	queue  chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options for opening the store.
type Options struct {
	Driver string // "postgres" or "sqlite3"
	DSN    string
}

// Open connects, applies the schema and starts the write workers.
func Open(opts Options, log *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", opts.Driver, err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return newStore(db, log), nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sqlx.DB, log *zap.Logger) *Store {
	return newStore(db, log)
}

func newStore(db *sqlx.DB, log *zap.Logger) *Store {
	s := &Store{
		db:     db,
		log:    log,
		queue:  make(chan Event, 1024),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < 2; i++ {
		s.wg.Add(1)
		go s.writeWorker()
	}
	return s
}

// Ping reports database liveness, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateRun inserts the run header.
func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.State == "" {
		r.State = StateInit
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO runs (id, chat_id, user_id, user_message_id, assistant_message_id,
			status, state, current_turn, termination_reason, loop_stop_reason,
			error_message, metadata, created_at, updated_at)
		VALUES (:id, :chat_id, :user_id, :user_message_id, :assistant_message_id,
			:status, :state, :current_turn, :termination_reason, :loop_stop_reason,
			:error_message, :metadata, :created_at, :updated_at)`, r)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun rewrites the mutable run columns.
func (s *Store) UpdateRun(ctx context.Context, r *Run) error {
	r.UpdatedAt = time.Now().UTC()
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE runs SET status = :status, state = :state, current_turn = :current_turn,
			termination_reason = :termination_reason, loop_stop_reason = :loop_stop_reason,
			error_message = :error_message, metadata = :metadata,
			assistant_message_id = :assistant_message_id, updated_at = :updated_at
		WHERE id = :id`, r)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT * FROM runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select run: %w", err)
	}
	return &r, nil
}

// LatestRunForChat returns the newest run for a chat, for resume decisions.
func (s *Store) LatestRunForChat(ctx context.Context, chatID string) (*Run, error) {
	var r Run
	err := s.db.GetContext(ctx, &r,
		s.db.Rebind(`SELECT * FROM runs WHERE chat_id = ? ORDER BY created_at DESC LIMIT 1`), chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select latest run: %w", err)
	}
	return &r, nil
}

// AppendEvent queues one event for async persistence. The caller owns seq
// assignment and keeps it dense per run. A full queue falls back to a
// synchronous write rather than dropping the event.
func (s *Store) AppendEvent(ev Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	select {
	case s.queue <- ev:
		metrics.RunWriteQueueDepth.Set(float64(len(s.queue)))
	default:
		s.log.Warn("run event queue full, writing synchronously",
			zap.String("run_id", ev.RunID), zap.Int64("seq", ev.Seq))
		s.writeEvent(ev)
	}
}

// EventsSince returns the persisted events for a run with seq greater than
// afterSeq, in order. Used by the replay endpoint.
func (s *Store) EventsSince(ctx context.Context, runID string, afterSeq int64) ([]Event, error) {
	var out []Event
	err := s.db.SelectContext(ctx, &out,
		s.db.Rebind(`SELECT * FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq`),
		runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("select run events: %w", err)
	}
	return out, nil
}

// DeleteRun removes a run; its events go with it.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	// The FK cascade covers postgres; sqlite needs the explicit delete when
	// foreign keys are off.
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM run_events WHERE run_id = ?`), id); err != nil {
		return fmt.Errorf("delete run events: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM runs WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

func (s *Store) writeWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case ev := <-s.queue:
					s.writeEvent(ev)
				default:
					return
				}
			}
		case ev := <-s.queue:
			s.writeEvent(ev)
			metrics.RunWriteQueueDepth.Set(float64(len(s.queue)))
		}
	}
}

func (s *Store) writeEvent(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO run_events (run_id, seq, event_type, payload, created_at)
		VALUES (:run_id, :seq, :event_type, :payload, :created_at)`, ev)
	if err != nil {
		s.log.Error("run event write failed",
			zap.String("run_id", ev.RunID), zap.Int64("seq", ev.Seq), zap.Error(err))
		return
	}
	metrics.RunEventsPersisted.Inc()
}

// Close drains the write queue and closes the connection.
func (s *Store) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	return s.db.Close()
}
