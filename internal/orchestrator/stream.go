package orchestrator

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edward-labs/edward/internal/events"
	"github.com/edward-labs/edward/internal/metrics"
	"github.com/edward-labs/edward/internal/run"
	"github.com/edward-labs/edward/internal/streamhub"
)

// streamState is the single egress point for one run: it assigns the dense
// event sequence, writes SSE while the client is connected, and always
// publishes to the hub and the durable event log.
type streamState struct {
	mu     sync.Mutex
	sw     *events.SSEWriter
	hub    *streamhub.Hub
	runs   *run.Store
	runID  string
	seq    uint64
	closed bool
	log    *zap.Logger
}

// emit assigns the next sequence number and fans the event out. SSE write
// failures mark the channel closed; persistence continues regardless.
func (st *streamState) emit(ev events.Event) {
	st.mu.Lock()
	st.seq++
	ev.Seq = st.seq
	if ev.V == 0 {
		ev.V = events.Version
	}
	ev.Timestamp = time.Now().UTC()
	if !st.closed && st.sw != nil {
		if err := st.sw.Emit(ev); err != nil {
			st.closed = true
			st.log.Debug("sse write failed, client likely gone", zap.Error(err))
		}
	}
	st.mu.Unlock()

	metrics.ParserEvents.WithLabelValues(string(ev.Type)).Inc()
	st.hub.Publish(st.runID, ev)
	st.runs.AppendEvent(run.Event{
		RunID:     st.runID,
		Seq:       int64(ev.Seq),
		EventType: string(ev.Type),
		Payload:   ev.Marshal(),
	})
}

// done writes the [DONE] marker and closes SSE for good. Later emits still
// reach the hub and the event log.
func (st *streamState) done() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed || st.sw == nil {
		return
	}
	if err := st.sw.Done(); err != nil {
		st.log.Debug("sse done marker failed", zap.Error(err))
	}
	st.closed = true
}

// markClosed stops SSE writes without a [DONE] marker, used after client
// disconnect.
func (st *streamState) markClosed() {
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
}
