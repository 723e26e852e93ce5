package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/edward-labs/edward/internal/events"
	"github.com/edward-labs/edward/internal/run"
)

// handleReplay re-serves a run's event stream over SSE: the durable log
// first, then live frames while the run is still in flight. Reconnecting
// clients resume with Last-Event-ID or ?after=<seq>.
func (a *API) handleReplay(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")
	rec, err := a.runs.GetRun(r.Context(), runID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	if !ownsRun(r, rec) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not your run"})
		return
	}

	after := int64(0)
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		after, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := r.URL.Query().Get("after"); v != "" {
		after, _ = strconv.ParseInt(v, 10, 64)
	}

	sw, err := events.NewSSEWriter(w)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	// Subscribe before reading the log so nothing published in between is
	// lost; duplicates are filtered by sequence number below.
	live := a.hub.Subscribe(runID, 64)
	defer a.hub.Unsubscribe(runID, live)

	lastSeq := uint64(after)
	stored, err := a.runs.EventsSince(r.Context(), runID, after)
	if err != nil {
		a.log.Warn("event replay read failed", zap.String("run_id", runID), zap.Error(err))
	}
	for _, row := range stored {
		var ev events.Event
		if json.Unmarshal(row.Payload, &ev) != nil {
			continue
		}
		if ev.Seq <= lastSeq {
			continue
		}
		if sw.Emit(ev) != nil {
			return
		}
		lastSeq = ev.Seq
	}

	if terminalRun(rec.Status) {
		_ = sw.Done()
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			if sw.Emit(ev) != nil {
				return
			}
			lastSeq = ev.Seq
			if ev.Type == events.TypeMeta && ev.Phase == events.PhaseSessionComplete {
				_ = sw.Done()
				return
			}
		}
	}
}

func terminalRun(s run.Status) bool {
	switch s {
	case run.StatusCompleted, run.StatusFailed, run.StatusCancelled:
		return true
	}
	return false
}
