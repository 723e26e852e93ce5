package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/edward-labs/edward/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth already ran; browser clients connect from arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleWS mirrors a run's event stream over WebSocket, for clients that
// need bidirectional transport instead of SSE.
func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
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

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	live := a.hub.Subscribe(runID, 64)
	defer a.hub.Unsubscribe(runID, live)

	// The hub ring covers the recent past; older frames come from the
	// replay endpoint.
	var lastSeq uint64
	for _, ev := range a.hub.ReplaySince(runID, 0) {
		if writeFrame(conn, ev) != nil {
			return
		}
		lastSeq = ev.Seq
	}

	// Reader goroutine surfaces client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if conn.WriteMessage(websocket.PingMessage, nil) != nil {
				return
			}
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			if writeFrame(conn, ev) != nil {
				return
			}
			lastSeq = ev.Seq
			if ev.Type == events.TypeMeta && ev.Phase == events.PhaseSessionComplete {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session complete"))
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, ev events.Event) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, ev.Marshal())
}
