package events

import (
	"fmt"
	"net/http"
)

// DoneMarker is the literal end-of-stream frame.
const DoneMarker = "data: [DONE]\n\n"

// SSEWriter encodes events as Server-Sent-Events frames on an HTTP response.
// Writes happen on the caller's goroutine; the writer is not safe for
// concurrent use.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares w for event streaming and returns a writer, or an
// error if the ResponseWriter cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Emit writes one event frame and flushes it to the client.
func (s *SSEWriter) Emit(e Event) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", e.Marshal()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Done writes the [DONE] marker.
func (s *SSEWriter) Done() error {
	if _, err := fmt.Fprint(s.w, DoneMarker); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Comment writes an SSE comment line, used for keep-alive pings.
func (s *SSEWriter) Comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
