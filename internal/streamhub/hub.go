// Package streamhub is the in-memory pub/sub for run events. Reconnecting
// SSE and WebSocket clients replay the per-run ring buffer via Last-Event-ID.
package streamhub

import (
	"sync"

	"github.com/edward-labs/edward/internal/events"
)

const defaultCapacity = 256

// Hub fans run events out to subscribers, keeping a bounded history per run.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan events.Event]struct{}
	history     map[string]*ring
	capacity    int
}

// New creates a hub with the given per-run replay capacity.
func New(capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Hub{
		subscribers: make(map[string]map[chan events.Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe registers a buffered channel for runID. The caller must drain it
// and call Unsubscribe when done.
func (h *Hub) Subscribe(runID string, buffer int) chan events.Event {
	ch := make(chan events.Event, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subscribers[runID]
	if subs == nil {
		subs = make(map[chan events.Event]struct{})
		h.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes the channel.
func (h *Hub) Unsubscribe(runID string, ch chan events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subscribers[runID]; ok {
		if _, present := subs[ch]; !present {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(h.subscribers, runID)
		}
	}
}

// Publish records the event in history and delivers it without blocking.
// Slow subscribers lose frames; the durable transcript is the run store.
func (h *Hub) Publish(runID string, evt events.Event) {
	h.mu.Lock()
	rg := h.history[runID]
	if rg == nil {
		rg = newRing(h.capacity)
		h.history[runID] = rg
	}
	rg.push(evt)
	subs := h.subscribers[runID]
	targets := make([]chan events.Event, 0, len(subs))
	for ch := range subs {
		targets = append(targets, ch)
	}
	h.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ReplaySince returns buffered events with Seq > since, best effort within
// ring capacity.
func (h *Hub) ReplaySince(runID string, since uint64) []events.Event {
	h.mu.RLock()
	rg := h.history[runID]
	h.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the history of a finished run.
func (h *Hub) Forget(runID string) {
	h.mu.Lock()
	delete(h.history, runID)
	h.mu.Unlock()
}

// ring is a fixed-capacity buffer of events.
type ring struct {
	buf   []events.Event
	start int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]events.Event, capacity)}
}

func (r *ring) push(e events.Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []events.Event {
	if r.count == 0 {
		return nil
	}
	out := make([]events.Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
