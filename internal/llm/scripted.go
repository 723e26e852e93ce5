package llm

import (
	"context"
	"sync"

	"github.com/edward-labs/edward/internal/apperr"
)

// Scripted replays canned responses in order. Tests and dev mode use it in
// place of a real model endpoint.
type Scripted struct {
	mu        sync.Mutex
	responses []string
	next      int

	// ChunkSize splits streamed responses; 0 streams each response whole.
	ChunkSize int
	// Err, when set, is returned by the next call instead of a response.
	Err error

	// Requests records every request seen, for assertions.
	Requests []Request
}

// NewScripted builds a client that replays responses in order.
func NewScripted(responses ...string) *Scripted {
	return &Scripted{responses: responses}
}

func (s *Scripted) take(req Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if s.Err != nil {
		return "", s.Err
	}
	if s.next >= len(s.responses) {
		return "", apperr.New(apperr.KindInfrastructure, "scripted llm: no responses left")
	}
	r := s.responses[s.next]
	s.next++
	return r, nil
}

func (s *Scripted) Generate(ctx context.Context, req Request) (string, error) {
	return s.take(req)
}

func (s *Scripted) Stream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errs := make(chan error, 1)
	resp, err := s.take(req)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err != nil {
			errs <- err
			return
		}
		size := s.ChunkSize
		if size <= 0 {
			size = len(resp)
		}
		for i := 0; i < len(resp); i += size {
			end := i + size
			if end > len(resp) {
				end = len(resp)
			}
			select {
			case chunks <- resp[i:end]:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}
