// Package circuitbreaker guards the key-value and relational stores so that
// an unavailable backend degrades streams instead of hanging them.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config tunes the breaker thresholds.
type Config struct {
	MaxRequests      uint32        // probes allowed while half-open
	Interval         time.Duration // closed-state counter reset interval
	Timeout          time.Duration // open -> half-open delay
	FailureThreshold uint32        // consecutive failures to trip
	SuccessThreshold uint32        // consecutive successes to close
}

// DefaultConfig matches the store access patterns of the orchestrator:
// short calls, high volume.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

type counts struct {
	requests             uint32
	consecutiveSuccesses uint32
	consecutiveFailures  uint32
}

// Breaker implements a three-state circuit breaker.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	counts     counts
	expiry     time.Time
}

// New creates a breaker in the closed state.
func New(name string, config Config, logger *zap.Logger) *Breaker {
	return &Breaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
}

// Execute runs fn if the breaker admits the request. A context error from fn
// counts as a failure like any other.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	generation, err := b.before()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.after(generation, false)
			panic(r)
		}
	}()
	err = fn()
	b.after(generation, err == nil)
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	state, _ := b.currentState(now)
	return state
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, ErrOpen
	}
	if state == StateHalfOpen && b.counts.requests >= b.config.MaxRequests {
		return generation, ErrTooManyRequests
	}
	b.counts.requests++
	return generation, nil
}

func (b *Breaker) after(before uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)
	if generation != before {
		return
	}
	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.consecutiveFailures = 0
	case StateHalfOpen:
		b.counts.consecutiveSuccesses++
		if b.counts.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.consecutiveFailures++
		if b.counts.consecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	b.logger.Info("circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
	)
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = counts{}
	switch b.state {
	case StateClosed:
		if b.config.Interval == 0 {
			b.expiry = time.Time{}
		} else {
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	default:
		b.expiry = time.Time{}
	}
}
