// Package circuitbreaker stops calling a failing enforcement sink for a while so a
// dead Redis does not add a connection timeout to every approval.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gatekeeper/internal/metrics"

	"github.com/rs/zerolog/log"
)

// ErrOpen is returned by Allow while the breaker is rejecting calls.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state
type State int32

const (
	// StateClosed - normal operation, calls flow through
	StateClosed State = iota
	// StateOpen - calls fail fast
	StateOpen
	// StateHalfOpen - probing whether the sink recovered
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes in half-open before closing
	SuccessThreshold int
	// Timeout is how long to stay open before letting a probe through
	Timeout time.Duration
}

// DefaultConfig returns the settings used for enforcement sinks.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker guards a single named sink.
type CircuitBreaker struct {
	name   string
	config Config
	now    func() time.Time

	state        atomic.Int32
	failures     atomic.Int64 // consecutive failures
	successes    atomic.Int64 // consecutive successes in half-open
	probes       atomic.Int64 // in-flight half-open probes
	lastFailTime atomic.Int64 // unix nanos

	mu sync.Mutex // serializes state transitions
}

// New creates a closed breaker.
func New(name string, config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	cb := &CircuitBreaker{
		name:   name,
		config: config,
		now:    time.Now,
	}
	cb.state.Store(int32(StateClosed))
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

// Name returns the guarded sink name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow reports whether a call may proceed. When needsRelease is true the caller
// holds a half-open probe slot and must call Release once the call finished.
func (cb *CircuitBreaker) Allow() (needsRelease bool, err error) {
	switch State(cb.state.Load()) {
	case StateClosed:
		return false, nil

	case StateOpen:
		elapsed := cb.now().Sub(time.Unix(0, cb.lastFailTime.Load()))
		if elapsed >= cb.config.Timeout {
			cb.mu.Lock()
			if State(cb.state.Load()) == StateOpen {
				cb.transitionTo(StateHalfOpen)
			}
			cb.mu.Unlock()
			return cb.Allow()
		}
		return false, fmt.Errorf("%w for %s (retry in %v)", ErrOpen, cb.name, (cb.config.Timeout - elapsed).Round(time.Second))

	case StateHalfOpen:
		if int(cb.probes.Add(1)) > cb.config.SuccessThreshold {
			cb.probes.Add(-1)
			return false, fmt.Errorf("%w for %s: probe limit reached", ErrOpen, cb.name)
		}
		return true, nil

	default:
		return false, fmt.Errorf("circuit breaker in unknown state")
	}
}

// Release frees a half-open probe slot.
func (cb *CircuitBreaker) Release() {
	if cb.probes.Add(-1) < 0 {
		cb.probes.Store(0)
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	switch State(cb.state.Load()) {
	case StateClosed:
		cb.failures.Store(0)

	case StateHalfOpen:
		successes := cb.successes.Add(1)
		if int(successes) >= cb.config.SuccessThreshold {
			cb.mu.Lock()
			if State(cb.state.Load()) == StateHalfOpen {
				cb.transitionTo(StateClosed)
				log.Info().
					Str("sink", cb.name).
					Int64("successes", successes).
					Msg("circuit breaker recovered")
			}
			cb.mu.Unlock()
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.lastFailTime.Store(cb.now().UnixNano())

	switch State(cb.state.Load()) {
	case StateClosed:
		failures := cb.failures.Add(1)
		if int(failures) >= cb.config.FailureThreshold {
			cb.mu.Lock()
			if State(cb.state.Load()) == StateClosed {
				cb.transitionTo(StateOpen)
				log.Error().
					Str("sink", cb.name).
					Int64("failures", failures).
					Msg("circuit breaker opened")
			}
			cb.mu.Unlock()
		}

	case StateHalfOpen:
		cb.mu.Lock()
		if State(cb.state.Load()) == StateHalfOpen {
			cb.transitionTo(StateOpen)
			log.Warn().
				Str("sink", cb.name).
				Msg("circuit breaker reopened after half-open failure")
		}
		cb.mu.Unlock()
	}
}

// transitionTo changes state and resets counters (caller holds mu).
func (cb *CircuitBreaker) transitionTo(newState State) {
	oldState := State(cb.state.Load())
	cb.state.Store(int32(newState))
	cb.failures.Store(0)
	cb.successes.Store(0)
	cb.probes.Store(0)

	metrics.BreakerState.WithLabelValues(cb.name).Set(float64(newState))
	metrics.BreakerTransitions.WithLabelValues(cb.name, oldState.String(), newState.String()).Inc()

	log.Info().
		Str("sink", cb.name).
		Str("old_state", oldState.String()).
		Str("new_state", newState.String()).
		Msg("circuit breaker state transition")
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() State {
	return State(cb.state.Load())
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
}
