package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the state of the circuit breaker.
type State int

const (
	// Closed is the initial state where requests are allowed.
	Closed State = iota
	// Open state is when the circuit has tripped and requests are blocked.
	Open
	// HalfOpen lets trial requests through to test whether the dependency recovered.
	HalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "Half-Open"
	default:
		return "Unknown"
	}
}

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the Open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreaker is the interface for the circuit breaker pattern.
type CircuitBreaker interface {
	// Execute runs the given request if the circuit breaker is closed or half-open.
	Execute(req func() (interface{}, error)) (interface{}, error)
	// State returns the current state of the circuit breaker.
	State() State
}

// Option customises a breaker.
type Option func(*breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *breaker) { b.now = now }
}

// WithFailurePredicate decides which errors count against the breaker. Errors
// for which fn returns false are passed through without tripping it, e.g. a
// "not found" answer from a healthy upstream.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *breaker) { b.isFailure = fn }
}

// WithStateListener is called, outside the lock, on every state change.
func WithStateListener(fn func(from, to State)) Option {
	return func(b *breaker) { b.onChange = fn }
}

type breaker struct {
	failureThreshold     uint32        // Number of failures to trip the circuit.
	successThreshold     uint32        // Number of successes in HalfOpen state to close the circuit.
	timeout              time.Duration // Duration to wait in Open state before transitioning to HalfOpen.
	consecutiveSuccesses uint32
	consecutiveFailures  uint32
	openedAt             time.Time
	state                State
	now                  func() time.Time
	isFailure            func(error) bool
	onChange             func(from, to State)
	mutex                sync.Mutex
}

// New creates a breaker that opens after failureThreshold consecutive failures,
// stays open for timeout, and closes again after successThreshold consecutive
// successes in the half-open state.
func New(failureThreshold, successThreshold uint32, timeout time.Duration, opts ...Option) CircuitBreaker {
	if failureThreshold == 0 {
		failureThreshold = 1
	}
	if successThreshold == 0 {
		successThreshold = 1
	}
	b := &breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		state:            Closed,
		now:              time.Now,
		isFailure:        func(err error) bool { return err != nil },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current state of the circuit breaker.
func (b *breaker) State() State {
	b.mutex.Lock()
	from := b.state
	b.maybeHalfOpen()
	to := b.state
	b.mutex.Unlock()
	b.notify(from, to)
	return to
}

// Execute wraps the execution of a function with the circuit breaker logic.
func (b *breaker) Execute(req func() (interface{}, error)) (interface{}, error) {
	b.mutex.Lock()
	from := b.state
	b.maybeHalfOpen()
	to := b.state
	b.mutex.Unlock()
	b.notify(from, to)

	if to == Open {
		return nil, ErrCircuitOpen
	}

	res, err := req()
	if err != nil && b.isFailure(err) {
		b.record(false)
		return nil, err
	}
	b.record(true)
	return res, err
}

// maybeHalfOpen moves an expired Open circuit to HalfOpen. Caller holds the lock.
func (b *breaker) maybeHalfOpen() {
	if b.state == Open && b.now().Sub(b.openedAt) > b.timeout {
		b.state = HalfOpen
		b.consecutiveSuccesses = 0
	}
}

func (b *breaker) record(success bool) {
	b.mutex.Lock()
	from := b.state
	switch {
	case success && b.state == HalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.successThreshold {
			b.state = Closed
			b.consecutiveFailures = 0
			b.consecutiveSuccesses = 0
		}
	case success:
		b.consecutiveFailures = 0
	case b.state == HalfOpen:
		b.trip()
	case b.state == Closed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold {
			b.trip()
		}
	}
	to := b.state
	b.mutex.Unlock()
	b.notify(from, to)
}

// trip opens the circuit. Caller holds the lock.
func (b *breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
}

func (b *breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}

// Run is a typed wrapper around Execute. A nil breaker runs fn directly.
func Run[T any](cb CircuitBreaker, fn func() (T, error)) (T, error) {
	if cb == nil {
		return fn()
	}
	res, err := cb.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		var zero T
		if v, ok := res.(T); ok {
			return v, err
		}
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}
