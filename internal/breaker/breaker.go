package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker rejects a call without attempting the
// downstream transport.
var ErrOpen = errors.New("circuit breaker is open")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// CircuitBreaker guards the mail transport. It models the health of the
// downstream dependency, not of any individual job, so one instance is shared
// by every job a consumer processes. In the closed state consecutive failures
// are counted and any success resets the count; reaching the threshold trips
// the breaker open. After the cooldown elapses exactly one trial call is let
// through: success closes the circuit, failure reopens it and restarts the
// cooldown.
type CircuitBreaker struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool

	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time
}

func New(failureThreshold int, cooldown time.Duration) *CircuitBreaker {
	return NewWithClock(failureThreshold, cooldown, time.Now)
}

// NewWithClock injects the clock used for cooldown decisions so tests can
// advance time deterministically.
func NewWithClock(failureThreshold int, cooldown time.Duration, now func() time.Time) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		now:              now,
	}
}

// Execute runs fn through the breaker. When the breaker is open, or a trial
// call is already in flight, fn is not invoked and ErrOpen is returned.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return ErrOpen
		}
		cb.state = StateHalfOpen
		cb.trialInFlight = true
		return nil
	case StateHalfOpen:
		if cb.trialInFlight {
			return ErrOpen
		}
		cb.trialInFlight = true
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.state = StateClosed
		cb.consecutiveFailures = 0
		cb.trialInFlight = false
		return
	}

	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.openedAt = cb.now()
		cb.trialInFlight = false
		return
	}

	cb.consecutiveFailures++
	if cb.consecutiveFailures >= cb.failureThreshold {
		cb.state = StateOpen
		cb.openedAt = cb.now()
	}
}
