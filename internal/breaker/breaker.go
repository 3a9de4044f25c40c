// Package breaker provides a per-API circuit breaker with exponential
// backoff. When a breaker is OPEN it short-circuits broker calls before the
// retry policy ever runs.
package breaker

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrOpen is returned when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker open")

// Config parameterizes a breaker.
type Config struct {
	FailureThreshold int
	BaseTimeout      time.Duration
	HalfOpenMaxCalls int
	SuccessThreshold int
	MaxTimeout       time.Duration
}

// DefaultConfig returns the standard breaker parameters.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		BaseTimeout:      60 * time.Second,
		HalfOpenMaxCalls: 3,
		SuccessThreshold: 2,
		MaxTimeout:       300 * time.Second,
	}
}

// StateChange is one recorded transition.
type StateChange struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Metrics summarizes breaker activity.
type Metrics struct {
	Name            string        `json:"name"`
	State           State         `json:"state"`
	TotalCalls      int64         `json:"total_calls"`
	SuccessfulCalls int64         `json:"successful_calls"`
	FailedCalls     int64         `json:"failed_calls"`
	RejectedCalls   int64         `json:"rejected_calls"`
	SuccessRate     float64       `json:"success_rate"`
	CurrentTimeout  time.Duration `json:"current_timeout"`
	StateChanges    []StateChange `json:"state_changes"`
}

// Breaker is a CLOSED/OPEN/HALF_OPEN circuit breaker for one API.
type Breaker struct {
	mu     sync.Mutex
	logger *zap.Logger
	name   string
	config Config
	clock  func() time.Time

	state               State
	consecutiveFailures int
	halfOpenCalls       int
	halfOpenSuccesses   int
	openedAt            time.Time
	currentTimeout      time.Duration

	totalCalls      int64
	successfulCalls int64
	failedCalls     int64
	rejectedCalls   int64
	stateChanges    []StateChange
}

// New creates a breaker in the CLOSED state.
func New(logger *zap.Logger, name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config = DefaultConfig()
	}
	return &Breaker{
		logger:         logger.Named("breaker").With(zap.String("api", name)),
		name:           name,
		config:         config,
		clock:          time.Now,
		state:          StateClosed,
		currentTimeout: config.BaseTimeout,
	}
}

// SetClock overrides the time source. Intended for tests.
func (b *Breaker) SetClock(clock func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = clock
}

// Execute runs fn under breaker protection.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Allow reports whether a call may proceed, transitioning OPEN to HALF_OPEN
// once the timeout has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.totalCalls++
		return nil
	case StateOpen:
		if b.clock().Sub(b.openedAt) > b.currentTimeout {
			b.transition(StateHalfOpen, "timeout elapsed")
			b.halfOpenCalls = 1
			b.halfOpenSuccesses = 0
			b.totalCalls++
			return nil
		}
		b.rejectedCalls++
		return fmt.Errorf("%w: %s retry in %s", ErrOpen, b.name, b.currentTimeout-b.clock().Sub(b.openedAt))
	case StateHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			b.rejectedCalls++
			return fmt.Errorf("%w: %s half-open probe limit reached", ErrOpen, b.name)
		}
		b.halfOpenCalls++
		b.totalCalls++
		return nil
	}
	return nil
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successfulCalls++
	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.SuccessThreshold {
			b.consecutiveFailures = 0
			b.currentTimeout = b.config.BaseTimeout
			b.transition(StateClosed, "probe successes reached threshold")
		}
	}
}

// RecordFailure notes a failed call, opening the breaker when warranted.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failedCalls++
	b.consecutiveFailures++

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.open("failure threshold reached")
		}
	case StateHalfOpen:
		b.open("probe failed")
	}
}

// open transitions to OPEN with exponential backoff on the reopen timeout.
func (b *Breaker) open(reason string) {
	exponent := b.consecutiveFailures - 1
	if exponent < 0 {
		exponent = 0
	}
	timeout := time.Duration(float64(b.config.BaseTimeout) * math.Pow(2, float64(exponent)))
	if timeout > b.config.MaxTimeout {
		timeout = b.config.MaxTimeout
	}
	b.currentTimeout = timeout
	b.openedAt = b.clock()
	b.transition(StateOpen, reason)
}

func (b *Breaker) transition(to State, reason string) {
	from := b.state
	b.state = to
	b.stateChanges = append(b.stateChanges, StateChange{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: b.clock(),
	})
	b.logger.Info("Breaker state change",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
		zap.Duration("timeout", b.currentTimeout))
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a copy of the breaker metrics.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := Metrics{
		Name:            b.name,
		State:           b.state,
		TotalCalls:      b.totalCalls,
		SuccessfulCalls: b.successfulCalls,
		FailedCalls:     b.failedCalls,
		RejectedCalls:   b.rejectedCalls,
		CurrentTimeout:  b.currentTimeout,
		StateChanges:    append([]StateChange(nil), b.stateChanges...),
	}
	if b.totalCalls > 0 {
		m.SuccessRate = float64(b.successfulCalls) / float64(b.totalCalls)
	}
	return m
}
