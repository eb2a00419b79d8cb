// Package circuitbreaker isolates degrading demand adapters.
//
// Each adapter gets one Breaker, created on first reference through a
// Registry and kept for the life of the process. A Breaker moves between
// CLOSED, OPEN and HALF_OPEN:
//
//   - CLOSED counts failures inside a sliding monitoring window and opens
//     once the window holds FailureThreshold failures. Any success clears
//     the window.
//   - OPEN rejects calls with ErrCircuitOpen until OpenTimeout has elapsed.
//     The move to HALF_OPEN happens lazily inside the next Execute.
//   - HALF_OPEN closes after SuccessThreshold consecutive successes and
//     reopens on the first failure.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a call
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// String implements fmt.Stringer
func (s State) String() string {
	return string(s)
}

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold int           `mapstructure:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold" json:"success_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout" json:"open_timeout"`
	MonitoringPeriod time.Duration `mapstructure:"monitoring_period" json:"monitoring_period"`
}

// DefaultConfig returns the default breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
		MonitoringPeriod: 120 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = d.MonitoringPeriod
	}
	return c
}

// Clock provides current time (swapped for a fake in tests)
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Stats is a point-in-time view of a breaker
type Stats struct {
	Name                 string     `json:"name"`
	State                State      `json:"state"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	RecentFailures       int        `json:"recent_failures"`
	LastFailure          *time.Time `json:"last_failure,omitempty"`
	NextRetry            *time.Time `json:"next_retry,omitempty"`
	TotalRequests        int64      `json:"total_requests"`
	TotalFailures        int64      `json:"total_failures"`
	TotalSuccesses       int64      `json:"total_successes"`
	Rejected             int64      `json:"rejected"`
	HealthPercentage     float64    `json:"health_percentage"`
}

// StateChangeFunc is called after every state transition, outside the breaker lock
type StateChangeFunc func(name string, from, to State)

// Breaker is a per-adapter circuit breaker. It is safe for concurrent use.
type Breaker struct {
	name     string
	config   Config
	clock    Clock
	onChange StateChangeFunc

	mu                   sync.Mutex
	state                State
	consecutiveSuccesses int
	failures             []time.Time
	lastFailure          time.Time
	nextRetry            time.Time
	totalRequests        int64
	totalFailures        int64
	totalSuccesses       int64
	rejected             int64
}

// New creates a breaker using the system clock
func New(name string, config Config) *Breaker {
	return NewWithClock(name, config, realClock{})
}

// NewWithClock creates a breaker with an injected clock
func NewWithClock(name string, config Config, clock Clock) *Breaker {
	if clock == nil {
		clock = realClock{}
	}
	return &Breaker{
		name:   name,
		config: config.withDefaults(),
		clock:  clock,
		state:  StateClosed,
	}
}

// Name returns the adapter identifier this breaker protects
func (b *Breaker) Name() string {
	return b.name
}

// Config returns the effective configuration
func (b *Breaker) Config() Config {
	return b.config
}

// setOnChange installs the transition callback; used by the registry before publication
func (b *Breaker) setOnChange(fn StateChangeFunc) {
	b.onChange = fn
}

// Execute runs fn under the breaker. It returns ErrCircuitOpen without
// calling fn when the breaker is open; otherwise fn's error is returned and
// recorded as a success or failure.
func (b *Breaker) Execute(fn func() error) error {
	return b.ExecuteExcluding(fn, nil)
}

// ExecuteExcluding is Execute, except that errors for which excluded
// returns true are passed through without being recorded as a success or
// a failure.
func (b *Breaker) ExecuteExcluding(fn func() error, excluded func(error) bool) error {
	if err := b.acquire(); err != nil {
		return err
	}

	err := fn()
	switch {
	case err == nil:
		b.RecordSuccess()
	case excluded != nil && excluded(err):
	default:
		b.RecordFailure()
	}
	return err
}

// acquire admits a call, lazily moving OPEN to HALF_OPEN once the retry time has passed
func (b *Breaker) acquire() error {
	b.mu.Lock()
	var from State
	transitioned := false

	if b.state == StateOpen {
		if b.clock.Now().Before(b.nextRetry) {
			b.rejected++
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		from = b.state
		b.state = StateHalfOpen
		b.consecutiveSuccesses = 0
		transitioned = true
	}
	b.mu.Unlock()

	if transitioned {
		b.notify(from, StateHalfOpen)
	}
	return nil
}

// IsAllowingRequests reports whether a call would currently be admitted. It never mutates state.
func (b *Breaker) IsAllowingRequests() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	default:
		return !b.clock.Now().Before(b.nextRetry)
	}
}

// RecordSuccess records a successful call
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.totalRequests++
	b.totalSuccesses++

	var from State
	transitioned := false

	switch b.state {
	case StateHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			from = b.state
			b.toClosedLocked()
			transitioned = true
		}
	case StateClosed:
		b.failures = b.failures[:0]
	}
	b.mu.Unlock()

	if transitioned {
		b.notify(from, StateClosed)
	}
}

// RecordFailure records a failed call
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	now := b.clock.Now()
	b.totalRequests++
	b.totalFailures++
	b.lastFailure = now

	var from State
	transitioned := false

	switch b.state {
	case StateHalfOpen:
		from = b.state
		b.toOpenLocked(now)
		transitioned = true
	case StateClosed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.config.FailureThreshold {
			from = b.state
			b.toOpenLocked(now)
			transitioned = true
		}
	}
	b.mu.Unlock()

	if transitioned {
		b.notify(from, StateOpen)
	}
}

// pruneLocked drops failure timestamps older than the monitoring period
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.config.MonitoringPeriod)
	keep := 0
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			b.failures[keep] = ts
			keep++
		}
	}
	b.failures = b.failures[:keep]
}

func (b *Breaker) toOpenLocked(now time.Time) {
	b.state = StateOpen
	b.nextRetry = now.Add(b.config.OpenTimeout)
	b.consecutiveSuccesses = 0
}

func (b *Breaker) toClosedLocked() {
	b.state = StateClosed
	b.consecutiveSuccesses = 0
	b.failures = b.failures[:0]
	b.nextRetry = time.Time{}
}

// Open forces the breaker open for one OpenTimeout
func (b *Breaker) Open() {
	b.mu.Lock()
	from := b.state
	b.toOpenLocked(b.clock.Now())
	b.mu.Unlock()

	if from != StateOpen {
		b.notify(from, StateOpen)
	}
}

// Close forces the breaker closed and clears the failure window
func (b *Breaker) Close() {
	b.mu.Lock()
	from := b.state
	b.toClosedLocked()
	b.mu.Unlock()

	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}

// Reset closes the breaker and zeroes every counter, lifetime counters included
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.toClosedLocked()
	b.lastFailure = time.Time{}
	b.totalRequests = 0
	b.totalFailures = 0
	b.totalSuccesses = 0
	b.rejected = 0
	b.mu.Unlock()

	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}

// State returns the current state without triggering a lazy transition
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns the current state and counters
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneLocked(b.clock.Now())

	stats := Stats{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		RecentFailures:       len(b.failures),
		TotalRequests:        b.totalRequests,
		TotalFailures:        b.totalFailures,
		TotalSuccesses:       b.totalSuccesses,
		Rejected:             b.rejected,
		HealthPercentage:     b.healthLocked(),
	}
	if !b.lastFailure.IsZero() {
		lf := b.lastFailure
		stats.LastFailure = &lf
	}
	if !b.nextRetry.IsZero() {
		nr := b.nextRetry
		stats.NextRetry = &nr
	}
	return stats
}

// HealthPercentage returns lifetime successes / lifetime requests * 100, or 100 with no requests
func (b *Breaker) HealthPercentage() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthLocked()
}

func (b *Breaker) healthLocked() float64 {
	if b.totalRequests == 0 {
		return 100
	}
	return float64(b.totalSuccesses) / float64(b.totalRequests) * 100
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
