// Package breaker guards calls to remote collaborators (the region source and
// webhook actions) with a closed/open/half-open circuit breaker.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the current state of a Breaker.
type State int

const (
	// Closed allows all calls through. Failures are counted.
	Closed State = iota
	// Open rejects all calls immediately.
	Open
	// HalfOpen lets probe calls through until enough succeed.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow and Do while the breaker rejects calls.
var ErrOpen = errors.New("breaker: circuit is open")

// minRateSamples is the number of calls a window needs before the error
// rate is evaluated.
const minRateSamples = 10

// Settings configures a Breaker. Zero values fall back to defaults.
type Settings struct {
	Name             string
	FailureThreshold int           // consecutive failures to open (default 5)
	SuccessThreshold int           // half-open successes to close (default 2)
	OpenTimeout      time.Duration // time spent open before probing (default 30s)
	ErrorRate        float64       // 0 disables rate tripping
	RateWindow       time.Duration // 0 disables rate tripping
}

// Breaker trips on consecutive failures or on the error rate inside a
// tumbling window. It is safe for concurrent use.
type Breaker struct {
	name string

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration

	rateThreshold float64
	rateWindow    time.Duration
	windowStart   time.Time
	windowTotal   int
	windowFailed  int

	onChange func(name string, from, to State)
	now      func() time.Time
}

// New creates a Breaker from s.
func New(s Settings) *Breaker {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold < 1 {
		s.SuccessThreshold = 2
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	b := &Breaker{
		name:             s.Name,
		state:            Closed,
		failureThreshold: s.FailureThreshold,
		successThreshold: s.SuccessThreshold,
		openTimeout:      s.OpenTimeout,
		rateThreshold:    s.ErrorRate,
		rateWindow:       s.RateWindow,
		now:              time.Now,
	}
	b.windowStart = b.now()
	return b
}

// OnStateChange registers a callback invoked (with the lock held) whenever
// the state changes. It must not call back into the breaker.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Do runs fn if the breaker allows it and records the outcome. Context
// cancellation by the caller is not counted as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
	default:
		b.RecordFailure()
	}
	return err
}

// Allow returns nil if a call may proceed, or ErrOpen.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if b.now().Sub(b.openedAt) <= b.openTimeout {
			return ErrOpen
		}
		b.transition(HalfOpen)
		b.successes = 0
	}
	return nil
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0
		b.countWindow(false)
	case HalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.transition(Closed)
			b.failures = 0
			b.successes = 0
			b.resetWindow()
		}
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures++
		b.countWindow(true)
		if b.failures >= b.failureThreshold || b.rateExceeded() {
			b.trip()
		}
	case HalfOpen:
		b.trip()
		b.successes = 0
	}
}

// State returns the current state, moving Open to HalfOpen once the open
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.now().Sub(b.openedAt) > b.openTimeout {
		b.transition(HalfOpen)
		b.successes = 0
	}
	return b.state
}

// ErrorRate returns the error rate and call count of the current window.
func (b *Breaker) ErrorRate() (rate float64, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindow()
	if b.windowTotal == 0 {
		return 0, 0
	}
	return float64(b.windowFailed) / float64(b.windowTotal), b.windowTotal
}

func (b *Breaker) trip() {
	b.transition(Open)
	b.openedAt = b.now()
	b.resetWindow()
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if from != to && b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

func (b *Breaker) countWindow(failed bool) {
	if b.rateWindow <= 0 {
		return
	}
	b.rollWindow()
	b.windowTotal++
	if failed {
		b.windowFailed++
	}
}

func (b *Breaker) rollWindow() {
	if b.rateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.rateWindow {
		b.resetWindow()
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowTotal = 0
	b.windowFailed = 0
}

func (b *Breaker) rateExceeded() bool {
	if b.rateThreshold <= 0 || b.rateWindow <= 0 || b.windowTotal < minRateSamples {
		return false
	}
	return float64(b.windowFailed)/float64(b.windowTotal) >= b.rateThreshold
}
