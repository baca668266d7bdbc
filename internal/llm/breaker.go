package llm

import (
	"sync/atomic"
	"time"

	"github.com/cloo-solutions/kbagent/internal/domain"
)

// State of a circuit breaker.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
)

type BreakerConfig struct {
	// FailureThreshold consecutive failures within Window open the circuit.
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
	OnStateChange    func(from, to State)
	Now              func() time.Time
}

// Breaker is a closed/open/half-open circuit breaker. State lives in atomics
// and only moves through compare-and-swap, so exactly one caller wins the
// half-open probe after the cooldown.
type Breaker struct {
	threshold int32
	window    time.Duration
	cooldown  time.Duration
	onChange  func(from, to State)
	now       func() time.Time

	state       atomic.Int32
	failures    atomic.Int32
	streakStart atomic.Int64
	openedAt    atomic.Int64
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{
		threshold: int32(cfg.FailureThreshold),
		window:    cfg.Window,
		cooldown:  cfg.Cooldown,
		onChange:  cfg.OnStateChange,
		now:       cfg.Now,
	}
	if b.threshold <= 0 {
		b.threshold = DefaultFailureThreshold
	}
	if b.cooldown <= 0 {
		b.cooldown = DefaultCooldown
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Execute runs fn if the circuit admits it. countable decides whether a
// non-nil error counts as a backend failure; nil counts every error.
// A rejected call returns domain.ErrCircuitOpen without running fn.
func (b *Breaker) Execute(fn func() error, countable func(error) bool) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()
	failed := err != nil && (countable == nil || countable(err))

	if probe {
		switch {
		case err == nil:
			b.failures.Store(0)
			b.transition(StateHalfOpen, StateClosed)
		case failed:
			b.openedAt.Store(b.now().UnixNano())
			b.transition(StateHalfOpen, StateOpen)
		default:
			// Inconclusive probe: reopen with the old timestamp so the next
			// caller may probe immediately.
			b.transition(StateHalfOpen, StateOpen)
		}
		return err
	}

	if b.State() != StateClosed {
		return err
	}
	if err == nil {
		b.failures.Store(0)
	} else if failed {
		b.recordFailure()
	}
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	for {
		switch State(b.state.Load()) {
		case StateClosed:
			return false, nil
		case StateHalfOpen:
			return false, domain.ErrCircuitOpen
		case StateOpen:
			opened := time.Unix(0, b.openedAt.Load())
			if b.now().Sub(opened) < b.cooldown {
				return false, domain.ErrCircuitOpen
			}
			if b.transition(StateOpen, StateHalfOpen) {
				return true, nil
			}
		}
	}
}

func (b *Breaker) recordFailure() {
	now := b.now().UnixNano()

	var n int32
	if b.failures.Load() == 0 || (b.window > 0 && now-b.streakStart.Load() > int64(b.window)) {
		b.streakStart.Store(now)
		b.failures.Store(1)
		n = 1
	} else {
		n = b.failures.Add(1)
	}

	if n >= b.threshold {
		b.openedAt.Store(now)
		if b.transition(StateClosed, StateOpen) {
			b.failures.Store(0)
		}
	}
}

func (b *Breaker) transition(from, to State) bool {
	if !b.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
	return true
}
