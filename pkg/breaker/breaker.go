// Package breaker implements the per-endpoint circuit breaker: a
// closed/open/half-open failure-rate gate built on lock-free atomics so it
// can sit on an endpoint's hot dispatch path without contention.
package breaker

import (
	"sync/atomic"
	"time"

	"github.com/cuemby/dbcore/pkg/metrics"
)

// State is one of the three circuit breaker states.
type State int32

const (
	Closed State = iota
	Open
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

// Config tunes the breaker's trip and recovery behavior. A zero-value
// Config with Disabled=true yields a breaker that is permanently Closed
// and does no bookkeeping, per spec.md 4.1.
type Config struct {
	Disabled bool

	// VolumeThreshold is the minimum number of rolling-window completions
	// before the failure ratio is evaluated at all.
	VolumeThreshold uint32
	// ErrorThreshold is the failure ratio (0,1] at or above which the
	// breaker trips from Closed to Open.
	ErrorThreshold float64
	// SleepWindow is how long the breaker stays Open before allowing a
	// single half-open canary request.
	SleepWindow time.Duration
	// RollingWindow bounds how far back completions are considered; the
	// counters reset wholesale when the window elapses in Closed state.
	RollingWindow time.Duration
}

// DefaultConfig matches the values a Couchbase-style SDK ships with out of
// the box: trip at 50% failures once 20 requests have completed in a 60s
// window, and wait a second before probing again.
func DefaultConfig() Config {
	return Config{
		VolumeThreshold: 20,
		ErrorThreshold:  0.5,
		SleepWindow:     1 * time.Second,
		RollingWindow:   60 * time.Second,
	}
}

// Breaker is a per-endpoint circuit breaker. All fields it uses on the hot
// path are atomics; there is no lock.
type Breaker struct {
	cfg Config

	state atomic.Int32

	completions atomic.Uint32
	failures    atomic.Uint32

	windowStartedAt atomic.Int64 // unix nanos
	openedAt        atomic.Int64 // unix nanos

	halfOpenInFlight atomic.Bool
}

// New constructs a Breaker. A Disabled config yields a permanently-Closed
// breaker with zero bookkeeping overhead beyond the state check.
func New(cfg Config) *Breaker {
	b := &Breaker{cfg: cfg}
	b.state.Store(int32(Closed))
	now := time.Now().UnixNano()
	b.windowStartedAt.Store(now)
	return b
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// AllowsRequest reports whether a new request may be dispatched through
// the guarded endpoint. In Open state this also performs the Open->
// HalfOpen transition once SleepWindow has elapsed, admitting exactly one
// canary.
func (b *Breaker) AllowsRequest() bool {
	if b.cfg.Disabled {
		return true
	}

	switch b.State() {
	case Closed:
		return true
	case HalfOpen:
		// Only the canary that already reserved halfOpenInFlight may
		// proceed; everything else waits for its outcome.
		return false
	case Open:
		openedAt := time.Unix(0, b.openedAt.Load())
		if time.Since(openedAt) < b.cfg.SleepWindow {
			return false
		}
		if b.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
			b.halfOpenInFlight.Store(true)
			metrics.BreakerTransitionsTotal.WithLabelValues(Open.String(), HalfOpen.String()).Inc()
			return true
		}
		return false
	default:
		return false
	}
}

// Track is called when a request is admitted for dispatch; it records
// nothing by itself (AllowsRequest already reserved the half-open canary
// slot) but exists as a distinct step so callers can attach completion
// bookkeeping at send time, matching the endpoint's track/markSuccess/
// markFailure lifecycle.
func (b *Breaker) Track() {}

// MarkSuccess records a successful completion and, from HalfOpen, closes
// the breaker and clears its counters.
func (b *Breaker) MarkSuccess() {
	if b.cfg.Disabled {
		return
	}
	if b.State() == HalfOpen {
		b.halfOpenInFlight.Store(false)
		b.reset()
		return
	}
	b.maybeRollWindow()
	b.completions.Add(1)
}

// MarkFailure records a failed completion. From HalfOpen it reopens the
// breaker with a refreshed open-time. From Closed it may trip the breaker
// once the rolling window has enough volume and the failure ratio meets
// ErrorThreshold.
func (b *Breaker) MarkFailure() {
	if b.cfg.Disabled {
		return
	}
	if b.State() == HalfOpen {
		b.halfOpenInFlight.Store(false)
		b.trip()
		return
	}

	b.maybeRollWindow()
	completions := b.completions.Add(1)
	failures := b.failures.Add(1)

	if completions < b.cfg.VolumeThreshold {
		return
	}
	ratio := float64(failures) / float64(completions)
	if ratio >= b.cfg.ErrorThreshold {
		b.trip()
	}
}

// Reset forces the breaker back to Closed with empty counters, used when
// an endpoint reconnects successfully (spec.md 4.2: "on success ... reset
// the breaker").
func (b *Breaker) Reset() {
	b.reset()
}

func (b *Breaker) reset() {
	from := b.State()
	b.state.Store(int32(Closed))
	b.completions.Store(0)
	b.failures.Store(0)
	b.windowStartedAt.Store(time.Now().UnixNano())
	if from != Closed {
		metrics.BreakerTransitionsTotal.WithLabelValues(from.String(), Closed.String()).Inc()
	}
}

func (b *Breaker) trip() {
	from := b.State()
	b.state.Store(int32(Open))
	b.openedAt.Store(time.Now().UnixNano())
	metrics.BreakerTransitionsTotal.WithLabelValues(from.String(), Open.String()).Inc()
}

func (b *Breaker) maybeRollWindow() {
	if b.cfg.RollingWindow <= 0 {
		return
	}
	started := time.Unix(0, b.windowStartedAt.Load())
	if time.Since(started) >= b.cfg.RollingWindow {
		b.completions.Store(0)
		b.failures.Store(0)
		b.windowStartedAt.Store(time.Now().UnixNano())
	}
}
