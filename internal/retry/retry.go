// Package retry computes the wait before a retry attempt.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"matchflow/internal/domain"
)

// JitterFraction is the maximum positive jitter added to every delay.
const JitterFraction = 0.1

// Policy computes delays; the zero value is not usable, use New.
type Policy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func New() *Policy {
	return NewWithSource(rand.NewSource(time.Now().UnixNano()))
}

// NewWithSource makes jitter deterministic for tests.
func NewWithSource(src rand.Source) *Policy {
	return &Policy{rng: rand.New(src)}
}

// BaseDelay is the delay for attempt before jitter. Attempts count from 1.
// Unknown strategies fall back to exponential.
func BaseDelay(attempt int, strategy domain.BackoffStrategy, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base < 0 {
		base = 0
	}
	var f float64
	switch strategy {
	case domain.BackoffFixed:
		return base
	case domain.BackoffLinear:
		f = float64(attempt) * float64(base)
	default:
		f = math.Pow(2, float64(attempt)) * float64(base)
	}
	// max <= 0 means uncapped
	if max > 0 && f >= float64(max) {
		return max
	}
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

// NextDelay adds up to 10% positive jitter to BaseDelay, truncated to whole milliseconds.
func (p *Policy) NextDelay(attempt int, strategy domain.BackoffStrategy, base, max time.Duration) time.Duration {
	d := BaseDelay(attempt, strategy, base, max)
	p.mu.Lock()
	j := p.rng.Float64()
	p.mu.Unlock()
	ms := float64(d.Milliseconds())
	return time.Duration(math.Floor(ms+j*JitterFraction*ms)) * time.Millisecond
}

// ForSchedule applies the schedule's execution config.
func (p *Policy) ForSchedule(cfg domain.ExecutionConfig, attempt int) time.Duration {
	return p.NextDelay(attempt, cfg.RetryBackoff, cfg.RetryDelay(), cfg.MaxDelay())
}
