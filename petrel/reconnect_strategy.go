package petrel

import (
	"math"
	"sync"
	"time"
)

// ReconnectDelayStrategy decides how long the reconnect loop sleeps between
// attempts against an endpoint.
type ReconnectDelayStrategy interface {
	ConnectWaitDuration(endpoint string) time.Duration
	Reset()
}

// FixedDelayStrategy sleeps the same duration between every attempt.
type FixedDelayStrategy struct {
	Delay time.Duration
}

// NewFixedDelayStrategy returns a new FixedDelayStrategy.
func NewFixedDelayStrategy(delay time.Duration) *FixedDelayStrategy {
	if delay < 0 {
		delay = 0
	}
	return &FixedDelayStrategy{Delay: delay}
}

// ConnectWaitDuration returns the configured fixed delay.
func (strategy *FixedDelayStrategy) ConnectWaitDuration(endpoint string) time.Duration {
	return strategy.Delay
}

// Reset is a no-op for a fixed delay.
func (strategy *FixedDelayStrategy) Reset() {}

// ExponentialDelayStrategy grows the delay per consecutive failed attempt,
// capped at MaxDelay, and resets after a successful reconnect.
type ExponentialDelayStrategy struct {
	lock      sync.Mutex
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
	attempts  uint32
}

// NewExponentialDelayStrategy returns a new ExponentialDelayStrategy.
func NewExponentialDelayStrategy(baseDelay time.Duration, maxDelay time.Duration, factor float64) *ExponentialDelayStrategy {
	if baseDelay < 0 {
		baseDelay = 0
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if factor < 1 {
		factor = 2
	}
	return &ExponentialDelayStrategy{
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
		Factor:    factor,
	}
}

// ConnectWaitDuration returns the next delay and records the attempt.
func (strategy *ExponentialDelayStrategy) ConnectWaitDuration(endpoint string) time.Duration {
	strategy.lock.Lock()
	defer strategy.lock.Unlock()

	scaled := float64(strategy.BaseDelay) * math.Pow(strategy.Factor, float64(strategy.attempts))
	strategy.attempts++

	delay := time.Duration(scaled)
	if delay > strategy.MaxDelay || scaled > float64(math.MaxInt64) {
		delay = strategy.MaxDelay
	}
	return delay
}

// Reset clears the attempt history.
func (strategy *ExponentialDelayStrategy) Reset() {
	strategy.lock.Lock()
	strategy.attempts = 0
	strategy.lock.Unlock()
}
