package channel

import (
	"math"
	"time"
)

// ReconnectPolicy schedules reconnects after transient transport
// failures: exponential backoff from InitialDelay by Multiplier, capped
// at MaxDelay. After MaxAttempts consecutive failures the transport
// gives up and reports a permanent failure.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultReconnectPolicy matches the guest agent's pacing: 1s doubling
// to 30s, ten tries.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  10,
	}
}

// Delay returns the wait before the given attempt:
// min(MaxDelay, InitialDelay × Multiplier^(attempt−1)). Attempts at or
// below 1 are clamped to attempt 1. Pure — safe to call from tests and
// schedulers alike.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return min(p.InitialDelay, p.MaxDelay)
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether the given consecutive-failure count has
// used up the policy's budget.
func (p ReconnectPolicy) Exhausted(failures int) bool {
	return p.MaxAttempts > 0 && failures >= p.MaxAttempts
}
