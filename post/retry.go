package post

import (
	"math/rand"
	"time"
)

// Action is what the dispatch loop should do after a failed attempt.
type Action int

const (
	ActionRetry Action = iota
	ActionGiveUp
)

// RetryDecision is the outcome of consulting the Policy.
type RetryDecision struct {
	Action Action
	Delay  time.Duration
}

// Policy maps (attempt count, error kind) to the next action. It holds no
// I/O and no per-item state, so a single instance serves all items.
//
// Rate-limit rejections never reach the policy: backpressure defers without
// consuming an attempt.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration

	// Jitter scales each delay by a random factor in [1-Jitter, 1+Jitter].
	// Zero disables jitter (useful in tests).
	Jitter float64
}

// DefaultPolicy mirrors the production defaults: five attempts, one minute
// base doubling up to an hour, ±20% jitter.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Base: time.Minute, Cap: time.Hour, Jitter: 0.2}
}

// Next decides the follow-up for a dispatch attempt that just failed.
// attempts is the count including the attempt that just failed.
func (p Policy) Next(attempts int, kind ErrorKind) RetryDecision {
	if kind == KindPermanent {
		return RetryDecision{Action: ActionGiveUp}
	}
	if attempts >= p.MaxAttempts {
		return RetryDecision{Action: ActionGiveUp}
	}

	delay := p.Base
	// Double per prior attempt, saturating at the cap.
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.Cap {
			delay = p.Cap
			break
		}
	}
	if delay > p.Cap {
		delay = p.Cap
	}
	if p.Jitter > 0 {
		//nolint:gosec // G404: math/rand is sufficient for backoff jitter, not used for security
		factor := 1 + p.Jitter*(2*rand.Float64()-1)
		delay = time.Duration(float64(delay) * factor)
	}
	return RetryDecision{Action: ActionRetry, Delay: delay}
}
