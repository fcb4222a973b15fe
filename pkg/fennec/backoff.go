package fennec

import (
	"math/rand/v2"
	"time"
)

// backoffDelay computes the delay before reconnect attempt n (0-based)
// as base*2^n capped at max, with ±50% jitter from rnd. rnd returns a
// value in [0,1); tests pass a fixed function. Pure: no clock, no
// connection state.
func backoffDelay(attempt int, base, max time.Duration, rnd func() float64) time.Duration {
	if base <= 0 {
		base = DefaultRetryPolicy.BaseDelay
	}
	if max <= 0 {
		max = DefaultRetryPolicy.MaxDelay
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}

	// jitter in [0.5, 1.5)
	j := 0.5 + rnd()
	d = time.Duration(float64(d) * j)
	if d > max {
		d = max
	}
	return d
}

func defaultJitter() float64 { return rand.Float64() }

// retryState tracks the reconnect budget across a session's lifetime.
// The attempt counter resets once a connection stays healthy for
// MinUptime, so a long session's eventual drop is not charged against
// instability long past.
type retryState struct {
	policy  RetryPolicy
	attempt int
	rnd     func() float64
}

func newRetryState(policy RetryPolicy) *retryState {
	return &retryState{policy: policy, rnd: defaultJitter}
}

// nextDelay returns the delay before the next attempt, or false when
// the budget is exhausted.
func (r *retryState) nextDelay() (time.Duration, bool) {
	if r.attempt >= r.policy.MaxAttempts {
		return 0, false
	}
	d := backoffDelay(r.attempt, r.policy.BaseDelay, r.policy.MaxDelay, r.rnd)
	r.attempt++
	return d, true
}

// observeUptime resets the budget after a sustained healthy period.
func (r *retryState) observeUptime(up time.Duration) {
	if up >= r.policy.MinUptime {
		r.attempt = 0
	}
}
