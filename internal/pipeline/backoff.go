package pipeline

import "time"

// linearBackoff implements cenkalti/backoff/v4's BackOff interface with
// an upload retry schedule of 5s times the attempt number, for up to
// maxAttempts total attempts (so maxAttempts-1 retries after the first
// try).
type linearBackoff struct {
	step        time.Duration
	maxAttempts int
	attempt     int
}

func newLinearBackoff(step time.Duration, maxAttempts int) *linearBackoff {
	return &linearBackoff{step: step, maxAttempts: maxAttempts}
}

// NextBackOff is called once per failed attempt. Returning backoff.Stop
// (a negative duration) tells the caller to give up.
func (b *linearBackoff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.maxAttempts {
		return backOffStop
	}
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackoff) Reset() { b.attempt = 0 }

// backOffStop mirrors backoff.Stop without importing the package here, so
// this file's unit tests don't need the dependency just to assert the
// schedule.
const backOffStop time.Duration = -1
