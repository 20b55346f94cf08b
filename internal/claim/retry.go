package claim

import (
	"context"
	"time"
)

// Settle loop defaults.
const (
	DefaultMaxAttempts = 3
	DefaultSettleDelay = 75 * time.Millisecond
)

// RetryPolicy bounds the post-verify settle loop. Only reads are retried.
type RetryPolicy struct {
	// MaxAttempts is the number of post-verify reads, at least 1.
	MaxAttempts int
	// Delay returns the pause after the given (1-based) failed attempt.
	Delay func(attempt int) time.Duration
	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// ConfirmOnLastAttempt holds back a win until the final read. It closes
	// the window where a rival stamps an earlier arrival but lands its write
	// after this claimant has already verified, at the cost of always
	// spending the full settle time.
	ConfirmOnLastAttempt bool
}

// DefaultRetryPolicy is three attempts, 75ms apart, with the win confirmed
// on the last one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:          DefaultMaxAttempts,
		Delay:                ConstantDelay(DefaultSettleDelay),
		Sleep:                SleepContext,
		ConfirmOnLastAttempt: true,
	}
}

// ConstantDelay waits d between every attempt.
func ConstantDelay(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// SleepContext sleeps for d unless ctx ends first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoSleep skips the pause. Tests use it to run the loop without wall-clock waits.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Delay == nil {
		p.Delay = ConstantDelay(DefaultSettleDelay)
	}
	if p.Sleep == nil {
		p.Sleep = SleepContext
	}
	return p
}
