// Package retry runs remote calls under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"
)

// Policy bounds how a call is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BackoffMin <= 0 {
		p.BackoffMin = 500 * time.Millisecond
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = 15 * time.Second
	}
	return p
}

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err as non-retryable. Do stops immediately when fn returns
// a terminal error.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err was marked with Terminal.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// ClassifyStatus converts an HTTP status into a retry decision: rate limits
// and server errors are retryable, everything else in the error range is
// terminal. A nil return means success.
func ClassifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("status %d", status)
	default:
		return Terminal(fmt.Errorf("status %d", status))
	}
}

// Do invokes fn until it succeeds, returns a terminal error, the attempt
// budget is exhausted, or ctx is cancelled. Between attempts it sleeps a
// doubling backoff capped at BackoffMax, with jitter.
//
// Do never re-invokes fn on its own beyond the policy; callers performing
// non-idempotent operations must use MaxAttempts=1 or supply their own
// deduplication.
func Do(ctx context.Context, p Policy, name string, fn func(ctx context.Context) error) error {
	p = p.WithDefaults()

	backoff := p.BackoffMin
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if IsTerminal(last) {
			return fmt.Errorf("%s: %w", name, last)
		}
		if attempt == p.MaxAttempts {
			break
		}

		if err := sleepWithJitter(ctx, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff, p.BackoffMax)
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", name, p.MaxAttempts, last)
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	j := int64(d) / 7
	if j > 0 {
		d = time.Duration(int64(d) + rand.Int63n(2*j+1) - j)
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
