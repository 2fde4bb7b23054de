// Package backoff provides retry delay strategies. Strategies are
// stateless and safe for concurrent use.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay each attempt, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return e.Initial
	}
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ExponentialWithJitter spreads the exponential delay across
// [base/2, base) so simultaneous retriers do not stampede.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns a jittered exponential backoff for the attempt.
func (e ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := Exponential{Initial: e.Initial, Max: e.Max}.Delay(attempt)
	if base <= 1 {
		return base
	}
	half := base / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}

// Sleep waits for d or until ctx is done, reporting which happened.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
