// Package poll runs bounded wait loops. A step reports Pending or Done on
// each call; the loop owns the sleep cadence and the overall bound, so no
// caller ever spins forever.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/eniac111/ctxtagent/internal/clock"
)

// ErrTimeout is returned when the bound elapses before a step reports Done.
var ErrTimeout = errors.New("poll: wait bound exceeded")

// Status is the result of one poll step.
type Status int

const (
	Pending Status = iota
	Done
)

// Step is one attempt. It receives the 1-based attempt number.
type Step func(ctx context.Context, attempt int) Status

// Loop describes the cadence of a wait.
type Loop struct {
	Clock    clock.Clock
	Interval time.Duration
	// Bound is the total wait budget. Zero means no time bound; MaxAttempts
	// must then be set.
	Bound       time.Duration
	MaxAttempts int
}

// Run calls step until it reports Done, the bound elapses, the attempt
// budget is spent or ctx is cancelled. An attempt is never started once
// the bound has elapsed, and sleeps are trimmed to the remaining budget.
func (l Loop) Run(ctx context.Context, step Step) error {
	clk := l.Clock
	if clk == nil {
		clk = clock.Real()
	}
	if l.Bound <= 0 && l.MaxAttempts <= 0 {
		return errors.New("poll: loop has neither a time bound nor an attempt bound")
	}

	start := clk.Now()
	deadline := start.Add(l.Bound)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if step(ctx, attempt) == Done {
			return nil
		}
		if l.MaxAttempts > 0 && attempt >= l.MaxAttempts {
			return ErrTimeout
		}

		wait := l.Interval
		if l.Bound > 0 {
			remaining := deadline.Sub(clk.Now())
			if remaining <= 0 {
				return ErrTimeout
			}
			if wait > remaining {
				wait = remaining
			}
		}
		if err := clk.Sleep(ctx, wait); err != nil {
			return err
		}
		if l.Bound > 0 && !clk.Now().Before(deadline) {
			return ErrTimeout
		}
	}
}
