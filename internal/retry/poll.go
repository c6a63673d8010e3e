package retry

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted is returned by Poll when the attempt budget is used up without completion.
var ErrExhausted = errors.New("poll attempts exhausted")

// Policy bounds a polling loop.
type Policy struct {
	Interval    time.Duration // wait between attempts
	MaxAttempts int           // total attempts, <= 0 means 1
	Multiplier  float64       // growth factor for Interval; 0 or 1 keeps it fixed
	MaxInterval time.Duration // cap for a growing interval, 0 means uncapped
}

// Fixed returns a policy with a constant interval.
func Fixed(interval time.Duration, attempts int) Policy {
	return Policy{Interval: interval, MaxAttempts: attempts}
}

// Func is one polling attempt. attempt starts at 1.
// Returning done=true stops polling successfully; a non-nil error stops it with that error.
type Func func(ctx context.Context, attempt int) (done bool, err error)

// Poll calls fn until it reports done, returns an error, the policy is exhausted or ctx ends.
// There is no wait before the first attempt. It returns the number of attempts made.
func Poll(ctx context.Context, p Policy, fn Func) (int, error) {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	interval := p.Interval

	for attempt := 1; attempt <= max; attempt++ {
		if attempt > 1 {
			if err := Sleep(ctx, interval); err != nil {
				return attempt - 1, err
			}
			interval = p.next(interval)
		}
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		done, err := fn(ctx, attempt)
		if err != nil {
			return attempt, err
		}
		if done {
			return attempt, nil
		}
	}
	return max, ErrExhausted
}

func (p Policy) next(cur time.Duration) time.Duration {
	if p.Multiplier <= 1 {
		return cur
	}
	n := time.Duration(float64(cur) * p.Multiplier)
	if p.MaxInterval > 0 && n > p.MaxInterval {
		n = p.MaxInterval
	}
	return n
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
