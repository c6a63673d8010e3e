package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPollCompletesOnAttemptN(t *testing.T) {
	for n := 1; n <= 5; n++ {
		calls := 0
		attempts, err := Poll(context.Background(), Fixed(time.Millisecond, 5), func(ctx context.Context, attempt int) (bool, error) {
			calls++
			if attempt != calls {
				t.Fatalf("attempt %d reported on call %d", attempt, calls)
			}
			return attempt == n, nil
		})
		if err != nil {
			t.Fatalf("n=%d: unexpected error %v", n, err)
		}
		if attempts != n || calls != n {
			t.Fatalf("n=%d: expected %d calls, got attempts=%d calls=%d", n, n, attempts, calls)
		}
	}
}

func TestPollExhausted(t *testing.T) {
	calls := 0
	attempts, err := Poll(context.Background(), Fixed(time.Millisecond, 3), func(context.Context, int) (bool, error) {
		calls++
		return false, nil
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d/%d", attempts, calls)
	}
}

func TestPollStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	_, err := Poll(context.Background(), Fixed(time.Millisecond, 10), func(context.Context, int) (bool, error) {
		calls++
		if calls == 2 {
			return false, boom
		}
		return false, nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected polling to stop after error, got %d calls", calls)
	}
}

func TestPollHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Poll(ctx, Fixed(time.Hour, 90), func(context.Context, int) (bool, error) {
			calls++
			return false, nil
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("poll did not return after cancel")
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt before cancel, got %d", calls)
	}
}

func TestPolicyBackoffCapped(t *testing.T) {
	p := Policy{Interval: time.Second, Multiplier: 2, MaxInterval: 3 * time.Second}
	d := p.Interval
	d = p.next(d)
	if d != 2*time.Second {
		t.Fatalf("expected 2s, got %v", d)
	}
	d = p.next(d)
	if d != 3*time.Second {
		t.Fatalf("expected cap of 3s, got %v", d)
	}
}
