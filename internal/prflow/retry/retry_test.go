package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoRecoversAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithBackoff(time.Millisecond))
	if err != nil {
		t.Fatalf("expected recovery: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return errors.New("always")
	}, WithBackoff(time.Millisecond), WithMaxAttempts(2))
	if err == nil || calls != 2 {
		t.Errorf("err=%v calls=%d", err, calls)
	}
}

func TestPermanentShortCircuits(t *testing.T) {
	calls := 0
	inner := errors.New("bad request")
	err := Do(context.Background(), func() error {
		calls++
		return Permanent(inner)
	}, WithBackoff(time.Millisecond))
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	// The wrapper is stripped before returning.
	if !errors.Is(err, inner) || err != inner {
		t.Errorf("err = %v", err)
	}
}

func TestWrappedPermanentDetected(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return &wrapping{Permanent(errors.New("inner"))}
	}, WithBackoff(time.Millisecond))
	if calls != 1 || err == nil {
		t.Errorf("calls=%d err=%v", calls, err)
	}
}

type wrapping struct{ err error }

func (w *wrapping) Error() string { return "ctx: " + w.err.Error() }
func (w *wrapping) Unwrap() error { return w.err }

func TestContextCancelStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, func() error {
		calls++
		cancel()
		return errors.New("transient")
	}, WithBackoff(time.Hour))
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no sleep through cancellation)", calls)
	}
}

func TestDoVal(t *testing.T) {
	calls := 0
	got, err := DoVal(context.Background(), func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("transient")
		}
		return 42, nil
	}, WithBackoff(time.Millisecond))
	if err != nil || got != 42 {
		t.Errorf("got=%d err=%v", got, err)
	}
}

func TestBackoffDelayReusesLast(t *testing.T) {
	backoff := []time.Duration{time.Second, 2 * time.Second}
	if d := backoffDelay(backoff, 0); d != time.Second {
		t.Errorf("attempt 0 = %v", d)
	}
	if d := backoffDelay(backoff, 5); d != 2*time.Second {
		t.Errorf("attempt 5 = %v", d)
	}
}
