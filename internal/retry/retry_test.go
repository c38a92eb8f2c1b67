package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoStopsAfterFirstSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	}, Options{MaxAttempts: 3, Wait: time.Millisecond})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one invocation, got %d", calls)
	}
}

func TestDoInvokesExactlyMaxAttemptsAndReturnsLastError(t *testing.T) {
	calls := 0
	lastErr := errors.New("attempt 3 failed")
	start := time.Now()
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 3 {
			return lastErr
		}
		return errors.New("transient")
	}, Options{MaxAttempts: 3, Wait: 20 * time.Millisecond})
	elapsed := time.Since(start)
	if calls != 3 {
		t.Fatalf("expected 3 invocations, got %d", calls)
	}
	if !errors.Is(err, lastErr) {
		t.Fatalf("expected last attempt's error, got %v", err)
	}
	if elapsed < 40*time.Millisecond {
		t.Fatalf("expected at least two inter-attempt delays, elapsed %s", elapsed)
	}
}

func TestDoRecoversOnLaterAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	}, Options{MaxAttempts: 3, Wait: time.Millisecond})
	if err != nil {
		t.Fatalf("expected recovery on second attempt, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 invocations, got %d", calls)
	}
}

func TestDoAppliesDefaults(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("always fails")
	}, Options{Wait: time.Millisecond})
	if err == nil {
		t.Fatal("expected failure")
	}
	if calls != DefaultMaxAttempts {
		t.Fatalf("expected %d invocations by default, got %d", DefaultMaxAttempts, calls)
	}
}

func TestDoAbortsWaitOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	}, Options{MaxAttempts: 5, Wait: time.Minute})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected cancellation during the first wait, got %d invocations", calls)
	}
}
