package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	})

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if calls != 1 || result.Attempts != 1 {
		t.Errorf("calls=%d attempts=%d, want 1/1", calls, result.Attempts)
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	config := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, Jitter: false}
	calls := 0
	result := Do(context.Background(), config, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	config := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, Jitter: false}
	calls := 0
	permanent := errors.New("rejected")
	result := Do(context.Background(), config, func() error {
		calls++
		return Permanent(permanent)
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(result.Err, permanent) {
		t.Errorf("result.Err = %v, want wrapped %v", result.Err, permanent)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	config := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, Jitter: false}
	last := errors.New("still failing")
	result := Do(context.Background(), config, func() error {
		return last
	})

	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
	if !errors.Is(result.Err, last) {
		t.Errorf("result.Err = %v, want %v", result.Err, last)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := Do(ctx, DefaultConfig(), func() error {
		t.Fatal("op should not run on cancelled context")
		return nil
	})

	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("result.Err = %v, want context.Canceled", result.Err)
	}
}

func TestIsPermanent(t *testing.T) {
	if IsPermanent(errors.New("plain")) {
		t.Error("plain error classified as permanent")
	}
	if !IsPermanent(Permanent(errors.New("fatal"))) {
		t.Error("wrapped error not classified as permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	// Wrapping preserves errors.Is through the chain.
	inner := errors.New("inner")
	if !errors.Is(Permanent(inner), inner) {
		t.Error("errors.Is does not see through PermanentError")
	}
}
