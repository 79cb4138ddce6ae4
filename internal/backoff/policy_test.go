package backoff

import (
	"context"
	"testing"
	"time"
)

func TestDelayWithRand(t *testing.T) {
	policy := Policy{
		Base:   time.Second,
		Cap:    30 * time.Second,
		Jitter: time.Second,
	}

	tests := []struct {
		name        string
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{"first retry no jitter", 0, 0, time.Second},
		{"second retry doubles", 1, 0, 2 * time.Second},
		{"third retry quadruples", 2, 0, 4 * time.Second},
		{"fifth retry", 4, 0, 16 * time.Second},
		{"capped at 30s", 6, 0, 30 * time.Second},
		{"far past cap stays capped", 20, 0, 30 * time.Second},
		{"jitter added on top of cap", 6, 0.5, 30*time.Second + 500*time.Millisecond},
		{"half jitter on first retry", 0, 0.5, time.Second + 500*time.Millisecond},
		{"negative attempt treated as zero", -3, 0, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DelayWithRand(policy, tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Errorf("DelayWithRand(%d, %v) = %v, want %v", tt.attempt, tt.randomValue, got, tt.expected)
			}
		})
	}
}

func TestDelayMonotonicUpToCap(t *testing.T) {
	policy := DefaultPolicy()
	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		d := DelayWithRand(policy, attempt, 0)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > policy.Cap {
			t.Fatalf("delay exceeded cap at attempt %d: %v", attempt, d)
		}
		prev = d
	}
}

func TestDelayZeroPolicyUsesDefaults(t *testing.T) {
	got := DelayWithRand(Policy{}, 0, 0)
	if got != time.Second {
		t.Errorf("zero policy first delay = %v, want 1s", got)
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Sleep(ctx, time.Minute)
	if err != context.Canceled {
		t.Errorf("Sleep on cancelled context = %v, want context.Canceled", err)
	}
}

func TestSleepZeroDuration(t *testing.T) {
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("Sleep(0) = %v, want nil", err)
	}
}
