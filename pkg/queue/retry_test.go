package queue

import (
	"testing"
	"time"
)

func TestBackoffDelayGrowth(t *testing.T) {
	p := BackoffPolicy{
		InitialDelay: time.Second,
		Factor:       2.0,
		MaxDelay:     30 * time.Second,
	}

	tests := []struct {
		retryCount int
		expected   time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.retryCount); got != tt.expected {
			t.Errorf("Delay(%d) = %v, expected %v", tt.retryCount, got, tt.expected)
		}
	}
}

func TestBackoffDelayMonotone(t *testing.T) {
	p := DefaultBackoffPolicy()

	prev := time.Duration(0)
	for i := 1; i <= 12; i++ {
		d := p.Delay(i)
		if d < prev {
			t.Fatalf("delay decreased from %v to %v at retry %d", prev, d, i)
		}
		if p.MaxDelay > 0 && d > p.MaxDelay {
			t.Fatalf("delay %v exceeds cap %v at retry %d", d, p.MaxDelay, i)
		}
		prev = d
	}
}

func TestBackoffZeroInitialDelay(t *testing.T) {
	p := BackoffPolicy{Factor: 2.0}
	if d := p.Delay(1); d != time.Second {
		t.Errorf("zero initial delay should fall back to 1s, got %v", d)
	}
}
