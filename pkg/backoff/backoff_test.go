package backoff

import (
	"testing"
	"time"
)

func TestNextGrowsAndCaps(t *testing.T) {
	b := Backoff{Min: time.Second, Max: 10 * time.Second, Factor: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := b.Next(i + 1); got != w {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w)
		}
	}
}

func TestNextJitterBounds(t *testing.T) {
	b := Backoff{Min: time.Second, Max: time.Second, Jitter: 0.5, Rand: func() float64 { return 1 }}
	if got := b.Next(1); got != 1500*time.Millisecond {
		t.Fatalf("upper jitter bound: got %v", got)
	}
	b.Rand = func() float64 { return 0 }
	if got := b.Next(1); got != 500*time.Millisecond {
		t.Fatalf("lower jitter bound: got %v", got)
	}
}

func TestNextZeroValueDefaults(t *testing.T) {
	var b Backoff
	if got := b.Next(0); got != 100*time.Millisecond {
		t.Fatalf("got %v", got)
	}
}
