package lifecycle

import (
	"testing"
	"time"
)

func TestBackoffSequence(t *testing.T) {
	b := BackoffPolicy{Base: 5 * time.Second, Max: 60 * time.Second}
	want := []time.Duration{5, 10, 20, 40, 60, 60, 60}
	for i, w := range want {
		if got := b.Delay(i); got != w*time.Second {
			t.Fatalf("retry %d: got %v want %v", i, got, w*time.Second)
		}
	}
}

func TestBackoffLargeRetryDoesNotOverflow(t *testing.T) {
	b := BackoffPolicy{Base: time.Minute, Max: time.Hour}
	if got := b.Delay(1000); got != time.Hour {
		t.Fatalf("expected cap, got %v", got)
	}
}

func TestBackoffDefaults(t *testing.T) {
	var b BackoffPolicy
	if got := b.Delay(0); got != DefaultBaseDelay {
		t.Fatalf("expected default base, got %v", got)
	}
	if got := b.Delay(-3); got != DefaultBaseDelay {
		t.Fatalf("negative retry must use base, got %v", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	for _, r := range []float64{0, 0.5, 0.999} {
		b := BackoffPolicy{Base: 10 * time.Second, Max: time.Minute, Jitter: 0.2, rand: func() float64 { return r }}
		got := b.Delay(0)
		if got < 8*time.Second || got > 12*time.Second {
			t.Fatalf("rand %v: delay %v outside jitter bounds", r, got)
		}
	}
}
