package proxy

import (
	"testing"
	"time"
)

func TestRetryPolicyForRoute_Defaults(t *testing.T) {
	cases := []struct {
		route       string
		wantRetries int
	}{
		{"chat_completions", 3},
		{"", 3},
		{"embeddings", 5},
		{"models_list", 5},
		{"image_generation", 1},
	}

	for _, c := range cases {
		p := retryPolicyForRoute(c.route)
		if p.MaxRetries != c.wantRetries {
			t.Errorf("route %q: MaxRetries = %d, want %d", c.route, p.MaxRetries, c.wantRetries)
		}
	}
}

func TestRetryPolicy_DelayGrowsExponentially(t *testing.T) {
	p := RetryPolicy{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0, // disable jitter for deterministic comparison
	}

	d0 := p.delay(0)
	d1 := p.delay(1)
	d2 := p.delay(2)

	if d0 != 100*time.Millisecond {
		t.Errorf("delay(0) = %v, want 100ms", d0)
	}
	if d1 != 200*time.Millisecond {
		t.Errorf("delay(1) = %v, want 200ms", d1)
	}
	if d2 != 400*time.Millisecond {
		t.Errorf("delay(2) = %v, want 400ms", d2)
	}
}

func TestRetryPolicy_DelayCappedAtMaxDelay(t *testing.T) {
	p := RetryPolicy{
		InitialDelay:      1 * time.Second,
		MaxDelay:          3 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0,
	}

	d := p.delay(10) // would be enormous without the cap
	if d != 3*time.Second {
		t.Errorf("delay(10) = %v, want capped at 3s", d)
	}
}

func TestRetryPolicy_JitterStaysWithinBounds(t *testing.T) {
	p := RetryPolicy{
		InitialDelay:      1 * time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}

	base := 1 * time.Second
	lo := time.Duration(float64(base) * 0.8)
	hi := time.Duration(float64(base) * 1.2)

	for i := 0; i < 50; i++ {
		d := p.delay(0)
		if d < lo || d > hi {
			t.Fatalf("delay(0) = %v out of jitter bounds [%v, %v]", d, lo, hi)
		}
	}
}

func TestRetryPolicy_NeverNegative(t *testing.T) {
	p := RetryPolicy{
		InitialDelay:      1 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            1.0, // maximal jitter, could swing below zero without clamping
	}

	for i := 0; i < 50; i++ {
		if d := p.delay(0); d < 0 {
			t.Fatalf("delay(0) = %v, must never be negative", d)
		}
	}
}
