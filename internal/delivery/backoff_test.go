// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"testing"
	"time"
)

func TestBackoffDoublesUntilCap(t *testing.T) {
	p := BackoffPolicy{Base: 5 * time.Second, Max: 10 * time.Minute}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{7, 10 * time.Minute},
		{30, 10 * time.Minute},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Max: time.Minute, JitterFraction: 0.2}

	for i := 0; i < 100; i++ {
		d := p.Delay(2)
		if d < 4*time.Second || d > 4*time.Second+800*time.Millisecond {
			t.Fatalf("Delay(2) = %v, want within [4s, 4.8s]", d)
		}
	}
}

func TestBackoffMonotonicWithoutJitter(t *testing.T) {
	p := BackoffPolicy{Base: 3 * time.Second, Max: 5 * time.Minute}

	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		d := p.Delay(attempt)
		if d < prev {
			t.Fatalf("Delay(%d) = %v decreased from %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestBackoffDefaultsOnZeroValues(t *testing.T) {
	var p BackoffPolicy
	if d := p.Delay(0); d != 5*time.Second {
		t.Fatalf("zero-value Delay(0) = %v, want 5s", d)
	}
	if d := p.Delay(-3); d != 5*time.Second {
		t.Fatalf("Delay(-3) = %v, want 5s", d)
	}
}

func TestNextRetryAt(t *testing.T) {
	p := BackoffPolicy{Base: 5 * time.Second, Max: time.Minute}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := p.NextRetryAt(now, 1); !got.Equal(now.Add(10 * time.Second)) {
		t.Fatalf("NextRetryAt = %v, want %v", got, now.Add(10*time.Second))
	}
}
