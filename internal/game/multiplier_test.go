package game

import (
	"testing"
	"time"
)

func TestMultiplierAt(t *testing.T) {
	tests := []struct {
		elapsed time.Duration
		want    string
	}{
		{-time.Second, "1.00"},
		{0, "1.00"},
		{100 * time.Millisecond, "1.06"},
		{1200 * time.Millisecond, "1.80"},
		{2300 * time.Millisecond, "2.55"},
		{10 * time.Second, "8.16"},
	}

	for _, tt := range tests {
		t.Run(tt.elapsed.String(), func(t *testing.T) {
			if got := MultiplierAt(tt.elapsed); !got.Equal(d(tt.want)) {
				t.Errorf("MultiplierAt(%v) = %s, want %s", tt.elapsed, got, tt.want)
			}
		})
	}
}

func TestMultiplierAt_Monotonic(t *testing.T) {
	prev := MultiplierAt(0)
	for elapsed := time.Duration(0); elapsed <= 60*time.Second; elapsed += 10 * time.Millisecond {
		m := MultiplierAt(elapsed)
		if m.LessThan(prev) {
			t.Fatalf("multiplier decreased at %v: %s < %s", elapsed, m, prev)
		}
		if !m.Equal(m.Truncate(2)) {
			t.Fatalf("multiplier %s at %v has more than two decimals", m, elapsed)
		}
		prev = m
	}
}
