package game

import (
	"time"

	"github.com/shopspring/decimal"
)

var MIN_MULTIPLIER = decimal.NewFromInt(1)

// MultiplierAt computes the flight multiplier after elapsed time in flight.
// It depends only on elapsed time, so every observer computes the same
// value for the same instant, and it never decreases.
func MultiplierAt(elapsed time.Duration) decimal.Decimal {
	if elapsed <= 0 {
		return MIN_MULTIPLIER
	}
	s := elapsed.Seconds()
	mult := 1.0 + (s / 1.5) + (s * s * 0.005)
	return decimal.NewFromFloat(mult).Truncate(2)
}
