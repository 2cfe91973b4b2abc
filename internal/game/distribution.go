package game

import (
	"log"
	"math"

	"github.com/shopspring/decimal"
)

const PROBABILITY_TOLERANCE = 0.01

var (
	minCrashPoint = decimal.NewFromInt(1)
	fallbackRange = CrashRange{
		Low:         decimal.NewFromInt(1),
		High:        decimal.NewFromInt(2),
		Probability: 1.0,
	}
)

// CrashRange is one weighted bucket of crash points, sampled in [Low, High).
type CrashRange struct {
	Low         decimal.Decimal `json:"low"`
	High        decimal.Decimal `json:"high"`
	Probability float64         `json:"probability"`
}

// Source yields uniform values in [0, 1).
type Source interface {
	Float64() float64
}

// ValidateRanges reports why a range configuration cannot be sampled.
func ValidateRanges(ranges []CrashRange) error {
	if len(ranges) == 0 {
		return ErrInvalidRequest.with("no crash ranges configured")
	}
	total := 0.0
	for i, r := range ranges {
		if r.Probability < 0 || math.IsNaN(r.Probability) {
			return ErrInvalidRequest.with("range %d: negative probability", i)
		}
		if r.Low.LessThan(minCrashPoint) {
			return ErrInvalidRequest.with("range %d: low %s below 1.00", i, r.Low)
		}
		if r.High.LessThan(r.Low) {
			return ErrInvalidRequest.with("range %d: high %s below low %s", i, r.High, r.Low)
		}
		total += r.Probability
	}
	if math.Abs(total-1.0) > PROBABILITY_TOLERANCE {
		return ErrInvalidRequest.with("probabilities sum to %.4f", total)
	}
	return nil
}

// SampleCrashPoint picks a range by cumulative probability and a point
// uniformly inside it, truncated to two decimals. Invalid configurations
// fall back to [1.00, 2.00).
func SampleCrashPoint(ranges []CrashRange, src Source) decimal.Decimal {
	if err := ValidateRanges(ranges); err != nil {
		log.Printf("[GAME] Crash range config rejected, using fallback: %v", err)
		ranges = []CrashRange{fallbackRange}
	}

	r := src.Float64()
	var chosen CrashRange
	cumulative := 0.0
	for _, cr := range ranges {
		if cr.Probability <= 0 {
			continue
		}
		chosen = cr
		cumulative += cr.Probability
		if cumulative >= r {
			break
		}
	}

	return pointInRange(chosen, src.Float64())
}

func pointInRange(cr CrashRange, u float64) decimal.Decimal {
	if cr.High.Equal(cr.Low) {
		return cr.Low
	}
	span := cr.High.Sub(cr.Low)
	point := cr.Low.Add(span.Mul(decimal.NewFromFloat(u))).Truncate(2)
	if point.GreaterThanOrEqual(cr.High) {
		point = cr.High.Sub(decimal.New(1, -2))
	}
	if point.LessThan(cr.Low) {
		point = cr.Low
	}
	return decimal.Max(point, minCrashPoint)
}
