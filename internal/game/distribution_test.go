package game

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/shopspring/decimal"
)

type fixedSource struct {
	values []float64
	i      int
}

func (f *fixedSource) Float64() float64 {
	v := f.values[f.i%len(f.values)]
	f.i++
	return v
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name    string
		ranges  []CrashRange
		wantErr bool
	}{
		{"valid", testRanges, false},
		{"empty", nil, true},
		{"sum too low", []CrashRange{{Low: d("1"), High: d("2"), Probability: 0.5}}, true},
		{"sum within tolerance", []CrashRange{{Low: d("1"), High: d("2"), Probability: 0.995}}, false},
		{"negative probability", []CrashRange{
			{Low: d("1"), High: d("2"), Probability: 1.2},
			{Low: d("2"), High: d("3"), Probability: -0.2},
		}, true},
		{"low below one", []CrashRange{{Low: d("0.50"), High: d("2"), Probability: 1}}, true},
		{"high below low", []CrashRange{{Low: d("3"), High: d("2"), Probability: 1}}, true},
		{"degenerate range", []CrashRange{{Low: d("2.50"), High: d("2.50"), Probability: 1}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRanges(tt.ranges)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateRanges() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestSampleCrashPoint_PicksRangeByCumulativeProbability(t *testing.T) {
	tests := []struct {
		name   string
		bucket float64
		point  float64
		want   string
	}{
		{"first range start", 0.0, 0.0, "1.00"},
		{"first range middle", 0.69, 0.5, "1.50"},
		{"second range", 0.71, 0.5, "6.00"},
		{"third range", 0.99, 0.0, "10.00"},
		{"top of last range", 0.999, 0.9999999, "99.99"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fixedSource{values: []float64{tt.bucket, tt.point}}
			got := SampleCrashPoint(testRanges, src)
			if !got.Equal(d(tt.want)) {
				t.Errorf("SampleCrashPoint() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSampleCrashPoint_SkipsZeroProbability(t *testing.T) {
	ranges := []CrashRange{
		{Low: d("50"), High: d("60"), Probability: 0},
		{Low: d("1"), High: d("2"), Probability: 1},
		{Low: d("70"), High: d("80"), Probability: 0},
	}

	for _, bucket := range []float64{0, 0.5, 0.9999} {
		got := SampleCrashPoint(ranges, &fixedSource{values: []float64{bucket, 0.25}})
		if !got.Equal(d("1.25")) {
			t.Errorf("bucket %v: got %s, want 1.25", bucket, got)
		}
	}
}

func TestSampleCrashPoint_DegenerateRange(t *testing.T) {
	ranges := []CrashRange{{Low: d("2.50"), High: d("2.50"), Probability: 1}}

	got := SampleCrashPoint(ranges, &fixedSource{values: []float64{0.3, 0.7}})
	if !got.Equal(d("2.50")) {
		t.Errorf("SampleCrashPoint() = %s, want 2.50", got)
	}
}

func TestSampleCrashPoint_FallbackOnInvalidConfig(t *testing.T) {
	invalid := [][]CrashRange{
		nil,
		{{Low: d("1"), High: d("2"), Probability: 0.3}},
		{{Low: d("0.2"), High: d("5"), Probability: 1}},
	}

	src := rand.New(rand.NewPCG(1, 2))
	for i, ranges := range invalid {
		for n := 0; n < 200; n++ {
			got := SampleCrashPoint(ranges, src)
			if got.LessThan(d("1.00")) || got.GreaterThanOrEqual(d("2.00")) {
				t.Fatalf("config %d: got %s, want [1.00, 2.00)", i, got)
			}
		}
	}
}

func TestSampleCrashPoint_Distribution(t *testing.T) {
	const samples = 100000
	src := rand.New(rand.NewPCG(42, 1337))

	counts := make([]int, len(testRanges))
	for i := 0; i < samples; i++ {
		point := SampleCrashPoint(testRanges, src)
		if !point.Equal(point.Truncate(2)) {
			t.Fatalf("crash point %s has more than two decimals", point)
		}
		for j, r := range testRanges {
			if point.GreaterThanOrEqual(r.Low) && point.LessThan(r.High) {
				counts[j]++
				break
			}
		}
	}

	for j, r := range testRanges {
		got := float64(counts[j]) / samples
		if math.Abs(got-r.Probability) > 0.01 {
			t.Errorf("range %d: frequency %.4f, want %.2f ± 0.01", j, got, r.Probability)
		}
	}
}
