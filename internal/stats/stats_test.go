package stats

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestMean(t *testing.T) {
	tests := []struct {
		xs   []float64
		want float64
	}{
		{nil, 0},
		{[]float64{5}, 5},
		{[]float64{1, 2, 3, 4}, 2.5},
	}
	for _, tt := range tests {
		if got := Mean(tt.xs); !almostEqual(got, tt.want) {
			t.Errorf("Mean(%v) = %v, want %v", tt.xs, got, tt.want)
		}
	}
}

func TestVariance(t *testing.T) {
	if got := Variance([]float64{5}); got != 0 {
		t.Errorf("single value variance = %v, want 0", got)
	}
	if got := Variance([]float64{2, 4, 4, 4, 5, 5, 7, 9}); !almostEqual(got, 4) {
		t.Errorf("Variance = %v, want 4", got)
	}
	if got := StdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9}); !almostEqual(got, 2) {
		t.Errorf("StdDev = %v, want 2", got)
	}
}

func TestWeightedMean(t *testing.T) {
	tests := []struct {
		name string
		xs   []float64
		ws   []float64
		want float64
	}{
		{"empty", nil, nil, 0},
		{"mismatched lengths", []float64{1, 2}, []float64{1}, 0},
		{"equal weights", []float64{10, 20}, []float64{1, 1}, 15},
		{"skewed weights", []float64{10, 20}, []float64{3, 1}, 12.5},
		{"zero weights ignored", []float64{10, 999}, []float64{1, 0}, 10},
		{"all zero weights", []float64{10, 20}, []float64{0, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WeightedMean(tt.xs, tt.ws); !almostEqual(got, tt.want) {
				t.Errorf("WeightedMean = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPearson(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	if got := Pearson(x, x); !almostEqual(got, 1) {
		t.Errorf("perfect correlation = %v, want 1", got)
	}
	inv := []float64{5, 4, 3, 2, 1}
	if got := Pearson(x, inv); !almostEqual(got, -1) {
		t.Errorf("perfect anticorrelation = %v, want -1", got)
	}
	flat := []float64{3, 3, 3, 3, 3}
	if got := Pearson(x, flat); got != 0 {
		t.Errorf("undefined correlation = %v, want 0", got)
	}
}

func TestLift(t *testing.T) {
	tests := []struct {
		name              string
		a, b, both, total int
		want              float64
	}{
		{"independent", 5, 5, 2, 10, 0.2 / 0.25},
		{"perfect co-occurrence", 5, 5, 5, 10, 2},
		{"empty marginal", 0, 5, 0, 10, 0},
		{"zero total", 0, 0, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Lift(tt.a, tt.b, tt.both, tt.total); !almostEqual(got, tt.want) {
				t.Errorf("Lift = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShareAndClamp(t *testing.T) {
	if got := Share(3, 4); !almostEqual(got, 0.75) {
		t.Errorf("Share(3,4) = %v", got)
	}
	if got := Share(3, 0); got != 0 {
		t.Errorf("Share(3,0) = %v, want 0", got)
	}
	if got := Clamp(-5, 0, 100); got != 0 {
		t.Errorf("Clamp low = %v", got)
	}
	if got := Clamp(105, 0, 100); got != 100 {
		t.Errorf("Clamp high = %v", got)
	}
	if got := Clamp(42, 0, 100); got != 42 {
		t.Errorf("Clamp mid = %v", got)
	}
}
