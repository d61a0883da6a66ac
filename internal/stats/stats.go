// Package stats provides the statistical primitives shared by the scoring,
// root-cause, and rollup engines.
package stats

import "math"

// Mean returns the arithmetic mean of xs, or 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Variance returns the population variance of xs, or 0 for fewer than two values.
func Variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := Mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return ss / float64(len(xs))
}

// StdDev returns the population standard deviation of xs.
func StdDev(xs []float64) float64 {
	return math.Sqrt(Variance(xs))
}

// WeightedMean returns the mean of xs weighted by ws. Entries with
// non-positive weight are ignored. Returns 0 when no weight remains.
func WeightedMean(xs, ws []float64) float64 {
	if len(xs) == 0 || len(xs) != len(ws) {
		return 0
	}
	var sum, wsum float64
	for i, x := range xs {
		if ws[i] <= 0 {
			continue
		}
		sum += x * ws[i]
		wsum += ws[i]
	}
	if wsum == 0 {
		return 0
	}
	return sum / wsum
}

// Pearson returns the Pearson correlation coefficient between x and y,
// or 0 when undefined.
func Pearson(x, y []float64) float64 {
	n := len(x)
	if n == 0 || len(y) != n {
		return 0
	}

	var sumX, sumY, sumXY, sumX2, sumY2 float64
	for i := 0; i < n; i++ {
		sumX += x[i]
		sumY += y[i]
		sumXY += x[i] * y[i]
		sumX2 += x[i] * x[i]
		sumY2 += y[i] * y[i]
	}

	nf := float64(n)
	num := nf*sumXY - sumX*sumY
	den := math.Sqrt((nf*sumX2 - sumX*sumX) * (nf*sumY2 - sumY*sumY))
	if den == 0 {
		return 0
	}
	return num / den
}

// Lift returns the co-occurrence lift P(a∧b)/(P(a)·P(b)) given the number
// of units exhibiting a, b, both, and the total unit count. Returns 0 when
// either marginal is empty.
func Lift(countA, countB, countBoth, total int) float64 {
	if total == 0 || countA == 0 || countB == 0 {
		return 0
	}
	pA := float64(countA) / float64(total)
	pB := float64(countB) / float64(total)
	pAB := float64(countBoth) / float64(total)
	return pAB / (pA * pB)
}

// Share returns part/whole, or 0 when whole is 0.
func Share(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
