package hnsw

import "gonum.org/v1/gonum/floats"

// Metric selects the distance function used to order candidates
// (spec.md §4.6). Euclidean is evaluated in squared form internally, as
// the spec requires, since squaring is monotonic and avoids a sqrt per
// comparison.
type Metric int

const (
	MetricEuclidean Metric = iota
	MetricCosine
	MetricInnerProduct
)

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// distance returns the ordering distance between a and b under m. Lower
// is always closer, including for cosine and inner product (negated).
func distance(m Metric, a, b []float64) float64 {
	switch m {
	case MetricCosine:
		na := floats.Norm(a, 2)
		nb := floats.Norm(b, 2)
		if na == 0 || nb == 0 {
			return 1
		}
		return 1 - floats.Dot(a, b)/(na*nb)
	case MetricInnerProduct:
		return -floats.Dot(a, b)
	default:
		d := floats.Distance(a, b, 2)
		return d * d
	}
}
