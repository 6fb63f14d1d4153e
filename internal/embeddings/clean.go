package embeddings

import "math"

// CleanArray replaces NaN and ±Inf with 0 in place and returns the same slice
func CleanArray(v []float32) []float32 {
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			v[i] = 0
		}
	}
	return v
}

// CleanMatrix applies CleanArray to every row
func CleanMatrix(m [][]float32) [][]float32 {
	for _, row := range m {
		CleanArray(row)
	}
	return m
}
