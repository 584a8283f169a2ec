package render

import (
	"math"
	"slices"
)

// RangeFunc computes the display ceiling and floor of a row-major image with
// the given number of columns and rows.
type RangeFunc func(pix []float64, cols, rows, window int) (vmax, vmin float64)

// DisplayRange is the default RangeFunc. The ceiling is the largest value in
// the 2*window square just above-left of the image center, so bright
// neighbours near the edges do not wash out the target. The floor is the
// global minimum plus 0.2 times the median absolute deviation. NaN pixels are
// ignored.
func DisplayRange(pix []float64, cols, rows, window int) (vmax, vmin float64) {
	if window < 1 {
		window = 1
	}
	cx, cy := rows/2, cols/2
	r0, r1 := max(cx-window, 0), min(cx+window, rows)
	c0, c1 := max(cy-window, 0), min(cy+window, cols)

	vmax = math.NaN()
	for r := r0; r < r1; r++ {
		for c := c0; c < c1; c++ {
			v := pix[r*cols+c]
			if math.IsNaN(v) {
				continue
			}
			if math.IsNaN(vmax) || v > vmax {
				vmax = v
			}
		}
	}

	finite := finiteValues(pix)
	if len(finite) == 0 {
		return 0, 0
	}
	lo, _ := minMax(finite)
	if math.IsNaN(vmax) {
		_, vmax = minMax(finite)
	}
	med := median(finite)
	dev := make([]float64, len(finite))
	for i, v := range finite {
		dev[i] = math.Abs(v - med)
	}
	vmin = lo + 0.2*median(dev)
	return vmax, vmin
}

func finiteValues(pix []float64) []float64 {
	out := make([]float64, 0, len(pix))
	for _, v := range pix {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

func minMax(vals []float64) (lo, hi float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	return slices.Min(vals), slices.Max(vals)
}

// median averages the two middle values for even lengths. vals is sorted in
// place.
func median(vals []float64) float64 {
	n := len(vals)
	if n == 0 {
		return math.NaN()
	}
	slices.Sort(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	return (vals[n/2-1] + vals[n/2]) / 2
}

// minimalRange keeps the display mapping defined for constant images.
const minimalRange = 1e-9

func clampRange(lo, hi float64) (float64, float64) {
	if math.IsNaN(lo) {
		lo = 0
	}
	if math.IsNaN(hi) || hi-lo < minimalRange {
		hi = lo + minimalRange
	}
	return lo, hi
}
