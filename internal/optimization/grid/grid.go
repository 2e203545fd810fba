// Package grid builds and filters the discretizations the safe optimizer
// classifies points on.
package grid

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/safeopt/internal/optimization"
)

// Cartesian returns the cartesian product of pointsPerAxis evenly spaced
// values between lb[i] and ub[i] along every axis. The last axis varies
// fastest.
func Cartesian(lb, ub []float64, pointsPerAxis int) (*mat.Dense, error) {
	if len(lb) == 0 || len(lb) != len(ub) {
		return nil, optimization.WrapErrorf(optimization.ErrInvalidBounds, "lb has %d entries, ub has %d", len(lb), len(ub)).
			WithComponent("grid").WithOperation("Cartesian")
	}
	if pointsPerAxis < 1 {
		return nil, optimization.NewErrorf("points per axis must be positive, got %d", pointsPerAxis).
			WithComponent("grid").WithOperation("Cartesian")
	}
	for i := range lb {
		if lb[i] > ub[i] {
			return nil, optimization.WrapErrorf(optimization.ErrInvalidBounds, "lb[%d]=%v > ub[%d]=%v", i, lb[i], i, ub[i]).
				WithComponent("grid").WithOperation("Cartesian")
		}
	}

	dim := len(lb)
	axes := make([][]float64, dim)
	for d := range axes {
		axes[d] = Linspace(lb[d], ub[d], pointsPerAxis)
	}

	n := int(math.Pow(float64(pointsPerAxis), float64(dim)))
	out := mat.NewDense(n, dim, nil)
	idx := make([]int, dim)
	for row := 0; row < n; row++ {
		for d := 0; d < dim; d++ {
			out.Set(row, d, axes[d][idx[d]])
		}
		for d := dim - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < pointsPerAxis {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}

// Unit returns the cartesian grid of the unit hypercube in dim dimensions.
func Unit(dim, pointsPerAxis int) (*mat.Dense, error) {
	lb := make([]float64, dim)
	ub := make([]float64, dim)
	for i := range ub {
		ub[i] = 1
	}
	return Cartesian(lb, ub, pointsPerAxis)
}

// Linspace returns n evenly spaced values from start to stop inclusive.
func Linspace(start, stop float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = stop
	return out
}

// InBox reports whether lb <= x <= ub holds in every coordinate.
func InBox(x, lb, ub []float64) bool {
	for i := range x {
		if x[i] < lb[i] || x[i] > ub[i] {
			return false
		}
	}
	return true
}

// BoxIndices returns the indices of the rows of g that lie inside [lb, ub].
func BoxIndices(g *mat.Dense, lb, ub []float64) []int {
	n, _ := g.Dims()
	var idx []int
	for i := 0; i < n; i++ {
		if InBox(g.RawRowView(i), lb, ub) {
			idx = append(idx, i)
		}
	}
	return idx
}

// Rows returns a new matrix holding the given rows of g.
func Rows(g *mat.Dense, idx []int) *mat.Dense {
	_, c := g.Dims()
	if len(idx) == 0 {
		return nil
	}
	out := mat.NewDense(len(idx), c, nil)
	for i, r := range idx {
		out.SetRow(i, g.RawRowView(r))
	}
	return out
}

// FromRows packs row slices into a matrix. It returns nil for no rows.
func FromRows(rows [][]float64) *mat.Dense {
	if len(rows) == 0 {
		return nil
	}
	out := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, r := range rows {
		out.SetRow(i, r)
	}
	return out
}

// PointsPerAxis recovers the per-axis resolution of a cartesian grid with n
// rows in dim dimensions.
func PointsPerAxis(n, dim int) int {
	return int(math.Round(math.Pow(float64(n), 1/float64(dim))))
}

// ChebyshevDistance returns max_i |a_i - b_i|.
func ChebyshevDistance(a, b []float64) float64 {
	d := 0.0
	for i := range a {
		d = math.Max(d, math.Abs(a[i]-b[i]))
	}
	return d
}
