package kernels

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/safeopt/internal/optimization"
)

// Matrix computes the cross-covariance matrix K[i][j] = k(a_i, b_j)
func Matrix(k Kernel, a, b *mat.Dense) *mat.Dense {
	ra, _ := a.Dims()
	rb, _ := b.Dims()
	K := mat.NewDense(ra, rb, nil)
	for i := 0; i < ra; i++ {
		x1 := a.RawRowView(i)
		for j := 0; j < rb; j++ {
			K.Set(i, j, k.Eval(x1, b.RawRowView(j)))
		}
	}
	return K
}

// SymMatrix computes the covariance matrix of the rows of a
func SymMatrix(k Kernel, a *mat.Dense) *mat.SymDense {
	n, _ := a.Dims()
	K := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		x1 := a.RawRowView(i)
		for j := i; j < n; j++ {
			K.SetSym(i, j, k.Eval(x1, a.RawRowView(j)))
		}
	}
	return K
}

// RequireRadial returns ErrNotRadial when k lacks the radial unit-variance
// property needed by Distance.
func RequireRadial(k Kernel) error {
	if k == nil || !k.IsRadial() {
		return optimization.WrapErrorf(optimization.ErrNotRadial, "kernel %T", k).
			WithComponent("kernels").WithOperation("RequireRadial")
	}
	return nil
}

// Distance returns the kernel-induced distance sqrt(k(x,x) + k(y,y) - 2k(x,y)),
// which is sqrt(2 - 2k(x,y)) for radial unit-variance kernels.
func Distance(k Kernel, x, y []float64) (float64, error) {
	if err := RequireRadial(k); err != nil {
		return 0, err
	}
	return radialDistance(k, x, y), nil
}

// radialDistance assumes k already passed RequireRadial.
func radialDistance(k Kernel, x, y []float64) float64 {
	return math.Sqrt(math.Max(0, 2-2*k.Eval(x, y)))
}

// DistanceFunc returns a distance function bound to k after checking the
// radial property once.
func DistanceFunc(k Kernel) (func(x, y []float64) float64, error) {
	if err := RequireRadial(k); err != nil {
		return nil, err
	}
	return func(x, y []float64) float64 { return radialDistance(k, x, y) }, nil
}
