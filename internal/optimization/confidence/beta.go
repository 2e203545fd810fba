// Package confidence turns a GP posterior and an RKHS-norm bound into
// frequentist confidence bounds.
package confidence

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/safeopt/internal/optimization"
)

// Beta returns the confidence scaling
//
//	beta = B + sqrt(noiseStd*logdet(I + K/noiseStd) - 2*noiseStd*log(delta))
//
// where K is the prior covariance of the training inputs without noise.
// A nil or empty K contributes a zero log-determinant.
func Beta(B float64, K *mat.SymDense, noiseStd, delta float64) (float64, error) {
	if noiseStd <= 0 {
		return 0, optimization.NewErrorf("noise std must be positive, got %v", noiseStd).
			WithComponent("confidence").WithOperation("Beta")
	}
	if delta <= 0 || delta >= 1 {
		return 0, optimization.NewErrorf("delta must be in (0,1), got %v", delta).
			WithComponent("confidence").WithOperation("Beta")
	}

	logDet := 0.0
	if K != nil && !K.IsEmpty() {
		var err error
		if logDet, err = logDetShifted(K, noiseStd); err != nil {
			return 0, err
		}
	}

	inside := noiseStd*logDet - 2*noiseStd*math.Log(delta)
	return B + math.Sqrt(math.Max(0, inside)), nil
}

// logDetShifted computes logdet(I + K/s). The matrix is positive definite in
// exact arithmetic; LU is the fallback when Cholesky fails numerically.
func logDetShifted(K *mat.SymDense, s float64) (float64, error) {
	n := K.SymmetricDim()
	A := mat.NewSymDense(n, nil)
	A.ScaleSym(1/s, K)
	for i := 0; i < n; i++ {
		A.SetSym(i, i, A.At(i, i)+1)
	}

	var chol mat.Cholesky
	if chol.Factorize(A) {
		return chol.LogDet(), nil
	}

	var lu mat.LU
	lu.Factorize(A)
	logDet, sign := lu.LogDet()
	if sign <= 0 || math.IsNaN(logDet) {
		return 0, optimization.NewErrorf("I + K/%v is not positive definite", s).
			WithComponent("confidence").WithOperation("Beta")
	}
	return logDet, nil
}

// Bounds returns lcb = mean - beta*sqrt(var) and ucb = mean + beta*sqrt(var).
func Bounds(mean, variance []float64, beta float64) (lcb, ucb []float64, err error) {
	if len(mean) != len(variance) {
		return nil, nil, optimization.WrapErrorf(optimization.ErrShapeMismatch, "%d means but %d variances", len(mean), len(variance)).
			WithComponent("confidence").WithOperation("Bounds")
	}
	lcb = make([]float64, len(mean))
	ucb = make([]float64, len(mean))
	for i := range mean {
		w := beta * math.Sqrt(math.Max(0, variance[i]))
		lcb[i] = mean[i] - w
		ucb[i] = mean[i] + w
	}
	return lcb, ucb, nil
}
