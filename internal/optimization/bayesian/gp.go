package bayesian

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/safeopt/internal/optimization"
	"github.com/copyleftdev/safeopt/internal/optimization/kernels"
)

// Length scales of the surrogate kernel. They are fixed, never inferred.
const (
	// SurrogateLengthScale is used for the synthetic and gym-style experiments.
	SurrogateLengthScale = 0.1
	// HardwareLengthScale is used for the hardware-tuned policy search.
	HardwareLengthScale = 0.2
)

// GP implements a zero-mean Gaussian Process regression model with a fixed
// kernel and homoscedastic Gaussian noise.
type GP struct {
	// Kernel function
	kernel kernels.Kernel

	// Noise standard deviation and variance
	noiseStd float64
	noiseVar float64

	// Training data
	X *mat.Dense    // Input points (n_samples, n_features)
	y *mat.VecDense // Target values (n_samples)

	// Prior covariance of the training inputs, without noise
	prior *mat.SymDense

	// Precomputed values
	alpha *mat.VecDense
	chol  *mat.Cholesky
	L     *mat.TriDense

	// Logger for structured logging
	logger *zap.Logger
}

// NewGP creates a new Gaussian Process model. A nil logger disables logging.
func NewGP(kernel kernels.Kernel, noiseStd float64, logger *zap.Logger) *GP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GP{
		kernel:   kernel,
		noiseStd: noiseStd,
		noiseVar: noiseStd * noiseStd,
		logger:   logger.Named("gaussian_process"),
	}
}

// Kernel returns the covariance function of the model.
func (gp *GP) Kernel() kernels.Kernel {
	return gp.kernel
}

// NoiseStd returns the observation noise standard deviation.
func (gp *GP) NoiseStd() float64 {
	return gp.noiseStd
}

// Fit fits the GP model to the training data
func (gp *GP) Fit(X *mat.Dense, y *mat.VecDense) error {
	const op = "GP.Fit"

	if X == nil || y == nil {
		err := errors.New("input matrices must not be nil")
		return optimization.WrapError(err, "gaussian_process: "+op)
	}
	if X.IsEmpty() || y.IsEmpty() {
		return optimization.WrapError(optimization.ErrNoSamples, "gaussian_process: "+op+": input matrix X must not be empty")
	}

	nSamples, nFeatures := X.Dims()
	yLen := y.Len()

	if nSamples != yLen {
		err := fmt.Errorf("dimension mismatch: X has %d samples but y has length %d: %w",
			nSamples, yLen, optimization.ErrShapeMismatch)
		return optimization.WrapError(err, "gaussian_process: "+op)
	}

	gp.logger.Debug("Fitting GP model",
		zap.Int("samples", nSamples),
		zap.Int("features", nFeatures),
		zap.Float64("noise_var", gp.noiseVar),
	)

	// Store training data
	gp.X = mat.DenseCopyOf(X)
	gp.y = mat.VecDenseCopyOf(y)
	gp.prior = gp.computeKernelMatrix(gp.X)

	chol, jitter, err := gp.factorize(gp.prior)
	if err != nil {
		return optimization.WrapError(err, "gaussian_process: "+op)
	}
	gp.chol = chol
	gp.L = &mat.TriDense{}
	chol.LTo(gp.L)

	// Solve for alpha: (K + noise*I) * alpha = y
	alpha := mat.NewVecDense(nSamples, nil)
	if err := chol.SolveVecTo(alpha, gp.y); err != nil {
		return optimization.WrapError(fmt.Errorf("failed to solve linear system: %w", err), "gaussian_process: "+op)
	}
	gp.alpha = alpha

	gp.logger.Debug("Successfully fitted GP model",
		zap.Int("samples", nSamples),
		zap.Float64("jitter", jitter),
	)

	return nil
}

// computeKernelMatrix computes the prior covariance of the training inputs
func (gp *GP) computeKernelMatrix(X *mat.Dense) *mat.SymDense {
	K := kernels.SymMatrix(gp.kernel, X)

	// Log the condition number of the matrix
	if ce := gp.logger.Check(zap.DebugLevel, "Kernel matrix condition number"); ce != nil {
		var svd mat.SVD
		if svd.Factorize(K, mat.SVDNone) {
			s := svd.Values(nil)
			cond := math.Inf(1)
			if s[len(s)-1] > 0 {
				cond = s[0] / s[len(s)-1]
			}
			ce.Write(
				zap.Float64("condition_number", cond),
				zap.Float64("max_singular_value", s[0]),
				zap.Float64("min_singular_value", s[len(s)-1]),
			)
		}
	}

	return K
}

// factorize computes the Cholesky factor of K + noise*I, adding jitter to the
// diagonal when the matrix is not numerically positive definite.
func (gp *GP) factorize(K *mat.SymDense) (*mat.Cholesky, float64, error) {
	n := K.SymmetricDim()
	jitter := 0.0
	const maxAttempts = 10

	for attempt := 0; attempt < maxAttempts; attempt++ {
		A := mat.NewSymDense(n, nil)
		A.CopySym(K)
		for i := 0; i < n; i++ {
			A.SetSym(i, i, A.At(i, i)+gp.noiseVar+jitter)
		}

		var chol mat.Cholesky
		if chol.Factorize(A) {
			return &chol, jitter, nil
		}

		gp.logger.Debug("Cholesky factorization failed, increasing jitter",
			zap.Int("attempt", attempt+1),
			zap.Float64("jitter", jitter))
		if jitter == 0 {
			jitter = 1e-12
		} else {
			jitter *= 10
		}
	}

	return nil, jitter, errors.New("Cholesky decomposition failed: matrix is not positive definite")
}

// Predict returns the posterior mean and variance of the latent function at
// the rows of X. Variances are clamped to be non-negative.
func (gp *GP) Predict(X *mat.Dense) (*mat.VecDense, *mat.VecDense, error) {
	const op = "GP.Predict"

	if X == nil {
		return nil, nil, optimization.WrapError(
			errors.New("input matrix X is nil"),
			"gaussian_process: "+op,
		)
	}

	if gp == nil || gp.X == nil || gp.alpha == nil {
		return nil, nil, optimization.WrapError(
			errors.New("model not trained or no training data"),
			"gaussian_process: "+op,
		)
	}

	nTest, testFeatures := X.Dims()
	nTrain, nFeatures := gp.X.Dims()
	if testFeatures != nFeatures {
		return nil, nil, optimization.WrapError(
			fmt.Errorf("test points have %d features, model has %d: %w", testFeatures, nFeatures, optimization.ErrShapeMismatch),
			"gaussian_process: "+op,
		)
	}

	// Cross covariance between test and training points
	Kstar := kernels.Matrix(gp.kernel, X, gp.X)

	mean := mat.NewVecDense(nTest, nil)
	mean.MulVec(Kstar, gp.alpha)

	// v = L^-1 * K*^T, variance = k(x,x) - sum(v^2, 1)
	var v mat.Dense
	if err := v.Solve(gp.L, Kstar.T()); err != nil {
		return nil, nil, optimization.WrapError(
			fmt.Errorf("failed to solve triangular system: %w", err),
			"gaussian_process: "+op,
		)
	}

	variance := mat.NewVecDense(nTest, nil)
	negative := 0
	for i := 0; i < nTest; i++ {
		x := X.RawRowView(i)
		sum := 0.0
		for j := 0; j < nTrain; j++ {
			val := v.At(j, i)
			sum += val * val
		}
		s := gp.kernel.Eval(x, x) - sum
		if s < 0 {
			negative++
			s = 0
		}
		variance.SetVec(i, s)
	}
	if negative > 0 {
		gp.logger.Debug("Negative variance detected, clamped to zero",
			zap.Int("points", negative),
		)
	}

	return mean, variance, nil
}

// K returns a copy of the prior covariance matrix of the
// training inputs, without the noise term.
func (gp *GP) K() *mat.SymDense {
	if gp.prior == nil {
		return nil
	}
	K := mat.NewSymDense(gp.prior.SymmetricDim(), nil)
	K.CopySym(gp.prior)
	return K
}

// MeanRKHSNorm returns the RKHS norm of the posterior mean function,
// sqrt(alpha^T K alpha) with alpha = (K + noise*I)^-1 y.
func (gp *GP) MeanRKHSNorm() (float64, error) {
	if gp.alpha == nil {
		return 0, optimization.WrapError(errors.New("model not trained or no training data"), "gaussian_process: GP.MeanRKHSNorm")
	}
	sq := mat.Inner(gp.alpha, gp.prior, gp.alpha)
	return math.Sqrt(math.Max(0, sq)), nil
}
