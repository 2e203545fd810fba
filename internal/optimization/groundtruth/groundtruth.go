// Package groundtruth generates synthetic objective functions with a known
// RKHS norm and plays the role of the experiment being optimized.
package groundtruth

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/copyleftdev/safeopt/internal/optimization"
	"github.com/copyleftdev/safeopt/internal/optimization/grid"
	"github.com/copyleftdev/safeopt/internal/optimization/kernels"
)

const (
	// DefaultLengthScale is the kernel length scale of generated functions.
	DefaultLengthScale = 0.1

	// DefaultThresholdQuantile places the safety threshold at the 30% quantile
	// of the function values on the grid.
	DefaultThresholdQuantile = 0.3

	// MaxLocalPoints caps the number of grid points used to estimate a local
	// RKHS norm.
	MaxLocalPoints = 10000

	initialNugget     = 1e-4
	maxNuggetAttempts = 12
)

// Config describes a random ground truth.
type Config struct {
	// RKHSNorm is the exact norm the function is rescaled to.
	RKHSNorm float64

	// NumCenters is the number of kernel centers drawn from the grid.
	NumCenters int

	// LengthScale of the Matern 3/2 kernel. Zero means DefaultLengthScale.
	LengthScale float64

	// ThresholdQuantile of the grid values used as safety threshold. Zero
	// means DefaultThresholdQuantile.
	ThresholdQuantile float64
}

func (c Config) withDefaults() Config {
	if c.LengthScale == 0 {
		c.LengthScale = DefaultLengthScale
	}
	if c.ThresholdQuantile == 0 {
		c.ThresholdQuantile = DefaultThresholdQuantile
	}
	return c
}

// Function is f(x) = k(x, C) alpha for centers C and weights alpha.
type Function struct {
	kernel      kernels.Kernel
	lengthScale float64
	centers     *mat.Dense
	alpha       *mat.VecDense
	norm        float64
	threshold   float64

	grid   *mat.Dense
	values []float64

	mu  sync.Mutex
	rng *rand.Rand
}

var _ optimization.LocalNormOracle = (*Function)(nil)

// New draws a random function on the given grid.
func New(cfg Config, g *mat.Dense, rng *rand.Rand) (*Function, error) {
	cfg = cfg.withDefaults()
	switch {
	case g == nil || g.IsEmpty():
		return nil, optimization.NewError("grid must not be empty").WithComponent("groundtruth").WithOperation("New")
	case cfg.NumCenters < 1:
		return nil, optimization.NewErrorf("need at least one center, got %d", cfg.NumCenters).
			WithComponent("groundtruth").WithOperation("New")
	case cfg.RKHSNorm <= 0:
		return nil, optimization.NewErrorf("RKHS norm must be positive, got %v", cfg.RKHSNorm).
			WithComponent("groundtruth").WithOperation("New")
	}

	n, dim := g.Dims()
	centers := mat.NewDense(cfg.NumCenters, dim, nil)
	for i := 0; i < cfg.NumCenters; i++ {
		centers.SetRow(i, g.RawRowView(rng.IntN(n)))
	}

	uniform := distuv.Uniform{Min: -1, Max: 1, Src: rng}
	alpha := mat.NewVecDense(cfg.NumCenters, nil)
	for i := 0; i < cfg.NumCenters; i++ {
		alpha.SetVec(i, uniform.Rand())
	}

	kernel := kernels.NewMatern32Kernel(cfg.LengthScale)
	K := kernels.SymMatrix(kernel, centers)
	sq := mat.Inner(alpha, K, alpha)
	if sq <= 0 || math.IsNaN(sq) {
		return nil, optimization.NewErrorf("degenerate weights, squared norm %v", sq).
			WithComponent("groundtruth").WithOperation("New")
	}
	alpha.ScaleVec(cfg.RKHSNorm/math.Sqrt(sq), alpha)

	f := &Function{
		kernel:      kernel,
		lengthScale: cfg.LengthScale,
		centers:     centers,
		alpha:       alpha,
		norm:        cfg.RKHSNorm,
		rng:         rng,
	}
	f.setGrid(g)
	f.threshold = Quantile(f.values, cfg.ThresholdQuantile)
	return f, nil
}

func (f *Function) setGrid(g *mat.Dense) {
	f.grid = g
	f.values = f.EvaluateAll(g)
}

// Evaluate returns the noise-free value at x.
func (f *Function) Evaluate(x []float64) float64 {
	r, _ := f.centers.Dims()
	sum := 0.0
	for i := 0; i < r; i++ {
		sum += f.kernel.Eval(x, f.centers.RawRowView(i)) * f.alpha.AtVec(i)
	}
	return sum
}

// EvaluateAll returns the noise-free values at the rows of X.
func (f *Function) EvaluateAll(X *mat.Dense) []float64 {
	n, _ := X.Dims()
	out := make([]float64, n)
	for i := range out {
		out[i] = f.Evaluate(X.RawRowView(i))
	}
	return out
}

// Observe conducts one experiment: the value at x plus Gaussian noise.
func (f *Function) Observe(ctx context.Context, x []float64, noiseStd float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(x) != f.Dim() {
		return 0, optimization.WrapErrorf(optimization.ErrShapeMismatch, "point has %d coordinates, function has %d", len(x), f.Dim()).
			WithComponent("groundtruth").WithOperation("Observe")
	}
	y := f.Evaluate(x)
	if noiseStd > 0 {
		f.mu.Lock()
		y += distuv.Normal{Mu: 0, Sigma: noiseStd, Src: f.rng}.Rand()
		f.mu.Unlock()
	}
	return y, nil
}

// SafetyThreshold returns the value samples must stay above.
func (f *Function) SafetyThreshold() float64 { return f.threshold }

// RKHSNorm returns the exact norm of the function.
func (f *Function) RKHSNorm() float64 { return f.norm }

// LengthScale returns the kernel length scale.
func (f *Function) LengthScale() float64 { return f.lengthScale }

// Dim returns the input dimension.
func (f *Function) Dim() int {
	_, c := f.centers.Dims()
	return c
}

// Grid returns the discretization the function was generated on.
func (f *Function) Grid() *mat.Dense { return f.grid }

// Values returns the function values on the grid. The slice must not be
// modified.
func (f *Function) Values() []float64 { return f.values }

// LocalRKHSNorm estimates the RKHS norm of f restricted to [lb, ub] by kernel
// interpolation, sqrt(f^T (K + nugget*I)^-1 f), on the grid points inside the
// box or on localGrid when given. The nugget grows tenfold until the estimate
// is a finite positive number.
func (f *Function) LocalRKHSNorm(lb, ub []float64, localGrid *mat.Dense) (float64, error) {
	var X *mat.Dense
	if localGrid != nil {
		X = localGrid
	} else {
		X = grid.Rows(f.grid, grid.BoxIndices(f.grid, lb, ub))
	}
	if X == nil {
		return 0, optimization.WrapErrorf(optimization.ErrInvalidBounds, "no grid points inside [%v, %v]", lb, ub).
			WithComponent("groundtruth").WithOperation("LocalRKHSNorm")
	}

	if n, _ := X.Dims(); n > MaxLocalPoints {
		f.mu.Lock()
		perm := f.rng.Perm(n)[:MaxLocalPoints]
		f.mu.Unlock()
		sort.Ints(perm)
		X = grid.Rows(X, perm)
	}

	values := f.EvaluateAll(X)
	if floats.Norm(values, math.Inf(1)) == 0 {
		return 0, nil
	}
	fx := mat.NewVecDense(len(values), values)
	K := kernels.SymMatrix(f.kernel, X)
	n := len(values)

	nugget := initialNugget
	for attempt := 0; attempt < maxNuggetAttempts; attempt++ {
		A := mat.NewSymDense(n, nil)
		A.CopySym(K)
		for i := 0; i < n; i++ {
			A.SetSym(i, i, A.At(i, i)+nugget)
		}

		var chol mat.Cholesky
		if chol.Factorize(A) {
			var a mat.VecDense
			if err := chol.SolveVecTo(&a, fx); err == nil {
				norm := math.Sqrt(mat.Dot(fx, &a))
				if norm > 0 && !math.IsInf(norm, 0) {
					return norm, nil
				}
			}
		}
		nugget *= 10
	}

	return 0, optimization.NewErrorf("local norm did not stabilize after %d nugget increases", maxNuggetAttempts).
		WithComponent("groundtruth").WithOperation("LocalRKHSNorm")
}

// InitialSafeSamples draws n grid points whose value lies strictly between
// the 40% and 50% quantiles and observes them with noise.
func (f *Function) InitialSafeSamples(ctx context.Context, n int, noiseStd float64) (*optimization.SampleSet, error) {
	lo := Quantile(f.values, 0.4)
	hi := Quantile(f.values, 0.5)

	var band []int
	for i, v := range f.values {
		if v > lo && v < hi {
			band = append(band, i)
		}
	}
	if len(band) == 0 {
		return nil, optimization.WrapError(optimization.ErrNoSamples, "no grid point inside the initial sampling band").
			WithComponent("groundtruth").WithOperation("InitialSafeSamples")
	}

	samples := &optimization.SampleSet{}
	for i := 0; i < n; i++ {
		f.mu.Lock()
		idx := band[f.rng.IntN(len(band))]
		f.mu.Unlock()

		x := f.grid.RawRowView(idx)
		y, err := f.Observe(ctx, x, noiseStd)
		if err != nil {
			return nil, err
		}
		samples.Append(x, y)
	}
	return samples, nil
}

// Quantile returns the q-quantile of values with linear interpolation
// between order statistics.
func Quantile(values []float64, q float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(q, stat.LinInterp, sorted, nil)
}
