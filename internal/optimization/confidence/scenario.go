package confidence

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/copyleftdev/safeopt/internal/optimization"
	"github.com/copyleftdev/safeopt/internal/optimization/kernels"
)

// headNugget regularizes the interpolation of the sampled data by the head
// of each scenario function.
const headNugget = 1e-3

// ScenarioBound strengthens a norm estimate with the scenario approach: it
// draws random RKHS functions that interpolate the data and raises the
// estimate to an order statistic of their norms, chosen so that the bound
// holds with probability 1-gamma at confidence 1-kappa.
type ScenarioBound struct {
	Kernel   kernels.Kernel
	M        int
	AlphaBar float64
	Gamma    float64
	Kappa    float64

	rng *rand.Rand
}

// NewScenarioBound creates a scenario bound drawing from rng.
func NewScenarioBound(kernel kernels.Kernel, m int, alphaBar, gamma, kappa float64, rng *rand.Rand) *ScenarioBound {
	return &ScenarioBound{
		Kernel:   kernel,
		M:        m,
		AlphaBar: alphaBar,
		Gamma:    gamma,
		Kappa:    kappa,
		rng:      rng,
	}
}

// NumCenters returns the number of centers of each scenario function on the
// box [lb, ub] with n samples.
func NumCenters(lb, ub []float64, n int) int {
	widths := make([]float64, len(lb))
	floats.SubTo(widths, ub, lb)
	return max(int(math.Round(500*floats.Max(widths))), n+10)
}

// Bound returns max(B, norms[m-1-r]) where norms are the sorted scenario
// norms and r is the largest index whose binomial tail stays within Kappa
// while B does not already exceed the corresponding order statistic.
func (s *ScenarioBound) Bound(X *mat.Dense, y *mat.VecDense, lb, ub []float64, B float64) (float64, error) {
	norms, err := s.Norms(X, y, lb, ub)
	if err != nil {
		return 0, err
	}
	return ScenarioOrderStatistic(norms, s.Gamma, s.Kappa, B), nil
}

// Norms draws M scenario functions and returns their RKHS norms in ascending
// order.
func (s *ScenarioBound) Norms(X *mat.Dense, y *mat.VecDense, lb, ub []float64) ([]float64, error) {
	if X == nil || y == nil {
		return nil, optimization.WrapError(optimization.ErrNoSamples, "scenario bound needs samples").
			WithComponent("confidence").WithOperation("ScenarioBound.Norms")
	}
	n, dim := X.Dims()
	if y.Len() != n || len(lb) != dim || len(ub) != dim {
		return nil, optimization.WrapErrorf(optimization.ErrShapeMismatch, "%d samples of width %d, %d values, box of width %d",
			n, dim, y.Len(), len(lb)).WithComponent("confidence").WithOperation("ScenarioBound.Norms")
	}
	if s.M < 1 {
		return nil, optimization.NewErrorf("scenario count must be positive, got %d", s.M).
			WithComponent("confidence").WithOperation("ScenarioBound.Norms")
	}

	// (K(X,X) + nugget*I) is shared by every scenario
	Kxx := kernels.SymMatrix(s.Kernel, X)
	for i := 0; i < n; i++ {
		Kxx.SetSym(i, i, Kxx.At(i, i)+headNugget)
	}
	var chol mat.Cholesky
	if !chol.Factorize(Kxx) {
		return nil, optimization.NewError("sample covariance is not positive definite").
			WithComponent("confidence").WithOperation("ScenarioBound.Norms")
	}

	nHat := NumCenters(lb, ub, n)
	tail := nHat - n
	centers := mat.NewDense(nHat, dim, nil)
	centers.Slice(0, n, 0, dim).(*mat.Dense).Copy(X)
	tailCenters := centers.Slice(n, nHat, 0, dim).(*mat.Dense)

	alpha := make([]float64, nHat)
	alphaTail := mat.NewVecDense(tail, alpha[n:])
	alphaHead := mat.NewVecDense(n, alpha[:n])
	coef := distuv.Uniform{Min: -s.AlphaBar, Max: s.AlphaBar, Src: s.rng}

	var yTail, rhs mat.VecDense
	norms := make([]float64, s.M)
	for c := 0; c < s.M; c++ {
		for i := n; i < nHat; i++ {
			row := centers.RawRowView(i)
			for d := range row {
				row[d] = lb[d] + s.rng.Float64()*(ub[d]-lb[d])
			}
			alpha[i] = coef.Rand()
		}

		yTail.MulVec(kernels.Matrix(s.Kernel, X, tailCenters), alphaTail)
		rhs.SubVec(y, &yTail)
		if err := chol.SolveVecTo(alphaHead, &rhs); err != nil {
			return nil, optimization.WrapError(err, "interpolating samples").
				WithComponent("confidence").WithOperation("ScenarioBound.Norms")
		}

		norms[c] = math.Sqrt(math.Max(0, quadraticForm(s.Kernel, centers, alpha)))
	}

	sort.Float64s(norms)
	return norms, nil
}

// quadraticForm returns alpha^T K(C, C) alpha without materializing K.
func quadraticForm(k kernels.Kernel, C *mat.Dense, alpha []float64) float64 {
	n, _ := C.Dims()
	sum := 0.0
	for i := 0; i < n; i++ {
		xi := C.RawRowView(i)
		sum += alpha[i] * alpha[i] * k.Eval(xi, xi)
		for j := i + 1; j < n; j++ {
			sum += 2 * alpha[i] * alpha[j] * k.Eval(xi, C.RawRowView(j))
		}
	}
	return sum
}

// ScenarioOrderStatistic picks the order statistic of the ascending norms
// the bound is raised to. The scan over r stops as soon as the binomial
// probability of at most r of m violations exceeds kappa, or B already
// exceeds norms[m-1-r].
func ScenarioOrderStatistic(norms []float64, gamma, kappa, B float64) float64 {
	m := len(norms)
	if m == 0 {
		return B
	}
	binom := distuv.Binomial{N: float64(m), P: gamma}

	rFinal := 0
	for r := 0; r < m; r++ {
		if binom.CDF(float64(r)) > kappa || B > norms[m-1-r] {
			break
		}
		rFinal = r
	}
	return math.Max(B, norms[m-1-rFinal])
}
