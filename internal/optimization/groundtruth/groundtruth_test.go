package groundtruth

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/safeopt/internal/optimization/grid"
	"github.com/copyleftdev/safeopt/internal/optimization/kernels"
)

func newTestFunction(t *testing.T, norm float64, seed uint64) *Function {
	t.Helper()
	g, err := grid.Unit(1, 200)
	require.NoError(t, err)
	f, err := New(Config{RKHSNorm: norm, NumCenters: 50}, g, rand.New(rand.NewPCG(seed, 1)))
	require.NoError(t, err)
	return f
}

func TestNewRescalesToNorm(t *testing.T) {
	f := newTestFunction(t, 5, 1)

	K := kernels.SymMatrix(kernels.NewMatern32Kernel(DefaultLengthScale), f.centers)
	norm := math.Sqrt(mat.Inner(f.alpha, K, f.alpha))
	assert.InDelta(t, 5, norm, 1e-9)
	assert.Equal(t, 5.0, f.RKHSNorm())
	assert.Equal(t, 1, f.Dim())
	assert.Len(t, f.Values(), 200)
}

func TestNewValidation(t *testing.T) {
	g, err := grid.Unit(1, 10)
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(1, 1))

	_, err = New(Config{RKHSNorm: 1, NumCenters: 0}, g, rng)
	assert.Error(t, err)
	_, err = New(Config{RKHSNorm: 0, NumCenters: 3}, g, rng)
	assert.Error(t, err)
	_, err = New(Config{RKHSNorm: 1, NumCenters: 3}, nil, rng)
	assert.Error(t, err)
}

func TestSafetyThresholdIsThirtyPercentQuantile(t *testing.T) {
	f := newTestFunction(t, 5, 2)

	below := 0
	for _, v := range f.Values() {
		if v < f.SafetyThreshold() {
			below++
		}
	}
	frac := float64(below) / float64(len(f.Values()))
	assert.InDelta(t, 0.3, frac, 0.01)
}

func TestObserveAddsNoise(t *testing.T) {
	f := newTestFunction(t, 5, 3)
	x := []float64{0.42}
	ctx := context.Background()

	exact, err := f.Observe(ctx, x, 0)
	require.NoError(t, err)
	assert.Equal(t, f.Evaluate(x), exact)

	noisy, err := f.Observe(ctx, x, 0.01)
	require.NoError(t, err)
	assert.NotEqual(t, exact, noisy)
	assert.InDelta(t, exact, noisy, 0.1)

	_, err = f.Observe(ctx, []float64{0.1, 0.2}, 0)
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = f.Observe(cancelled, x, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalRKHSNorm(t *testing.T) {
	f := newTestFunction(t, 5, 4)

	local, err := f.LocalRKHSNorm([]float64{0.3}, []float64{0.5}, nil)
	require.NoError(t, err)
	assert.Greater(t, local, 0.0)
	assert.False(t, math.IsInf(local, 0))

	// Restricting the domain cannot increase the interpolated norm much past
	// the global one.
	assert.Less(t, local, 5*1.5)

	localGrid, err := grid.Cartesian([]float64{0.3}, []float64{0.5}, 40)
	require.NoError(t, err)
	onGrid, err := f.LocalRKHSNorm([]float64{0.3}, []float64{0.5}, localGrid)
	require.NoError(t, err)
	assert.Greater(t, onGrid, 0.0)

	_, err = f.LocalRKHSNorm([]float64{2}, []float64{3}, nil)
	assert.Error(t, err)
}

func TestInitialSafeSamples(t *testing.T) {
	f := newTestFunction(t, 5, 5)

	samples, err := f.InitialSafeSamples(context.Background(), 3, 0.001)
	require.NoError(t, err)
	require.Equal(t, 3, samples.Len())

	lo, hi := Quantile(f.Values(), 0.4), Quantile(f.Values(), 0.5)
	for i, x := range samples.X {
		v := f.Evaluate(x)
		assert.Greater(t, v, lo)
		assert.Less(t, v, hi)
		assert.Greater(t, samples.Y[i], f.SafetyThreshold())
	}
}

func TestStateRoundTripKeepsFunction(t *testing.T) {
	f := newTestFunction(t, 7, 6)

	restored, err := Restore(f.State(), f.Grid(), rand.New(rand.NewPCG(9, 9)))
	require.NoError(t, err)
	assert.Equal(t, f.SafetyThreshold(), restored.SafetyThreshold())
	assert.Equal(t, f.RKHSNorm(), restored.RKHSNorm())
	assert.Equal(t, f.Values(), restored.Values())

	_, err = Restore(State{}, f.Grid(), nil)
	assert.Error(t, err)
}

func TestQuantile(t *testing.T) {
	values := []float64{5, 1, 4, 2, 3}
	assert.Equal(t, 1.0, Quantile(values, 0))
	assert.Equal(t, 5.0, Quantile(values, 1))
	// input is not reordered
	assert.Equal(t, []float64{5, 1, 4, 2, 3}, values)
}

func TestThrottledObserve(t *testing.T) {
	f := newTestFunction(t, 5, 7)
	th := NewThrottledNorms(f, time.Millisecond, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := th.Observe(context.Background(), []float64{0.5}, 0)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Millisecond)
	assert.Equal(t, f.SafetyThreshold(), th.SafetyThreshold())
	assert.Equal(t, f.RKHSNorm(), th.RKHSNorm())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewThrottled(f, time.Hour, 1).Observe(ctx, []float64{0.5}, 0)
	assert.Error(t, err)
}
