package bayesian

import (
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/safeopt/internal/optimization/kernels"
)

func randomTrainingData(rng *rand.Rand, nSamples, nFeatures int) (*mat.Dense, *mat.VecDense) {
	X := mat.NewDense(nSamples, nFeatures, nil)
	y := mat.NewVecDense(nSamples, nil)
	for i := 0; i < nSamples; i++ {
		for j := 0; j < nFeatures; j++ {
			X.Set(i, j, rng.Float64())
		}
		y.SetVec(i, rng.NormFloat64())
	}
	return X, y
}

// BenchmarkGPFit measures the performance of fitting a Gaussian Process model
func BenchmarkGPFit(b *testing.B) {
	rng := rand.New(rand.NewSource(42))
	X, y := randomTrainingData(rng, 30, 2)

	kernel := kernels.NewMatern32Kernel(SurrogateLengthScale)
	gp := NewGP(kernel, 0.01, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = gp.Fit(X, y)
	}
}

// BenchmarkGPPredictGrid measures posterior prediction over a 2-D grid
func BenchmarkGPPredictGrid(b *testing.B) {
	rng := rand.New(rand.NewSource(42))
	X, y := randomTrainingData(rng, 30, 2)

	grid := mat.NewDense(100*100, 2, nil)
	for i := 0; i < 100; i++ {
		for j := 0; j < 100; j++ {
			grid.SetRow(i*100+j, []float64{float64(i) / 99, float64(j) / 99})
		}
	}

	gp := NewGP(kernels.NewMatern32Kernel(SurrogateLengthScale), 0.01, nil)
	if err := gp.Fit(X, y); err != nil {
		b.Fatalf("Failed to fit GP: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = gp.Predict(grid)
	}
}

// BenchmarkKernelMatrixComputation measures the performance of kernel matrix computations
func BenchmarkKernelMatrixComputation(b *testing.B) {
	rng := rand.New(rand.NewSource(42))
	X, _ := randomTrainingData(rng, 100, 5)
	kernel := kernels.NewMatern32Kernel(SurrogateLengthScale)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = kernels.SymMatrix(kernel, X)
	}
}
