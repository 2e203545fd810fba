// Package predictor maps the feature histories of a domain to an estimate of
// the local RKHS norm.
package predictor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/safeopt/internal/optimization"
)

// NormPredictor estimates a local RKHS norm from two equally long feature
// histories: the RKHS norms of the posterior mean and the reciprocal
// variance integrals recorded on successive visits of a domain.
type NormPredictor interface {
	Predict(meanNorms, recipVarIntegrals []float64) (float64, error)
}

// Example is one labeled feature history.
type Example struct {
	MeanNorms         []float64 `json:"mean_norms"`
	RecipVarIntegrals []float64 `json:"recip_var_integrals"`
	Label             float64   `json:"label"`
}

// Constant always predicts the same norm.
type Constant float64

// Predict returns c.
func (c Constant) Predict(_, _ []float64) (float64, error) {
	return float64(c), nil
}

// numFeatures is the length of the summary vector, intercept included.
const numFeatures = 7

const ridge = 1e-9

// Linear is a linear regression on summary statistics of the histories.
type Linear struct {
	// Weights are ordered as the summary vector: intercept, last mean norm,
	// max mean norm, average mean norm, last reciprocal variance integral,
	// average reciprocal variance integral and log history length.
	Weights []float64 `json:"weights"`

	// Floor is the smallest norm ever predicted.
	Floor float64 `json:"floor"`
}

// Predict evaluates the regression, clamped below at Floor.
func (l *Linear) Predict(meanNorms, recipVarIntegrals []float64) (float64, error) {
	if len(l.Weights) != numFeatures {
		return 0, optimization.NewErrorf("linear predictor needs %d weights, has %d", numFeatures, len(l.Weights)).
			WithComponent("predictor").WithOperation("Linear.Predict")
	}
	x, err := summarize(meanNorms, recipVarIntegrals)
	if err != nil {
		return 0, err
	}
	return math.Max(l.Floor, floats.Dot(l.Weights, x)), nil
}

func summarize(meanNorms, recipVarIntegrals []float64) ([]float64, error) {
	if len(meanNorms) == 0 || len(meanNorms) != len(recipVarIntegrals) {
		return nil, optimization.WrapErrorf(optimization.ErrShapeMismatch, "histories of length %d and %d", len(meanNorms), len(recipVarIntegrals)).
			WithComponent("predictor").WithOperation("summarize")
	}
	n := len(meanNorms)
	return []float64{
		1,
		meanNorms[n-1],
		floats.Max(meanNorms),
		stat.Mean(meanNorms, nil),
		recipVarIntegrals[n-1],
		stat.Mean(recipVarIntegrals, nil),
		math.Log(float64(n)),
	}, nil
}

// FitLinear fits a Linear predictor to labeled examples by (lightly
// regularized) least squares.
// The floor is set to the smallest label seen.
func FitLinear(examples []Example) (*Linear, error) {
	if len(examples) < numFeatures {
		return nil, optimization.WrapErrorf(optimization.ErrNoSamples, "need at least %d examples, got %d", numFeatures, len(examples)).
			WithComponent("predictor").WithOperation("FitLinear")
	}

	A := mat.NewDense(len(examples), numFeatures, nil)
	b := mat.NewVecDense(len(examples), nil)
	floor := math.Inf(1)
	for i, ex := range examples {
		x, err := summarize(ex.MeanNorms, ex.RecipVarIntegrals)
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
		A.SetRow(i, x)
		b.SetVec(i, ex.Label)
		floor = math.Min(floor, ex.Label)
	}

	// Histories of length one make several summary columns coincide, so
	// the normal equations carry a small ridge.
	AtA := mat.NewSymDense(numFeatures, nil)
	AtA.SymOuterK(1, A.T())
	for i := 0; i < numFeatures; i++ {
		AtA.SetSym(i, i, AtA.At(i, i)+ridge)
	}
	var Atb mat.VecDense
	Atb.MulVec(A.T(), b)

	var chol mat.Cholesky
	if !chol.Factorize(AtA) {
		return nil, optimization.NewError("normal equations are not positive definite").
			WithComponent("predictor").WithOperation("FitLinear")
	}
	var w mat.VecDense
	if err := chol.SolveVecTo(&w, &Atb); err != nil && !isCondition(err) {
		return nil, optimization.WrapError(err, "least squares solve failed").
			WithComponent("predictor").WithOperation("FitLinear")
	}
	return &Linear{Weights: append([]float64(nil), w.RawVector().Data...), Floor: floor}, nil
}

// isCondition reports whether err only warns about an ill-conditioned
// system; the solution is still written in that case.
func isCondition(err error) bool {
	var c mat.Condition
	return errors.As(err, &c)
}

// LoadLinear reads a Linear predictor from a JSON file.
func LoadLinear(path string) (*Linear, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, optimization.WrapErrorf(err, "reading predictor weights %s", path).
			WithComponent("predictor").WithOperation("LoadLinear")
	}
	var l Linear
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, optimization.WrapErrorf(err, "decoding predictor weights %s", path).
			WithComponent("predictor").WithOperation("LoadLinear")
	}
	if len(l.Weights) != numFeatures {
		return nil, optimization.NewErrorf("predictor file %s has %d weights, want %d", path, len(l.Weights), numFeatures).
			WithComponent("predictor").WithOperation("LoadLinear")
	}
	return &l, nil
}

// Save writes the predictor as JSON.
func (l *Linear) Save(path string) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
