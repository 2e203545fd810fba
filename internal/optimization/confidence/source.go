package confidence

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/safeopt/internal/optimization"
	"github.com/copyleftdev/safeopt/internal/optimization/predictor"
)

// Features are the histories recorded for a domain on successive visits.
type Features struct {
	MeanNorms         []float64
	RecipVarIntegrals []float64
}

// Len returns the number of recorded visits.
func (f Features) Len() int { return len(f.MeanNorms) }

// Request describes the domain a norm bound is requested for.
type Request struct {
	// Key identifies the domain across passes.
	Key    string
	Global bool

	LB, UB []float64

	// Grid is the discretization of the domain.
	Grid *mat.Dense

	// X and Y are the samples inside the domain.
	X *mat.Dense
	Y *mat.VecDense

	Features Features
}

// NormSource supplies the RKHS-norm bound B of a domain.
type NormSource interface {
	Norm(ctx context.Context, req Request) (float64, error)
}

// Strengthener is implemented by sources whose bound can be made more
// conservative before a sample is actually taken.
type Strengthener interface {
	Strengthen(ctx context.Context, req Request, b float64) (float64, error)
}

// Oracle reads the norms off the ground truth. Local norms are computed once
// per domain key and cached for the lifetime of the Oracle.
type Oracle struct {
	truth optimization.LocalNormOracle
	cache map[string]float64
}

// NewOracle creates an oracle-backed source.
func NewOracle(truth optimization.LocalNormOracle) *Oracle {
	return &Oracle{truth: truth, cache: make(map[string]float64)}
}

// Norm returns the exact global norm or the cached local estimate.
func (o *Oracle) Norm(_ context.Context, req Request) (float64, error) {
	if req.Global {
		return o.truth.RKHSNorm(), nil
	}
	if b, ok := o.cache[req.Key]; ok {
		return b, nil
	}
	b, err := o.truth.LocalRKHSNorm(req.LB, req.UB, req.Grid)
	if err != nil {
		return 0, optimization.WrapErrorf(err, "local norm of %s", req.Key).
			WithComponent("confidence").WithOperation("Oracle.Norm")
	}
	o.cache[req.Key] = b
	return b, nil
}

// Fixed is an externally supplied guess used for every domain.
type Fixed float64

// Norm returns f.
func (f Fixed) Norm(context.Context, Request) (float64, error) {
	return float64(f), nil
}

// Learned predicts the norm from the feature histories of the domain and
// strengthens it with a scenario bound when asked to.
type Learned struct {
	Predictor predictor.NormPredictor
	Scenario  *ScenarioBound
}

// NewLearned creates a learned source. scenario may be nil, in which case
// Strengthen leaves the prediction unchanged.
func NewLearned(p predictor.NormPredictor, scenario *ScenarioBound) (*Learned, error) {
	if p == nil {
		return nil, optimization.WrapError(optimization.ErrPredictorRequired, "no predictor configured").
			WithComponent("confidence").WithOperation("NewLearned")
	}
	return &Learned{Predictor: p, Scenario: scenario}, nil
}

// Norm returns the predicted norm.
func (l *Learned) Norm(_ context.Context, req Request) (float64, error) {
	b, err := l.Predictor.Predict(req.Features.MeanNorms, req.Features.RecipVarIntegrals)
	if err != nil {
		return 0, optimization.WrapErrorf(err, "predicting norm of %s", req.Key).
			WithComponent("confidence").WithOperation("Learned.Norm")
	}
	return b, nil
}

// Strengthen raises b with the scenario bound on the domain's samples.
func (l *Learned) Strengthen(ctx context.Context, req Request, b float64) (float64, error) {
	if l.Scenario == nil {
		return b, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return l.Scenario.Bound(req.X, req.Y, req.LB, req.UB, b)
}
