package confidence

import (
	"context"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// State holds the confidence bounds of a domain on its grid.
type State struct {
	Mean     []float64
	Variance []float64
	LCB      []float64
	UCB      []float64

	B    float64
	Beta float64
}

// Width returns ucb[i] - lcb[i].
func (s *State) Width(i int) float64 {
	return s.UCB[i] - s.LCB[i]
}

// Input is the posterior of a domain together with what its norm source
// needs to know about it.
type Input struct {
	Request

	// K is the prior covariance of the domain's samples without noise.
	K *mat.SymDense

	Mean     []float64
	Variance []float64
}

// Engine combines a norm source with the posterior of a domain.
type Engine struct {
	source   NormSource
	noiseStd float64
	delta    float64
	logger   *zap.Logger
}

// NewEngine creates an engine. A nil logger disables logging.
func NewEngine(source NormSource, noiseStd, delta float64, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		source:   source,
		noiseStd: noiseStd,
		delta:    delta,
		logger:   logger.Named("confidence"),
	}
}

// Source returns the engine's norm source.
func (e *Engine) Source() NormSource { return e.source }

// Compute obtains B from the source, strengthened when requested and
// supported, and returns the resulting confidence bounds.
func (e *Engine) Compute(ctx context.Context, in Input, strengthen bool) (*State, error) {
	b, err := e.source.Norm(ctx, in.Request)
	if err != nil {
		return nil, err
	}
	if strengthen {
		if s, ok := e.source.(Strengthener); ok {
			predicted := b
			if b, err = s.Strengthen(ctx, in.Request, b); err != nil {
				return nil, err
			}
			e.logger.Debug("strengthened norm bound",
				zap.String("domain", in.Key),
				zap.Float64("predicted", predicted),
				zap.Float64("bound", b),
			)
		}
	}
	return e.WithNorm(in, b)
}

// WithNorm returns the confidence bounds for a given B.
func (e *Engine) WithNorm(in Input, b float64) (*State, error) {
	beta, err := Beta(b, in.K, e.noiseStd, e.delta)
	if err != nil {
		return nil, err
	}
	lcb, ucb, err := Bounds(in.Mean, in.Variance, beta)
	if err != nil {
		return nil, err
	}
	return &State{
		Mean:     in.Mean,
		Variance: in.Variance,
		LCB:      lcb,
		UCB:      ucb,
		B:        b,
		Beta:     beta,
	}, nil
}
