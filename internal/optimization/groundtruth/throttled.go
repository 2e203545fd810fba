package groundtruth

import (
	"context"
	"time"

	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/safeopt/internal/optimization"
)

// Throttled paces the experiments of an oracle, e.g. to give a physical
// system time to settle between rollouts.
type Throttled struct {
	optimization.Oracle
	limiter *rate.Limiter
}

// NewThrottled allows at most one experiment per interval, with the given
// burst. A non-positive interval disables pacing.
func NewThrottled(oracle optimization.Oracle, interval time.Duration, burst int) *Throttled {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttled{Oracle: oracle, limiter: rate.NewLimiter(limit, burst)}
}

// Observe waits for the limiter before running the experiment.
func (t *Throttled) Observe(ctx context.Context, x []float64, noiseStd float64) (float64, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return 0, optimization.WrapError(err, "waiting for experiment slot").
			WithComponent("groundtruth").WithOperation("Throttled.Observe")
	}
	return t.Oracle.Observe(ctx, x, noiseStd)
}

// ThrottledNorms is a Throttled oracle that keeps the norm queries of the
// wrapped LocalNormOracle available for label generation.
type ThrottledNorms struct {
	*Throttled
	norms optimization.LocalNormOracle
}

// NewThrottledNorms wraps a LocalNormOracle. Only Observe is paced.
func NewThrottledNorms(oracle optimization.LocalNormOracle, interval time.Duration, burst int) *ThrottledNorms {
	return &ThrottledNorms{Throttled: NewThrottled(oracle, interval, burst), norms: oracle}
}

// RKHSNorm forwards to the wrapped oracle.
func (t *ThrottledNorms) RKHSNorm() float64 { return t.norms.RKHSNorm() }

// LocalRKHSNorm forwards to the wrapped oracle.
func (t *ThrottledNorms) LocalRKHSNorm(lb, ub []float64, localGrid *mat.Dense) (float64, error) {
	return t.norms.LocalRKHSNorm(lb, ub, localGrid)
}
