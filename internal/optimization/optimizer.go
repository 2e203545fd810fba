package optimization

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Mode selects how the RKHS-norm bound of a domain is obtained and how the
// search space is decomposed.
type Mode string

const (
	// ModeBaseline uses a fixed, externally supplied norm guess on the single
	// global domain.
	ModeBaseline Mode = "baseline"

	// ModeDeployment localizes the search into cubes and takes the norm from a
	// learned predictor, strengthened by the scenario bound before sampling.
	ModeDeployment Mode = "deployment"

	// ModeLabel runs the localized search with the ground truth's exact local
	// norms and records feature histories for predictor training.
	ModeLabel Mode = "label"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeBaseline, ModeDeployment, ModeLabel:
		return true
	}
	return false
}

// Localized reports whether the mode decomposes the search space into cubes.
func (m Mode) Localized() bool {
	return m == ModeDeployment || m == ModeLabel
}

// Hyperparameters contains the tuning constants of a safe optimization run.
type Hyperparameters struct {
	// NoiseStd is the observation noise standard deviation.
	NoiseStd float64

	// DeltaConfidence is the allowed failure probability of the bounds.
	DeltaConfidence float64

	// ExplorationThreshold is the minimum confidence width worth sampling.
	ExplorationThreshold float64

	// DeltaCube is the half-width increment between cube levels.
	DeltaCube float64

	// NumLocalCubes is the number of nested cube levels per sample.
	NumLocalCubes int

	// AlphaBar bounds the tail coefficients of scenario candidates.
	AlphaBar float64

	// MPAC is the number of scenario candidates.
	MPAC int

	// GammaPAC is the scenario violation probability.
	GammaPAC float64

	// KappaPAC is the scenario risk budget.
	KappaPAC float64

	// Iterations is the sample budget; the loop runs while the sample set
	// holds at most this many points.
	Iterations int

	// NormGuess is the fixed RKHS-norm bound of baseline mode.
	NormGuess float64
}

// DefaultHyperparameters returns the constants used for the synthetic
// experiments.
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		NoiseStd:             0.01,
		DeltaConfidence:      0.01,
		ExplorationThreshold: 0.1,
		DeltaCube:            0.1,
		NumLocalCubes:        5,
		AlphaBar:             1,
		MPAC:                 1000,
		GammaPAC:             0.1,
		KappaPAC:             0.01,
		Iterations:           30,
	}
}

// Validate checks the hyperparameters for the given mode.
func (h Hyperparameters) Validate(mode Mode) error {
	switch {
	case !mode.Valid():
		return NewErrorf("unknown mode %q", mode).WithOperation("Validate")
	case h.NoiseStd <= 0:
		return NewErrorf("noise std must be positive, got %v", h.NoiseStd).WithOperation("Validate")
	case h.DeltaConfidence <= 0 || h.DeltaConfidence >= 1:
		return NewErrorf("delta confidence must be in (0,1), got %v", h.DeltaConfidence).WithOperation("Validate")
	case h.ExplorationThreshold < 0:
		return NewErrorf("exploration threshold must be non-negative, got %v", h.ExplorationThreshold).WithOperation("Validate")
	case h.Iterations < 1:
		return NewErrorf("iterations must be positive, got %d", h.Iterations).WithOperation("Validate")
	}
	if mode.Localized() {
		if h.DeltaCube <= 0 || h.NumLocalCubes < 1 {
			return NewErrorf("cube decomposition needs delta_cube > 0 and num_local_cubes >= 1, got %v and %d",
				h.DeltaCube, h.NumLocalCubes).WithOperation("Validate")
		}
	}
	if mode == ModeDeployment {
		if h.MPAC < 1 || h.AlphaBar <= 0 || h.GammaPAC <= 0 || h.GammaPAC >= 1 || h.KappaPAC <= 0 {
			return NewErrorf("invalid scenario parameters m=%d alpha_bar=%v gamma=%v kappa=%v",
				h.MPAC, h.AlphaBar, h.GammaPAC, h.KappaPAC).WithOperation("Validate")
		}
	}
	if mode == ModeBaseline && h.NormGuess <= 0 {
		return NewErrorf("baseline mode needs a positive norm guess, got %v", h.NormGuess).WithOperation("Validate")
	}
	return nil
}

// Oracle is the ground truth queried by the optimization loop.
type Oracle interface {
	// Observe runs one experiment at x and returns the noisy outcome.
	Observe(ctx context.Context, x []float64, noiseStd float64) (float64, error)

	// SafetyThreshold is the value every sample should stay above.
	SafetyThreshold() float64
}

// LocalNormOracle is an Oracle that also knows its own RKHS norms. It is
// needed for label generation only.
type LocalNormOracle interface {
	Oracle

	// RKHSNorm returns the norm of the whole function.
	RKHSNorm() float64

	// LocalRKHSNorm estimates the norm of the restriction to the box [lb, ub].
	// When localGrid is non-nil it is used as the evaluation grid.
	LocalRKHSNorm(lb, ub []float64, localGrid *mat.Dense) (float64, error)
}

// SampleSet is the append-only record of queried inputs and observations.
type SampleSet struct {
	X [][]float64
	Y []float64
}

// NewSampleSet copies x and y into a new sample set.
func NewSampleSet(x [][]float64, y []float64) (*SampleSet, error) {
	if len(x) != len(y) {
		return nil, WrapErrorf(ErrShapeMismatch, "%d inputs but %d observations", len(x), len(y)).
			WithOperation("NewSampleSet")
	}
	s := &SampleSet{
		X: make([][]float64, 0, len(x)),
		Y: make([]float64, 0, len(y)),
	}
	for i := range x {
		s.Append(x[i], y[i])
	}
	return s, nil
}

// Append adds one observation.
func (s *SampleSet) Append(x []float64, y float64) {
	s.X = append(s.X, append([]float64(nil), x...))
	s.Y = append(s.Y, y)
}

// Len returns the number of samples.
func (s *SampleSet) Len() int {
	return len(s.Y)
}

// Dim returns the input dimension, or 0 for an empty set.
func (s *SampleSet) Dim() int {
	if len(s.X) == 0 {
		return 0
	}
	return len(s.X[0])
}

// Contains reports whether x has already been sampled.
func (s *SampleSet) Contains(x []float64) bool {
	for _, row := range s.X {
		if equalRows(row, x) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s *SampleSet) Clone() *SampleSet {
	c, _ := NewSampleSet(s.X, s.Y)
	return c
}

func equalRows(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Status is the state of an optimization run.
type Status string

const (
	StatusRunning                 Status = "running"
	StatusTerminatedBudget        Status = "terminated_budget"
	StatusTerminatedNoCandidate   Status = "terminated_no_candidate"
	StatusTerminatedEmptyRegistry Status = "terminated_empty_registry"
)

// Terminal reports whether the run has stopped.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// Step records one accepted sample.
type Step struct {
	Iteration int
	Domain    string
	X         []float64
	Y         float64
	B         float64
	Beta      float64
	Unsafe    bool
}

// Result contains the outcome of a safe optimization run.
type Result struct {
	Samples *SampleSet
	Status  Status

	// BestLowerBounds holds, per accepted sample, the best safe lower
	// confidence bound found so far in the run.
	BestLowerBounds []float64

	// Steps has one entry per accepted sample.
	Steps []Step

	// Violations counts tolerated observations below the safety threshold.
	Violations int
}

// Best returns the index and value of the largest observation.
func (r *Result) Best() (int, float64) {
	best, idx := 0.0, -1
	for i, y := range r.Samples.Y {
		if idx < 0 || y > best {
			best, idx = y, i
		}
	}
	return idx, best
}

func (r *Result) String() string {
	return fmt.Sprintf("status=%s samples=%d violations=%d", r.Status, r.Samples.Len(), r.Violations)
}
