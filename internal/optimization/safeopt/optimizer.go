// Package safeopt runs safe Bayesian optimization over the global domain and
// nested local cubes around the samples.
package safeopt

import (
	"context"
	"math"
	"math/rand/v2"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/safeopt/internal/optimization"
	"github.com/copyleftdev/safeopt/internal/optimization/bayesian"
	"github.com/copyleftdev/safeopt/internal/optimization/confidence"
	"github.com/copyleftdev/safeopt/internal/optimization/domain"
	"github.com/copyleftdev/safeopt/internal/optimization/kernels"
	"github.com/copyleftdev/safeopt/internal/optimization/predictor"
	"github.com/copyleftdev/safeopt/internal/optimization/safeset"
)

// Config configures an Optimizer.
type Config struct {
	Mode            optimization.Mode
	Hyperparameters optimization.Hyperparameters

	// Grid is the discretization of the unit hypercube.
	Grid *mat.Dense

	// Kernel of the surrogate. Defaults to Matern 3/2 with
	// bayesian.SurrogateLengthScale.
	Kernel kernels.Kernel

	// LocalGrid gives every local domain its own cartesian grid.
	LocalGrid bool

	// AllSets computes expanders over the whole safe set.
	AllSets bool

	// TolerateUnsafe keeps running after an observation below the safety
	// threshold. Nil selects the mode default, which tolerates unsafe
	// samples only while generating labels.
	TolerateUnsafe *bool

	// Predictor estimates local norms in deployment mode.
	Predictor predictor.NormPredictor

	// Seed drives the scenario bound.
	Seed uint64
}

// StepHook is called after every accepted sample.
type StepHook func(optimization.Step)

// Option customizes an Optimizer.
type Option func(*Optimizer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Optimizer) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithStepHook registers a hook called after every accepted sample.
func WithStepHook(hook StepHook) Option {
	return func(o *Optimizer) { o.hooks = append(o.hooks, hook) }
}

// Optimizer runs the safe optimization loop against an oracle.
type Optimizer struct {
	cfg      Config
	oracle   optimization.Oracle
	kernel   kernels.Kernel
	builder  *domain.Builder
	analyzer *safeset.Analyzer
	tolerate bool

	logger *zap.Logger
	hooks  []StepHook
}

// New validates cfg and creates an Optimizer. An Optimizer holds no state
// between runs, so Run may be called repeatedly and concurrently.
func New(cfg Config, oracle optimization.Oracle, opts ...Option) (*Optimizer, error) {
	if err := cfg.Hyperparameters.Validate(cfg.Mode); err != nil {
		return nil, err
	}
	if cfg.Grid == nil || cfg.Grid.IsEmpty() {
		return nil, optimization.NewError("grid must not be empty").WithComponent("safeopt").WithOperation("New")
	}
	if oracle == nil {
		return nil, optimization.NewError("oracle must not be nil").WithComponent("safeopt").WithOperation("New")
	}

	o := &Optimizer{
		cfg:    cfg,
		oracle: oracle,
		kernel: cfg.Kernel,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("safeopt").With(zap.String("mode", string(cfg.Mode)))

	if o.kernel == nil {
		o.kernel = kernels.NewMatern32Kernel(bayesian.SurrogateLengthScale)
	}

	analyzer, err := safeset.NewAnalyzer(o.kernel, oracle.SafetyThreshold(), cfg.Hyperparameters.ExplorationThreshold, cfg.AllSets)
	if err != nil {
		return nil, err
	}
	o.analyzer = analyzer

	if _, err := o.normSource(); err != nil {
		return nil, err
	}
	o.builder = domain.NewBuilder(cfg.Grid, cfg.Hyperparameters.DeltaCube, cfg.LocalGrid)

	o.tolerate = cfg.Mode == optimization.ModeLabel
	if cfg.TolerateUnsafe != nil {
		o.tolerate = *cfg.TolerateUnsafe
	}
	return o, nil
}

// normSource creates the norm source of one run. Sources cache norms and
// draw scenario candidates, so every run gets a fresh one.
func (o *Optimizer) normSource() (confidence.NormSource, error) {
	h := o.cfg.Hyperparameters
	switch o.cfg.Mode {
	case optimization.ModeLabel:
		truth, ok := o.oracle.(optimization.LocalNormOracle)
		if !ok {
			return nil, optimization.NewError("label mode needs an oracle that knows its local norms").
				WithComponent("safeopt").WithOperation("New")
		}
		return confidence.NewOracle(truth), nil
	case optimization.ModeDeployment:
		rng := rand.New(rand.NewPCG(o.cfg.Seed, o.cfg.Seed^0x5ca1ab1e))
		scenario := confidence.NewScenarioBound(o.kernel, h.MPAC, h.AlphaBar, h.GammaPAC, h.KappaPAC, rng)
		return confidence.NewLearned(o.cfg.Predictor, scenario)
	default:
		return confidence.Fixed(h.NormGuess), nil
	}
}

// evaluation is one processed domain.
type evaluation struct {
	domain *domain.Domain
	input  confidence.Input
	bounds *confidence.State
	sets   *safeset.State
}

// runState is the mutable state of a single Run.
type runState struct {
	engine     *confidence.Engine
	samples    *optimization.SampleSet
	registry   *domain.Registry
	lastX      []float64
	skipGlobal bool
	result     *optimization.Result

	// feature histories keyed by domain
	histories map[domain.Tag]*history
}

func (o *Optimizer) newRun(initial *optimization.SampleSet) (*runState, error) {
	if initial == nil || initial.Len() == 0 {
		return nil, optimization.WrapError(optimization.ErrNoSamples, "need at least one initial sample").
			WithComponent("safeopt").WithOperation("Run")
	}
	if _, dim := o.cfg.Grid.Dims(); initial.Dim() != dim {
		return nil, optimization.WrapErrorf(optimization.ErrShapeMismatch, "initial samples have %d coordinates, grid has %d", initial.Dim(), dim).
			WithComponent("safeopt").WithOperation("Run")
	}
	source, err := o.normSource()
	if err != nil {
		return nil, err
	}

	h := o.cfg.Hyperparameters
	rs := &runState{
		engine:    confidence.NewEngine(source, h.NoiseStd, h.DeltaConfidence, o.logger),
		samples:   initial.Clone(),
		registry:  domain.NewRegistry(initial.Len(), h.NumLocalCubes, h.DeltaCube, o.cfg.Mode.Localized()),
		histories: make(map[domain.Tag]*history),
	}
	rs.result = &optimization.Result{Samples: rs.samples, Status: optimization.StatusRunning}
	return rs, nil
}

// Run optimizes starting from the initial samples, which are assumed safe.
// The loop runs while the sample set holds at most Iterations points. On a
// safety violation that is not tolerated, the partial result is returned
// together with an error wrapping ErrSafetyViolation. The context is checked
// between iterations.
func (o *Optimizer) Run(ctx context.Context, initial *optimization.SampleSet) (*optimization.Result, error) {
	rs, err := o.newRun(initial)
	if err != nil {
		return nil, err
	}
	err = o.run(ctx, rs)
	return rs.result, err
}

func (o *Optimizer) run(ctx context.Context, rs *runState) error {
	h := o.cfg.Hyperparameters
	o.logger.Info("starting safe optimization",
		zap.Int("initial_samples", rs.samples.Len()),
		zap.Int("iterations", h.Iterations),
		zap.Float64("safety_threshold", o.analyzer.Threshold()),
	)

	best := math.Inf(-1)
	for rs.samples.Len() <= h.Iterations {
		if err := ctx.Err(); err != nil {
			return err
		}

		chosen, cand, bestOthers, err := o.pass(ctx, rs)
		if err != nil {
			return err
		}
		if chosen == nil {
			rs.result.Status = optimization.StatusTerminatedNoCandidate
			break
		}

		if o.cfg.Mode == optimization.ModeDeployment {
			var retry bool
			chosen, cand, retry, err = o.validate(ctx, rs, chosen, bestOthers)
			if err != nil {
				return err
			}
			if rs.result.Status.Terminal() {
				break
			}
			if retry {
				continue
			}
		}

		best = math.Max(best, bestOthers)
		if err := o.sample(ctx, rs, chosen, cand, best); err != nil {
			return err
		}
	}

	if !rs.result.Status.Terminal() {
		rs.result.Status = optimization.StatusTerminatedBudget
	}
	o.logger.Info("safe optimization finished",
		zap.String("status", string(rs.result.Status)),
		zap.Int("samples", rs.samples.Len()),
		zap.Int("violations", rs.result.Violations),
	)
	return nil
}

// pass processes every domain once and returns the one whose proposal has
// the widest confidence interval, together with the best safe lower bound
// over all processed domains.
func (o *Optimizer) pass(ctx context.Context, rs *runState) (*evaluation, safeset.Candidate, float64, error) {
	cache := bayesian.NewModelCache(o.kernel, o.cfg.Hyperparameters.NoiseStd, o.logger)
	skipGlobal := rs.skipGlobal
	rs.skipGlobal = false

	var (
		chosen     *evaluation
		chosenCand safeset.Candidate
		maxWidth   float64
		bestOthers = math.Inf(-1)
	)
	for _, tag := range rs.registry.Ordered() {
		if tag.IsGlobal() && skipGlobal {
			continue
		}
		ev, err := o.evaluate(ctx, tag, rs, cache, bestOthers)
		if err != nil {
			return nil, safeset.Candidate{}, 0, err
		}
		bestOthers = math.Max(bestOthers, ev.sets.BestLowerBound)

		cand, ok := safeset.Propose(ev.sets, ev.domain.Grid, ev.bounds)
		if !ok {
			rs.registry.Remove(tag)
			continue
		}
		switch sampled := rs.samples.Contains(cand.X); {
		case sampled:
			rs.registry.Remove(tag)
		case cand.Width > maxWidth:
			maxWidth = cand.Width
			chosen, chosenCand = ev, cand
		}
	}

	hits, misses := cache.Stats()
	o.logger.Debug("pass finished",
		zap.Int("registry", rs.registry.Len()),
		zap.Int("model_cache_hits", hits),
		zap.Int("model_cache_misses", misses),
		zap.Float64("best_lower_bound", bestOthers),
	)
	return chosen, chosenCand, bestOthers, nil
}

// evaluate builds a domain, fits its surrogate and classifies its grid.
func (o *Optimizer) evaluate(ctx context.Context, tag domain.Tag, rs *runState, cache *bayesian.ModelCache, bestOthers float64) (*evaluation, error) {
	d, err := o.builder.Build(tag, rs.samples)
	if err != nil {
		return nil, err
	}
	gp, err := cache.Fit(d.X, d.Y)
	if err != nil {
		return nil, optimization.WrapErrorf(err, "fitting %s", tag).WithComponent("safeopt").WithOperation("evaluate")
	}
	mean, variance, err := gp.Predict(d.Grid)
	if err != nil {
		return nil, optimization.WrapErrorf(err, "predicting %s", tag).WithComponent("safeopt").WithOperation("evaluate")
	}

	in := confidence.Input{
		Request: confidence.Request{
			Key:    tag.String(),
			Global: tag.IsGlobal(),
			LB:     d.LB,
			UB:     d.UB,
			Grid:   d.Grid,
			X:      d.X,
			Y:      d.Y,
		},
		K:        gp.K(),
		Mean:     mean.RawVector().Data,
		Variance: variance.RawVector().Data,
	}
	if o.cfg.Mode.Localized() {
		feats, err := o.recordFeatures(tag, d, gp, in.Variance, rs)
		if err != nil {
			return nil, err
		}
		in.Features = feats
	}

	bounds, err := rs.engine.Compute(ctx, in, false)
	if err != nil {
		return nil, err
	}
	sets, err := o.analyzer.Analyze(d.Grid, bounds, bestOthers)
	if err != nil {
		return nil, err
	}
	return &evaluation{domain: d, input: in, bounds: bounds, sets: sets}, nil
}

// validate recomputes the chosen domain with the strengthened norm bound. It
// returns the validated choice, or retry=true after dropping the domain.
// When no domain is left it marks the run as terminated.
func (o *Optimizer) validate(ctx context.Context, rs *runState, chosen *evaluation, bestOthers float64) (*evaluation, safeset.Candidate, bool, error) {
	bounds, err := rs.engine.Compute(ctx, chosen.input, true)
	if err != nil {
		return nil, safeset.Candidate{}, false, err
	}
	sets, err := o.analyzer.Analyze(chosen.domain.Grid, bounds, bestOthers)
	if err != nil {
		return nil, safeset.Candidate{}, false, err
	}

	tag := chosen.domain.Tag
	if cand, ok := safeset.Propose(sets, chosen.domain.Grid, bounds); ok && !rs.samples.Contains(cand.X) {
		validated := &evaluation{domain: chosen.domain, input: chosen.input, bounds: bounds, sets: sets}
		return validated, cand, false, nil
	}

	if rs.registry.Len() == 0 {
		rs.result.Status = optimization.StatusTerminatedEmptyRegistry
		return nil, safeset.Candidate{}, false, nil
	}
	o.logger.Info("skipping domain after scenario check",
		zap.String("domain", tag.String()),
		zap.Float64("bound", bounds.B),
	)
	rs.registry.Remove(tag)
	if tag.IsGlobal() {
		rs.skipGlobal = true
	}
	return nil, safeset.Candidate{}, true, nil
}

// sample runs the experiment at the chosen point and records it.
func (o *Optimizer) sample(ctx context.Context, rs *runState, chosen *evaluation, cand safeset.Candidate, best float64) error {
	y, err := o.oracle.Observe(ctx, cand.X, o.cfg.Hyperparameters.NoiseStd)
	if err != nil {
		return optimization.WrapError(err, "experiment failed").WithComponent("safeopt").WithOperation("sample")
	}

	step := optimization.Step{
		Iteration: rs.samples.Len(),
		Domain:    chosen.domain.Tag.String(),
		X:         cand.X,
		Y:         y,
		B:         chosen.bounds.B,
		Beta:      chosen.bounds.Beta,
		Unsafe:    y < o.analyzer.Threshold(),
	}
	if step.Unsafe {
		if !o.tolerate {
			return optimization.WrapErrorf(optimization.ErrSafetyViolation, "y=%v below threshold %v at %v", y, o.analyzer.Threshold(), cand.X).
				WithComponent("safeopt").WithOperation("sample")
		}
		rs.result.Violations++
		o.logger.Warn("sampled unsafe point",
			zap.Float64s("x", cand.X),
			zap.Float64("y", y),
			zap.Float64("threshold", o.analyzer.Threshold()),
		)
	}

	rs.samples.Append(cand.X, y)
	rs.registry.Update(rs.samples, cand.X)
	rs.lastX = cand.X
	rs.result.BestLowerBounds = append(rs.result.BestLowerBounds, best)
	rs.result.Steps = append(rs.result.Steps, step)

	o.logger.Info("sampled point",
		zap.Int("iteration", step.Iteration),
		zap.String("domain", step.Domain),
		zap.Float64s("x", step.X),
		zap.Float64("y", y),
		zap.Float64("B", step.B),
		zap.Float64("beta", step.Beta),
	)
	for _, hook := range o.hooks {
		hook(step)
	}
	return nil
}

// history holds the features recorded for one domain.
type history struct {
	request  confidence.Request
	features confidence.Features
	// samples is the sample count at the last recorded visit
	samples int
}

// minVarianceIntegral keeps the reciprocal variance integral finite on
// domains whose grid coincides with noise-free samples.
const minVarianceIntegral = 1e-12

// recordFeatures appends the mean-function norm and the reciprocal variance
// integral of the domain on its first visit and on later visits that follow
// a sample inside its box.
func (o *Optimizer) recordFeatures(tag domain.Tag, d *domain.Domain, gp *bayesian.GP, variance []float64, rs *runState) (confidence.Features, error) {
	h, seen := rs.histories[tag]
	n := rs.samples.Len()
	if seen && (rs.lastX == nil || !d.Contains(rs.lastX) || h.samples == n) {
		return h.features, nil
	}

	meanNorm, err := gp.MeanRKHSNorm()
	if err != nil {
		return confidence.Features{}, err
	}
	rows, dim := d.Grid.Dims()
	integral := floats.Sum(variance) / 2 * float64(dim) / float64(rows)
	recip := 1 / math.Max(integral, minVarianceIntegral)

	if !seen {
		h = &history{request: confidence.Request{
			Key:    tag.String(),
			Global: tag.IsGlobal(),
			LB:     d.LB,
			UB:     d.UB,
			Grid:   d.Grid,
		}}
		rs.histories[tag] = h
	}
	h.features.MeanNorms = append(h.features.MeanNorms, meanNorm)
	h.features.RecipVarIntegrals = append(h.features.RecipVarIntegrals, recip)
	h.samples = n

	// callers keep their own copy; later appends must not alias it
	return confidence.Features{
		MeanNorms:         append([]float64(nil), h.features.MeanNorms...),
		RecipVarIntegrals: append([]float64(nil), h.features.RecipVarIntegrals...),
	}, nil
}
