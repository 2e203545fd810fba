package safeopt

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/safeopt/internal/optimization"
	"github.com/copyleftdev/safeopt/internal/optimization/domain"
	"github.com/copyleftdev/safeopt/internal/optimization/grid"
	"github.com/copyleftdev/safeopt/internal/optimization/groundtruth"
	"github.com/copyleftdev/safeopt/internal/optimization/predictor"
)

// LabeledExample is the feature history of one domain visited during a
// label run together with its exact norm.
type LabeledExample struct {
	Trial int    `json:"trial"`
	Tag   string `json:"tag"`
	predictor.Example
}

// RunLabels runs a label-mode optimization and returns, ordered by domain,
// the feature history of every domain the run visited labeled with the
// exact norm of the domain.
func (o *Optimizer) RunLabels(ctx context.Context, initial *optimization.SampleSet) (*optimization.Result, []LabeledExample, error) {
	if o.cfg.Mode != optimization.ModeLabel {
		return nil, nil, optimization.NewErrorf("labels are only recorded in %s mode", optimization.ModeLabel).
			WithComponent("safeopt").WithOperation("RunLabels")
	}
	rs, err := o.newRun(initial)
	if err != nil {
		return nil, nil, err
	}
	if err := o.run(ctx, rs); err != nil {
		return rs.result, nil, err
	}
	examples, err := rs.labeledExamples(ctx)
	return rs.result, examples, err
}

func (rs *runState) labeledExamples(ctx context.Context) ([]LabeledExample, error) {
	tags := make([]domain.Tag, 0, len(rs.histories))
	for tag := range rs.histories {
		tags = append(tags, tag)
	}
	slices.SortFunc(tags, compareTags)

	examples := make([]LabeledExample, 0, len(tags))
	for _, tag := range tags {
		h := rs.histories[tag]
		label, err := rs.engine.Source().Norm(ctx, h.request)
		if err != nil {
			return nil, err
		}
		examples = append(examples, LabeledExample{
			Tag: tag.String(),
			Example: predictor.Example{
				MeanNorms:         append([]float64(nil), h.features.MeanNorms...),
				RecipVarIntegrals: append([]float64(nil), h.features.RecipVarIntegrals...),
				Label:             label,
			},
		})
	}
	return examples, nil
}

func compareTags(a, b domain.Tag) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}

// LabelConfig configures label generation.
type LabelConfig struct {
	Trials  int
	Workers int
	Seed    uint64

	Dim           int
	PointsPerAxis int

	// MinNorm and MaxNorm bound the uniformly drawn norm of each ground truth.
	MinNorm, MaxNorm float64

	// MinCenters and MaxCenters bound the number of kernel centers, both
	// inclusive.
	MinCenters, MaxCenters int

	Hyperparameters optimization.Hyperparameters
}

// DefaultLabelConfig returns the settings of the synthetic label
// experiments.
func DefaultLabelConfig() LabelConfig {
	h := optimization.DefaultHyperparameters()
	h.Iterations = 20
	return LabelConfig{
		Trials:          100,
		Workers:         4,
		Seed:            1,
		Dim:             1,
		PointsPerAxis:   1000,
		MinNorm:         0.5,
		MaxNorm:         30,
		MinCenters:      600,
		MaxCenters:      999,
		Hyperparameters: h,
	}
}

func (c LabelConfig) validate() error {
	switch {
	case c.Trials < 1:
		return optimization.NewErrorf("need at least one trial, got %d", c.Trials)
	case c.Dim < 1 || c.PointsPerAxis < 2:
		return optimization.NewErrorf("invalid grid %d points per axis in %d dimensions", c.PointsPerAxis, c.Dim)
	case c.MinNorm <= 0 || c.MaxNorm < c.MinNorm:
		return optimization.NewErrorf("invalid norm range [%v, %v]", c.MinNorm, c.MaxNorm)
	case c.MinCenters < 1 || c.MaxCenters < c.MinCenters:
		return optimization.NewErrorf("invalid center range [%d, %d]", c.MinCenters, c.MaxCenters)
	}
	return c.Hyperparameters.Validate(optimization.ModeLabel)
}

// GenerateLabels runs label-mode optimizations on random ground truths and
// collects the labeled feature histories of every visited domain. Trials run
// on up to Workers goroutines; the output is ordered by trial and does not
// depend on the number of workers.
func GenerateLabels(ctx context.Context, cfg LabelConfig, logger *zap.Logger) ([]LabeledExample, error) {
	if err := cfg.validate(); err != nil {
		return nil, optimization.WrapError(err, "invalid label configuration").
			WithComponent("safeopt").WithOperation("GenerateLabels")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("labels")

	g0, err := grid.Unit(cfg.Dim, cfg.PointsPerAxis)
	if err != nil {
		return nil, err
	}

	perTrial := make([][]LabeledExample, cfg.Trials)
	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Workers > 0 {
		g.SetLimit(cfg.Workers)
	}
	for trial := 0; trial < cfg.Trials; trial++ {
		g.Go(func() error {
			examples, err := labelTrial(gctx, cfg, g0, trial, logger)
			if err != nil {
				return optimization.WrapErrorf(err, "trial %d", trial).
					WithComponent("safeopt").WithOperation("GenerateLabels")
			}
			perTrial[trial] = examples

			mu.Lock()
			done++
			logger.Info("trial finished",
				zap.Int("trial", trial),
				zap.Int("examples", len(examples)),
				zap.Int("done", done),
				zap.Int("trials", cfg.Trials),
			)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []LabeledExample
	for _, examples := range perTrial {
		out = append(out, examples...)
	}
	return out, nil
}

func labelTrial(ctx context.Context, cfg LabelConfig, g *mat.Dense, trial int, logger *zap.Logger) ([]LabeledExample, error) {
	rng := rand.New(rand.NewPCG(cfg.Seed, uint64(trial)))
	norm := cfg.MinNorm + rng.Float64()*(cfg.MaxNorm-cfg.MinNorm)
	centers := cfg.MinCenters + rng.IntN(cfg.MaxCenters-cfg.MinCenters+1)

	truth, err := groundtruth.New(groundtruth.Config{RKHSNorm: norm, NumCenters: centers}, g, rng)
	if err != nil {
		return nil, err
	}
	initial, err := truth.InitialSafeSamples(ctx, 1, cfg.Hyperparameters.NoiseStd)
	if err != nil {
		return nil, err
	}

	opt, err := New(Config{
		Mode:            optimization.ModeLabel,
		Hyperparameters: cfg.Hyperparameters,
		Grid:            g,
		Seed:            cfg.Seed + uint64(trial),
	}, truth, WithLogger(logger.With(zap.Int("trial", trial))))
	if err != nil {
		return nil, err
	}
	_, examples, err := opt.RunLabels(ctx, initial)
	if err != nil {
		return nil, err
	}
	for i := range examples {
		examples[i].Trial = trial
	}
	return examples, nil
}
