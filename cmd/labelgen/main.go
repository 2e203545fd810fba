// Command labelgen runs label-mode optimizations on random ground truths and
// writes the labeled feature histories as zstd compressed JSON lines.
// Optionally it fits a linear norm predictor on the generated examples.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/copyleftdev/safeopt/internal/config"
	"github.com/copyleftdev/safeopt/internal/logging"
	"github.com/copyleftdev/safeopt/internal/optimization/predictor"
	"github.com/copyleftdev/safeopt/internal/optimization/safeopt"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(cfg, logger).ExecuteContext(ctx); err != nil {
		logger.Error("Label generation failed", zap.Error(err))
		os.Exit(1)
	}
}

// newRootCmd builds the command line. Flags default to the SAFEOPT_*
// environment configuration and override it.
func newRootCmd(cfg *config.Config, logger *zap.Logger) *cobra.Command {
	predictorOut := cfg.Predictor.Path
	if predictorOut == "" {
		predictorOut = "predictor.json"
	}

	cmd := &cobra.Command{
		Use:   "labelgen",
		Short: "Generate labeled norm features on random ground truths",
		Long: `labelgen runs label-mode optimizations on random ground truths and writes
the labeled feature histories of every visited domain as zstd compressed
JSON lines. With --fit it also fits a linear norm predictor on them.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, cfg.Labels.Out, cfg.Labels.Fit, predictorOut, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Labels.Out, "out", cfg.Labels.Out, "output dataset path")
	flags.BoolVar(&cfg.Labels.Fit, "fit", cfg.Labels.Fit, "fit a linear predictor on the generated labels")
	flags.StringVar(&predictorOut, "predictor", predictorOut, "where --fit saves the predictor")
	flags.IntVar(&cfg.Labels.Trials, "trials", cfg.Labels.Trials, "number of random ground truths")
	flags.Uint64Var(&cfg.Labels.Seed, "seed", cfg.Labels.Seed, "seed of the first trial")
	flags.IntVar(&cfg.Labels.Iterations, "iterations", cfg.Labels.Iterations, "sample budget per trial")
	flags.IntVar(&cfg.Optimization.WorkerCount, "workers", cfg.Optimization.WorkerCount, "trials run in parallel")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, out string, fit bool, predictorOut string, logger *zap.Logger) error {
	lc := safeopt.DefaultLabelConfig()
	lc.Trials = cfg.Labels.Trials
	lc.Workers = cfg.Optimization.WorkerCount
	lc.Seed = cfg.Labels.Seed
	lc.Dim = cfg.Labels.Dim
	lc.PointsPerAxis = cfg.Labels.PointsPerAxis
	lc.Hyperparameters = cfg.Hyperparameters()
	lc.Hyperparameters.Iterations = cfg.Labels.Iterations

	logger.Info("Generating labels",
		zap.Int("trials", lc.Trials),
		zap.Int("workers", lc.Workers),
		zap.Uint64("seed", lc.Seed),
	)
	examples, err := safeopt.GenerateLabels(ctx, lc, logger)
	if err != nil {
		return err
	}

	if err := writeDataset(out, examples); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}
	logger.Info("Wrote dataset", zap.String("path", out), zap.Int("examples", len(examples)))

	if !fit {
		return nil
	}
	train := make([]predictor.Example, len(examples))
	for i, ex := range examples {
		train[i] = ex.Example
	}
	p, err := predictor.FitLinear(train)
	if err != nil {
		return err
	}
	if err := p.Save(predictorOut); err != nil {
		return err
	}
	logger.Info("Saved predictor", zap.String("path", predictorOut), zap.Float64s("weights", p.Weights))
	return nil
}

func writeDataset(path string, examples []safeopt.LabeledExample) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return err
	}

	jw := json.NewEncoder(enc)
	for _, ex := range examples {
		if err := jw.Encode(ex); err != nil {
			enc.Close()
			f.Close()
			return err
		}
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
