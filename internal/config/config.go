// Package config loads the service configuration from the environment.
package config

import (
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/copyleftdev/safeopt/internal/optimization"
	"github.com/copyleftdev/safeopt/internal/optimization/kernels"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Optimization struct {
		WorkerCount          int     `env:"OPT_WORKER_COUNT" envDefault:"4"`
		MaxRuns              int     `env:"OPT_MAX_RUNS" envDefault:"8"`
		NoiseStd             float64 `env:"OPT_NOISE_STD" envDefault:"0.01"`
		DeltaConfidence      float64 `env:"OPT_DELTA_CONFIDENCE" envDefault:"0.01"`
		ExplorationThreshold float64 `env:"OPT_EXPLORATION_THRESHOLD" envDefault:"0.1"`
		DeltaCube            float64 `env:"OPT_DELTA_CUBE" envDefault:"0.1"`
		NumLocalCubes        int     `env:"OPT_NUM_LOCAL_CUBES" envDefault:"5"`
		AlphaBar             float64 `env:"OPT_ALPHA_BAR" envDefault:"1"`
		MPAC                 int     `env:"OPT_M_PAC" envDefault:"1000"`
		GammaPAC             float64 `env:"OPT_GAMMA_PAC" envDefault:"0.1"`
		KappaPAC             float64 `env:"OPT_KAPPA_PAC" envDefault:"0.01"`
		Iterations           int     `env:"OPT_ITERATIONS" envDefault:"30"`
		NormGuess            float64 `env:"OPT_NORM_GUESS" envDefault:"1"`
		// Kernel and LengthScale select the surrogate kernel.
		Kernel      string  `env:"OPT_KERNEL" envDefault:"matern32"`
		LengthScale float64 `env:"OPT_LENGTH_SCALE" envDefault:"0.1"`
		// ObserveInterval paces experiments; zero disables throttling.
		ObserveInterval time.Duration `env:"OPT_OBSERVE_INTERVAL" envDefault:"0s"`
	}
	Predictor struct {
		// Path of a linear predictor saved as JSON. Without it deployment runs
		// fall back to a constant prediction of NormGuess.
		Path string `env:"PREDICTOR_PATH"`
	}
	Snapshots struct {
		// Dir receives a snapshot of every finished run; empty disables them.
		Dir string `env:"SNAPSHOT_DIR"`
	}
	Labels struct {
		Trials        int    `env:"LABEL_TRIALS" envDefault:"100"`
		Seed          uint64 `env:"LABEL_SEED" envDefault:"1"`
		Dim           int    `env:"LABEL_DIM" envDefault:"1"`
		PointsPerAxis int    `env:"LABEL_POINTS_PER_AXIS" envDefault:"1000"`
		Iterations    int    `env:"LABEL_ITERATIONS" envDefault:"20"`
		Out           string `env:"LABEL_OUT" envDefault:"labels.jsonl.zst"`
		Fit           bool   `env:"LABEL_FIT" envDefault:"false"`
	}
}

// Load reads the configuration from SAFEOPT_* environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "SAFEOPT_"}); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Hyperparameters().Validate(optimization.ModeDeployment); err != nil {
		return nil, err
	}
	if _, err := cfg.SurrogateKernel(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SurrogateKernel returns a new instance of the configured surrogate kernel.
func (c *Config) SurrogateKernel() (kernels.Kernel, error) {
	return kernels.New(c.Optimization.Kernel, c.Optimization.LengthScale)
}

// Hyperparameters returns the optimization constants of the configuration.
func (c *Config) Hyperparameters() optimization.Hyperparameters {
	o := c.Optimization
	return optimization.Hyperparameters{
		NoiseStd:             o.NoiseStd,
		DeltaConfidence:      o.DeltaConfidence,
		ExplorationThreshold: o.ExplorationThreshold,
		DeltaCube:            o.DeltaCube,
		NumLocalCubes:        o.NumLocalCubes,
		AlphaBar:             o.AlphaBar,
		MPAC:                 o.MPAC,
		GammaPAC:             o.GammaPAC,
		KappaPAC:             o.KappaPAC,
		Iterations:           o.Iterations,
		NormGuess:            o.NormGuess,
	}
}
