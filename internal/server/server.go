package server

import (
	"context"
	stderrors "errors"
	"encoding/json"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/safeopt/internal/config"
	"github.com/copyleftdev/safeopt/internal/errors"
	"github.com/copyleftdev/safeopt/internal/metrics"
	"github.com/copyleftdev/safeopt/internal/optimization"
	"github.com/copyleftdev/safeopt/internal/optimization/bayesian"
	"github.com/copyleftdev/safeopt/internal/optimization/grid"
	"github.com/copyleftdev/safeopt/internal/optimization/groundtruth"
	"github.com/copyleftdev/safeopt/internal/optimization/kernels"
	"github.com/copyleftdev/safeopt/internal/optimization/predictor"
	"github.com/copyleftdev/safeopt/internal/optimization/safeopt"
	"github.com/copyleftdev/safeopt/internal/snapshot"
)

// Run statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// RunRequest describes a run on a synthetic ground truth. With ResumeFrom the
// ground truth, grid and samples come from the snapshot of an earlier run
// and the grid and function fields are ignored.
type RunRequest struct {
	Mode           string  `json:"mode"`
	Dim            int     `json:"dim"`
	PointsPerAxis  int     `json:"points_per_axis"`
	RKHSNorm       float64 `json:"rkhs_norm"`
	NumCenters     int     `json:"num_centers"`
	NumInitial     int     `json:"num_initial"`
	Seed           uint64  `json:"seed"`
	Iterations     int     `json:"iterations,omitempty"`
	NormGuess      float64 `json:"norm_guess,omitempty"`
	LocalGrid      bool    `json:"local_grid,omitempty"`
	AllSets        bool    `json:"all_sets,omitempty"`
	TolerateUnsafe *bool   `json:"tolerate_unsafe,omitempty"`

	// Kernel and LengthScale override the configured surrogate kernel.
	// Hardware selects the hardware length scale when LengthScale is unset.
	Kernel      string  `json:"kernel,omitempty"`
	LengthScale float64 `json:"length_scale,omitempty"`
	Hardware    bool    `json:"hardware,omitempty"`

	ResumeFrom string `json:"resume_from,omitempty"`
}

func (r *RunRequest) withDefaults() {
	if r.Mode == "" {
		r.Mode = string(optimization.ModeDeployment)
	}
	if r.Dim == 0 {
		r.Dim = 1
	}
	if r.PointsPerAxis == 0 {
		r.PointsPerAxis = 200
	}
	if r.RKHSNorm == 0 {
		r.RKHSNorm = 5
	}
	if r.NumCenters == 0 {
		r.NumCenters = 100
	}
	if r.NumInitial == 0 {
		r.NumInitial = 1
	}
}

func (r *RunRequest) validate() *errors.Error {
	switch {
	case !optimization.Mode(r.Mode).Valid():
		return errors.Newf(errors.Invalid, "unknown mode %q", r.Mode)
	case r.Dim < 1 || r.PointsPerAxis < 2:
		return errors.Newf(errors.Invalid, "invalid grid of %d points per axis in %d dimensions", r.PointsPerAxis, r.Dim)
	case r.RKHSNorm <= 0 || r.NumCenters < 1 || r.NumInitial < 1:
		return errors.Newf(errors.Invalid, "rkhs_norm, num_centers and num_initial must be positive")
	case r.Iterations < 0:
		return errors.Newf(errors.Invalid, "iterations must not be negative, got %d", r.Iterations)
	case r.LengthScale < 0:
		return errors.Newf(errors.Invalid, "length_scale must not be negative, got %v", r.LengthScale)
	}
	if r.ResumeFrom != "" && !validRunID(r.ResumeFrom) {
		return errors.Newf(errors.Invalid, "resume_from %q is not a run id", r.ResumeFrom)
	}
	return nil
}

const runIDPrefix = "run_"

func newRunID() string { return runIDPrefix + uuid.NewString() }

// validRunID reports whether id has the form of a generated run id. Only
// such ids are turned into snapshot paths.
func validRunID(id string) bool {
	rest, ok := strings.CutPrefix(id, runIDPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}

// RunState tracks a single optimization run. Fields are guarded by the
// server's mutex.
type RunState struct {
	ID          string
	Status      string
	Mode        optimization.Mode
	Request     RunRequest
	StartTime   time.Time
	EndTime     *time.Time
	LastUpdated time.Time
	Iterations  int
	Threshold   float64
	Steps       []optimization.Step
	Result      *optimization.Result
	Err         string
	CancelFunc  context.CancelFunc

	kernel kernels.Kernel
	resume *snapshot.Snapshot
}

// Option customizes a Server.
type Option func(*Server)

// WithMetrics records run metrics with c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithPredictor sets the norm predictor of deployment runs.
func WithPredictor(p predictor.NormPredictor) Option {
	return func(s *Server) { s.predictor = p }
}

// Server implements the HTTP and JSON-RPC surface of the optimization
// service. It starts runs on synthetic ground truths and lets clients
// monitor and cancel them.
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	metrics   *metrics.Collector
	predictor predictor.NormPredictor

	runs   map[string]*RunState
	runsMu sync.RWMutex
	wg     sync.WaitGroup
}

// NewServer creates a new server instance with the given config and logger.
func NewServer(cfg *config.Config, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger.Named("server"),
		runs:   make(map[string]*RunState),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.predictor == nil {
		s.predictor = predictor.Constant(cfg.Optimization.NormGuess)
	}
	return s
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/runs", s.handleStart)
		r.Get("/runs/{id}", s.handleStatus)
		r.Delete("/runs/{id}", s.handleCancel)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string            `json:"jsonrpc"`
		ID      interface{}       `json:"id"`
		Method  string            `json:"method"`
		Params  []json.RawMessage `json:"params,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, -32700, "Parse error", nil, err)
		return
	}

	if request.JSONRPC != "2.0" {
		s.respondWithError(w, -32600, "Invalid Request", request.ID, nil)
		return
	}

	var result interface{}
	var err error

	switch request.Method {
	case "run.start":
		var req RunRequest
		if err = decodeParam(request.Params, &req); err == nil {
			result, err = s.startRun(req)
		}
	case "run.status":
		var p struct {
			RunID string `json:"run_id"`
		}
		if err = decodeParam(request.Params, &p); err == nil {
			result, err = s.runStatus(p.RunID)
		}
	case "run.cancel":
		var p struct {
			RunID string `json:"run_id"`
		}
		if err = decodeParam(request.Params, &p); err == nil {
			err = s.cancelRun(p.RunID)
			result = map[string]string{"status": "cancellation requested"}
		}
	default:
		s.respondWithError(w, -32601, "Method not found", request.ID, nil)
		return
	}

	if err != nil {
		kind := errors.KindOf(err)
		s.respondWithError(w, kind.RPCCode(), kind.String(), request.ID, err)
		return
	}

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func decodeParam(params []json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return errors.Newf(errors.Invalid, "missing required parameters")
	}
	if err := json.Unmarshal(params[0], v); err != nil {
		return errors.Wrap(errors.Invalid, err, "invalid parameter format, expected object")
	}
	return nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}, err error) {
	fields := []zap.Field{zap.Int("code", code), zap.String("message", message)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Warn("JSON-RPC error", fields...)

	rpcErr := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if err != nil {
		rpcErr["data"] = err.Error()
	}
	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"error":   rpcErr,
		"id":      id,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// startRun registers a run and starts it in a goroutine.
func (s *Server) startRun(req RunRequest) (interface{}, error) {
	req.withDefaults()
	if err := req.validate(); err != nil {
		return nil, err.WithOperation("startRun")
	}

	h := s.cfg.Hyperparameters()
	if req.Iterations > 0 {
		h.Iterations = req.Iterations
	}
	if req.NormGuess > 0 {
		h.NormGuess = req.NormGuess
	}
	mode := optimization.Mode(req.Mode)
	if err := h.Validate(mode); err != nil {
		return nil, errors.Wrap(errors.Invalid, err, "invalid hyperparameters").WithOperation("startRun")
	}
	kernel, err := s.surrogateKernel(req)
	if err != nil {
		return nil, errors.Wrap(errors.Invalid, err, "invalid surrogate kernel").WithOperation("startRun")
	}
	var resume *snapshot.Snapshot
	if req.ResumeFrom != "" {
		if resume, err = s.loadSnapshot(req.ResumeFrom); err != nil {
			return nil, err
		}
		req.Dim = resume.Grid.Dim
		req.PointsPerAxis = resume.Grid.PointsPerAxis
	}

	id := newRunID()
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	state := &RunState{
		ID:          id,
		Status:      StatusPending,
		Mode:        mode,
		Request:     req,
		StartTime:   now,
		LastUpdated: now,
		Iterations:  h.Iterations,
		CancelFunc:  cancel,
		kernel:      kernel,
		resume:      resume,
	}

	s.runsMu.Lock()
	active := 0
	for _, r := range s.runs {
		if r.Status == StatusPending || r.Status == StatusRunning {
			active++
		}
	}
	if limit := s.cfg.Optimization.MaxRuns; limit > 0 && active >= limit {
		s.runsMu.Unlock()
		cancel()
		return nil, errors.Newf(errors.Unavailable, "too many active runs (%d)", active).WithOperation("startRun")
	}
	s.runs[id] = state
	s.runsMu.Unlock()

	if s.metrics != nil {
		s.metrics.RunStarted()
	}
	s.wg.Add(1)
	go s.execute(ctx, state, h)

	return map[string]interface{}{
		"run_id": id,
		"status": StatusPending,
	}, nil
}

// execute runs the optimization and records its outcome.
func (s *Server) execute(ctx context.Context, state *RunState, h optimization.Hyperparameters) {
	defer s.wg.Done()
	logger := s.logger.With(zap.String("run_id", state.ID))

	s.runsMu.Lock()
	if state.Status == StatusPending {
		state.Status = StatusRunning
	}
	req := state.Request
	s.runsMu.Unlock()

	truth, res, err := s.optimize(ctx, state, req, h, logger)

	s.runsMu.Lock()
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now
	state.Result = res
	switch {
	case state.Status == StatusCancelled:
	case err != nil && ctx.Err() != nil:
		state.Status = StatusCancelled
	case err != nil:
		state.Status = StatusFailed
		state.Err = err.Error()
	default:
		state.Status = StatusCompleted
	}
	status := state.Status
	s.runsMu.Unlock()

	if err != nil && status == StatusFailed {
		logger.Error("Run failed", zap.Error(err))
	} else {
		logger.Info("Run finished", zap.String("status", status))
	}
	if s.metrics != nil {
		s.metrics.RunFinished(state.Mode, status, now.Sub(state.StartTime))
	}
	if truth != nil && res != nil {
		s.saveSnapshot(state, truth, res, h, logger)
	}
}

func (s *Server) optimize(ctx context.Context, state *RunState, req RunRequest, h optimization.Hyperparameters, logger *zap.Logger) (*groundtruth.Function, *optimization.Result, error) {
	g, truth, initial, err := s.problem(ctx, state, req, h)
	if err != nil {
		return truth, nil, err
	}

	s.runsMu.Lock()
	state.Threshold = truth.SafetyThreshold()
	s.runsMu.Unlock()

	var oracle optimization.Oracle = truth
	if interval := s.cfg.Optimization.ObserveInterval; interval > 0 {
		oracle = groundtruth.NewThrottledNorms(truth, interval, 1)
	}

	opts := []safeopt.Option{
		safeopt.WithLogger(logger),
		safeopt.WithStepHook(func(step optimization.Step) {
			s.runsMu.Lock()
			state.Steps = append(state.Steps, step)
			state.LastUpdated = time.Now()
			s.runsMu.Unlock()
		}),
	}
	if s.metrics != nil {
		opts = append(opts, safeopt.WithStepHook(s.metrics.StepHook(state.Mode)))
	}

	opt, err := safeopt.New(safeopt.Config{
		Mode:            state.Mode,
		Hyperparameters: h,
		Grid:            g,
		Kernel:          state.kernel,
		LocalGrid:       req.LocalGrid,
		AllSets:         req.AllSets,
		TolerateUnsafe:  req.TolerateUnsafe,
		Predictor:       s.predictor,
		Seed:            req.Seed,
	}, oracle, opts...)
	if err != nil {
		return truth, nil, err
	}
	res, err := opt.Run(ctx, initial)
	return truth, res, err
}

// problem builds the grid, the ground truth and the initial samples of a
// run, either fresh from the request or restored from a snapshot.
func (s *Server) problem(ctx context.Context, state *RunState, req RunRequest, h optimization.Hyperparameters) (*mat.Dense, *groundtruth.Function, *optimization.SampleSet, error) {
	rng := rand.New(rand.NewPCG(req.Seed, 0x5eed))

	if snap := state.resume; snap != nil {
		truth, err := snap.GroundTruth(rng)
		if err != nil {
			return nil, nil, nil, err
		}
		initial, err := snap.Samples()
		if err != nil {
			return nil, truth, nil, err
		}
		if initial.Len() == 0 {
			if initial, err = truth.InitialSafeSamples(ctx, req.NumInitial, h.NoiseStd); err != nil {
				return nil, truth, nil, err
			}
		}
		return truth.Grid(), truth, initial, nil
	}

	g, err := grid.Unit(req.Dim, req.PointsPerAxis)
	if err != nil {
		return nil, nil, nil, err
	}
	truth, err := groundtruth.New(groundtruth.Config{RKHSNorm: req.RKHSNorm, NumCenters: req.NumCenters}, g, rng)
	if err != nil {
		return nil, nil, nil, err
	}
	initial, err := truth.InitialSafeSamples(ctx, req.NumInitial, h.NoiseStd)
	if err != nil {
		return nil, truth, nil, err
	}
	return g, truth, initial, nil
}

func (s *Server) surrogateKernel(req RunRequest) (kernels.Kernel, error) {
	name := req.Kernel
	if name == "" {
		name = s.cfg.Optimization.Kernel
	}
	lengthScale := req.LengthScale
	switch {
	case lengthScale > 0:
	case req.Hardware:
		lengthScale = bayesian.HardwareLengthScale
	case s.cfg.Optimization.LengthScale > 0:
		lengthScale = s.cfg.Optimization.LengthScale
	default:
		lengthScale = bayesian.SurrogateLengthScale
	}
	return kernels.New(name, lengthScale)
}

func (s *Server) snapshotPath(id string) string {
	return filepath.Join(s.cfg.Snapshots.Dir, id+".snap")
}

// loadSnapshot reads the snapshot of a finished run.
func (s *Server) loadSnapshot(id string) (*snapshot.Snapshot, error) {
	if s.cfg.Snapshots.Dir == "" {
		return nil, errors.Newf(errors.Invalid, "snapshots are disabled").WithOperation("loadSnapshot")
	}
	snap, err := snapshot.LoadFile(s.snapshotPath(id))
	switch {
	case stderrors.Is(err, fs.ErrNotExist):
		return nil, errors.Newf(errors.NotFound, "no snapshot of run %s", id).WithOperation("loadSnapshot")
	case err != nil:
		return nil, errors.Wrap(errors.Invalid, err, "unreadable snapshot").WithOperation("loadSnapshot")
	}
	return snap, nil
}

func (s *Server) saveSnapshot(state *RunState, truth *groundtruth.Function, res *optimization.Result, h optimization.Hyperparameters, logger *zap.Logger) {
	dir := s.cfg.Snapshots.Dir
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error("Creating snapshot directory failed", zap.Error(err))
		return
	}
	snap := snapshot.New(state.Mode, h, snapshot.GridSpec{Dim: state.Request.Dim, PointsPerAxis: state.Request.PointsPerAxis}, truth, res)
	path := s.snapshotPath(state.ID)
	if err := snapshot.SaveFile(path, snap); err != nil {
		logger.Error("Saving snapshot failed", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Debug("Saved snapshot", zap.String("path", path))
}

// runStatus returns the current status and samples of a run.
func (s *Server) runStatus(id string) (interface{}, error) {
	if id == "" {
		return nil, errors.Newf(errors.Invalid, "run_id is required")
	}

	s.runsMu.RLock()
	defer s.runsMu.RUnlock()

	state, exists := s.runs[id]
	if !exists {
		return nil, errors.Newf(errors.NotFound, "run %s not found", id)
	}

	progress := float64(len(state.Steps)) / float64(state.Iterations)
	if progress > 1 || state.Status == StatusCompleted {
		progress = 1
	}
	response := map[string]interface{}{
		"run_id":           state.ID,
		"status":           state.Status,
		"mode":             state.Mode,
		"progress":         progress,
		"start_time":       state.StartTime.Format(time.RFC3339),
		"last_update":      state.LastUpdated.Format(time.RFC3339),
		"safety_threshold": state.Threshold,
	}
	if state.EndTime != nil {
		response["end_time"] = state.EndTime.Format(time.RFC3339)
	}
	if state.Err != "" {
		response["error"] = state.Err
	}

	if len(state.Steps) > 0 {
		history := make([]map[string]interface{}, len(state.Steps))
		for i, step := range state.Steps {
			history[i] = map[string]interface{}{
				"iteration": step.Iteration,
				"domain":    step.Domain,
				"x":         step.X,
				"y":         step.Y,
				"B":         step.B,
				"beta":      step.Beta,
				"unsafe":    step.Unsafe,
			}
		}
		response["history"] = history
	}

	if res := state.Result; res != nil && res.Samples != nil {
		response["result_status"] = res.Status
		response["samples"] = res.Samples.Len()
		response["violations"] = res.Violations
		if idx, best := res.Best(); idx >= 0 {
			response["best"] = map[string]interface{}{
				"x": res.Samples.X[idx],
				"y": best,
			}
		}
	}

	return response, nil
}

// cancelRun cancels a pending or running run.
func (s *Server) cancelRun(id string) error {
	if id == "" {
		return errors.Newf(errors.Invalid, "run_id is required")
	}

	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	state, exists := s.runs[id]
	if !exists {
		return errors.Newf(errors.NotFound, "run %s not found", id)
	}

	switch state.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return errors.Newf(errors.Conflict, "cannot cancel run with status: %s", state.Status)
	}

	if state.CancelFunc != nil {
		state.CancelFunc()
	}
	state.Status = StatusCancelled
	state.LastUpdated = time.Now()

	s.logger.Info("Run cancelled", zap.String("run_id", id))
	return nil
}

// Close cancels all runs and waits for them to stop.
func (s *Server) Close() error {
	s.runsMu.Lock()
	for _, run := range s.runs {
		if run.CancelFunc != nil {
			run.CancelFunc()
		}
	}
	s.runsMu.Unlock()

	s.wg.Wait()
	return nil
}

// handleStart handles POST /api/v1/runs.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": fmt.Sprintf("Invalid request body: %v", err),
		})
		return
	}

	result, err := s.startRun(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// handleStatus handles GET /api/v1/runs/{id}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.runStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCancel handles DELETE /api/v1/runs/{id}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.cancelRun(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancellation requested"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errors.KindOf(err).HTTPStatus(), map[string]interface{}{"error": err.Error()})
}
