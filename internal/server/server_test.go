package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/copyleftdev/safeopt/internal/config"
	"github.com/copyleftdev/safeopt/internal/metrics"
	"github.com/copyleftdev/safeopt/internal/optimization"
	"github.com/copyleftdev/safeopt/internal/optimization/bayesian"
	"github.com/copyleftdev/safeopt/internal/optimization/kernels"
	"github.com/copyleftdev/safeopt/internal/snapshot"
)

// testConfig creates a test configuration with default values
func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		Environment: "test",
	}

	cfg.HTTP.Port = 8080
	cfg.HTTP.ReadTimeout = 30 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second

	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "console"
	cfg.Logging.Output = "stdout"

	h := optimization.DefaultHyperparameters()
	o := &cfg.Optimization
	o.WorkerCount = 2
	o.MaxRuns = 2
	o.NoiseStd = h.NoiseStd
	o.DeltaConfidence = h.DeltaConfidence
	o.ExplorationThreshold = 0.05
	o.DeltaCube = h.DeltaCube
	o.NumLocalCubes = h.NumLocalCubes
	o.AlphaBar = h.AlphaBar
	o.MPAC = 20
	o.GammaPAC = h.GammaPAC
	o.KappaPAC = h.KappaPAC
	o.Iterations = 4
	o.NormGuess = 3
	o.Kernel = "matern32"
	o.LengthScale = 0.1

	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *chi.Mux) {
	t.Helper()
	srv := NewServer(cfg, zaptest.NewLogger(t), WithMetrics(metrics.New(prometheus.NewRegistry())))
	t.Cleanup(func() { srv.Close() })
	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	return srv, r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(method, path, &buf))

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out))
	return rr, out
}

// smallRun is a short baseline run. The norm guess is far below the true
// norm, which keeps the confidence intervals narrow enough for the safe set
// to grow beyond the initial samples; unsafe samples are tolerated.
var smallRun = map[string]interface{}{
	"mode":            "baseline",
	"points_per_axis": 200,
	"rkhs_norm":       10,
	"norm_guess":      0.5,
	"num_centers":     30,
	"num_initial":     2,
	"seed":            7,
	"iterations":      4,
	"tolerate_unsafe": true,
}

func withOverrides(base map[string]interface{}, kv ...interface{}) map[string]interface{} {
	run := map[string]interface{}{}
	for k, v := range base {
		run[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		run[kv[i].(string)] = kv[i+1]
	}
	return run
}

func waitForStatus(t *testing.T, r http.Handler, id string) map[string]interface{} {
	t.Helper()
	var status map[string]interface{}
	require.Eventually(t, func() bool {
		_, status = doJSON(t, r, http.MethodGet, "/api/v1/runs/"+id, nil)
		s := status["status"]
		return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
	}, 30*time.Second, 20*time.Millisecond)
	return status
}

func TestRegisterRoutes(t *testing.T) {
	_, r := newTestServer(t, testConfig(t))

	tests := []struct {
		method      string
		path        string
		shouldExist bool
	}{
		{"POST", "/api/v1/runs", true},
		{"GET", "/api/v1/runs/123", true},
		{"DELETE", "/api/v1/runs/123", true},
		{"POST", "/rpc", true},
		{"GET", "/healthz", false}, // Not registered by server package
		{"GET", "/nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, strings.NewReader("{}")))
			if tt.shouldExist {
				assert.NotEqual(t, http.StatusMethodNotAllowed, rr.Code)
			} else {
				assert.Equal(t, http.StatusNotFound, rr.Code)
			}
		})
	}
}

func TestRunLifecycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Snapshots.Dir = t.TempDir()
	_, r := newTestServer(t, cfg)

	rr, started := doJSON(t, r, http.MethodPost, "/api/v1/runs", smallRun)
	require.Equal(t, http.StatusAccepted, rr.Code)
	id, ok := started["run_id"].(string)
	require.True(t, ok)

	status := waitForStatus(t, r, id)
	assert.Equal(t, StatusCompleted, status["status"])
	assert.Equal(t, "baseline", status["mode"])
	assert.Equal(t, 1.0, status["progress"])
	assert.NotNil(t, status["best"])
	assert.Contains(t, status, "safety_threshold")
	history, ok := status["history"].([]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, history)

	// the snapshot is written after the final status update
	path := filepath.Join(cfg.Snapshots.Dir, id+".snap")
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		snap, err := snapshot.LoadFile(path)
		return err == nil && snap.Mode == optimization.ModeBaseline && len(snap.X) > 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2.0, status["samples"].(float64)-float64(len(history)), "two initial samples")

	rr, _ = doJSON(t, r, http.MethodDelete, "/api/v1/runs/"+id, nil)
	assert.Equal(t, http.StatusConflict, rr.Code, "finished runs cannot be cancelled")
}

func TestRunLogFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	srv := NewServer(testConfig(t), zap.New(core), WithMetrics(metrics.New(prometheus.NewRegistry())))
	t.Cleanup(func() { srv.Close() })
	r := chi.NewRouter()
	srv.RegisterRoutes(r)

	_, started := doJSON(t, r, http.MethodPost, "/api/v1/runs", smallRun)
	id := started["run_id"].(string)
	waitForStatus(t, r, id)

	entries := logs.FilterMessage("starting safe optimization").All()
	require.Len(t, entries, 1)
	count := map[string]int{}
	for _, f := range entries[0].Context {
		count[f.Key]++
	}
	assert.Equal(t, 1, count["mode"])
	assert.Equal(t, 1, count["run_id"])
	assert.Equal(t, "baseline", entries[0].ContextMap()["mode"])
}

func TestResumeFromSnapshot(t *testing.T) {
	cfg := testConfig(t)
	cfg.Snapshots.Dir = t.TempDir()
	_, r := newTestServer(t, cfg)

	_, started := doJSON(t, r, http.MethodPost, "/api/v1/runs", smallRun)
	first := started["run_id"].(string)
	before := waitForStatus(t, r, first)
	require.Equal(t, StatusCompleted, before["status"])
	require.Eventually(t, func() bool {
		_, err := snapshot.LoadFile(filepath.Join(cfg.Snapshots.Dir, first+".snap"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	prior := before["samples"].(float64)
	resumed := withOverrides(smallRun,
		"resume_from", first,
		"iterations", int(prior)+2,
		"points_per_axis", 50, // ignored, the grid comes from the snapshot
	)
	rr, started := doJSON(t, r, http.MethodPost, "/api/v1/runs", resumed)
	require.Equal(t, http.StatusAccepted, rr.Code)
	after := waitForStatus(t, r, started["run_id"].(string))

	assert.Equal(t, StatusCompleted, after["status"])
	assert.Equal(t, before["safety_threshold"], after["safety_threshold"], "same ground truth")
	assert.GreaterOrEqual(t, after["samples"].(float64), prior, "earlier samples are kept")

	missing := withOverrides(smallRun, "resume_from", "run_"+uuid.NewString())
	rr, _ = doJSON(t, r, http.MethodPost, "/api/v1/runs", missing)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSurrogateKernelSelection(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t))

	k, err := srv.surrogateKernel(RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1}, k.Hyperparameters())

	k, err = srv.surrogateKernel(RunRequest{Hardware: true})
	require.NoError(t, err)
	assert.Equal(t, []float64{bayesian.HardwareLengthScale}, k.Hyperparameters())

	k, err = srv.surrogateKernel(RunRequest{Kernel: "matern12", LengthScale: 0.3, Hardware: true})
	require.NoError(t, err)
	assert.IsType(t, &kernels.Matern12Kernel{}, k)
	assert.Equal(t, []float64{0.3}, k.Hyperparameters())

	_, err = srv.surrogateKernel(RunRequest{Kernel: "periodic"})
	assert.Error(t, err)
}

func TestStartValidation(t *testing.T) {
	_, r := newTestServer(t, testConfig(t))

	rr, body := doJSON(t, r, http.MethodPost, "/api/v1/runs", map[string]interface{}{"mode": "fast"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, body["error"], "unknown mode")

	rr, _ = doJSON(t, r, http.MethodPost, "/api/v1/runs", map[string]interface{}{"iterations": -1})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, body = doJSON(t, r, http.MethodPost, "/api/v1/runs", map[string]interface{}{"kernel": "periodic"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, body["error"], "invalid surrogate kernel")

	rr, _ = doJSON(t, r, http.MethodPost, "/api/v1/runs", map[string]interface{}{"resume_from": "../../etc/passwd"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, body = doJSON(t, r, http.MethodPost, "/api/v1/runs", map[string]interface{}{"resume_from": "run_" + uuid.NewString()})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, body["error"], "snapshots are disabled")

	rr, _ = doJSON(t, r, http.MethodGet, "/api/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, _ = doJSON(t, r, http.MethodDelete, "/api/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancelRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Optimization.ObserveInterval = time.Second
	srv, r := newTestServer(t, cfg)

	_, started := doJSON(t, r, http.MethodPost, "/api/v1/runs", withOverrides(smallRun, "iterations", 50))
	id := started["run_id"].(string)

	rr, _ := doJSON(t, r, http.MethodDelete, "/api/v1/runs/"+id, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	status := waitForStatus(t, r, id)
	assert.Equal(t, StatusCancelled, status["status"])
	require.NoError(t, srv.Close())
}

func TestMaxRuns(t *testing.T) {
	cfg := testConfig(t)
	cfg.Optimization.MaxRuns = 1
	cfg.Optimization.ObserveInterval = time.Second
	_, r := newTestServer(t, cfg)

	rr, _ := doJSON(t, r, http.MethodPost, "/api/v1/runs", smallRun)
	require.Equal(t, http.StatusAccepted, rr.Code)
	rr, body := doJSON(t, r, http.MethodPost, "/api/v1/runs", smallRun)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, body["error"], "too many active runs")
}

func TestJSONRPC(t *testing.T) {
	_, r := newTestServer(t, testConfig(t))

	rpc := func(method string, params ...interface{}) map[string]interface{} {
		rr, body := doJSON(t, r, http.MethodPost, "/rpc", map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"method":  method,
			"params":  params,
		})
		require.Equal(t, http.StatusOK, rr.Code)
		return body
	}

	started := rpc("run.start", smallRun)
	require.Nil(t, started["error"])
	id := started["result"].(map[string]interface{})["run_id"].(string)

	require.Eventually(t, func() bool {
		res, ok := rpc("run.status", map[string]string{"run_id": id})["result"].(map[string]interface{})
		return ok && res["status"] == StatusCompleted
	}, 30*time.Second, 20*time.Millisecond)

	cancelled := rpc("run.cancel", map[string]string{"run_id": id})
	errObj := cancelled["error"].(map[string]interface{})
	assert.Equal(t, -32002.0, errObj["code"])
	assert.Equal(t, "Conflict", errObj["message"])
	assert.Contains(t, errObj["data"], "cannot cancel")

	notFound := rpc("run.status", map[string]string{"run_id": "run_missing"})
	assert.Equal(t, -32001.0, notFound["error"].(map[string]interface{})["code"])

	unknown := rpc("run.explode")
	assert.Equal(t, -32601.0, unknown["error"].(map[string]interface{})["code"])

	missing := rpc("run.status")
	errObj = missing["error"].(map[string]interface{})
	assert.Equal(t, -32602.0, errObj["code"])
	assert.Contains(t, errObj["data"], "missing required parameters")
}

func TestRespondWithError(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t))

	tests := []struct {
		name       string
		code       int
		message    string
		id         interface{}
		expectedID interface{}
	}{
		{name: "valid error response", code: -32600, message: "invalid input", id: "123", expectedID: "123"},
		{name: "nil id", code: -32700, message: "Parse error", id: nil, expectedID: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.respondWithError(rr, tt.code, tt.message, tt.id, nil)

			// respondWithError writes 200 with the error in the body
			assert.Equal(t, http.StatusOK, rr.Code)

			var response map[string]interface{}
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&response))
			errObj, ok := response["error"].(map[string]interface{})
			require.True(t, ok, "response should contain error object")
			assert.Equal(t, float64(tt.code), errObj["code"])
			assert.Equal(t, tt.message, errObj["message"])
			assert.NotContains(t, errObj, "data")
			assert.Equal(t, tt.expectedID, response["id"])
		})
	}
}
