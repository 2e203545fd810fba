package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestErrorFormatting(t *testing.T) {
	err := Wrap(Invalid, io.EOF, "reading request").WithOperation("decode")
	assert.Equal(t, "reading request: operation=decode: EOF", err.Error())
	assert.True(t, stderrors.Is(err, io.EOF))

	assert.Nil(t, Wrap(Invalid, nil, "ignored"))
	assert.Equal(t, "bad dim 3", Newf(Invalid, "bad dim %d", 3).Error())
}

func TestKinds(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
		code   int
	}{
		{Internal, http.StatusInternalServerError, -32000},
		{Invalid, http.StatusBadRequest, -32602},
		{NotFound, http.StatusNotFound, -32001},
		{Conflict, http.StatusConflict, -32002},
		{Unavailable, http.StatusServiceUnavailable, -32003},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.status, tt.kind.HTTPStatus())
			assert.Equal(t, tt.code, tt.kind.RPCCode())
		})
	}
	assert.Equal(t, "Server error", Kind(42).String())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, NotFound, KindOf(Newf(NotFound, "run %s not found", "x")))
	assert.Equal(t, Conflict, KindOf(fmt.Errorf("cancel: %w", Newf(Conflict, "finished"))))
	assert.Equal(t, Internal, KindOf(io.EOF))
	assert.Equal(t, Internal, KindOf(nil))
}

func TestRecoveryMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, logs.FilterMessage("Recovered from panic").Len())
}

func TestErrorHandler(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := ErrorHandler(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))
	entries := logs.FilterMessage("Request error").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(http.StatusNotFound), entries[0].ContextMap()["status"])
}
