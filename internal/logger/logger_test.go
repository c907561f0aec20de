package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)

	var fromCtx *zerolog.Logger
	handler := RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = zerolog.Ctx(r.Context())
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	}))

	r := httptest.NewRequest(http.MethodGet, "/nope.js", nil)
	r.RemoteAddr = "127.0.0.1:40000"
	handler.ServeHTTP(httptest.NewRecorder(), r)

	require.NotNil(t, fromCtx)
	require.NotEqual(t, zerolog.Disabled, fromCtx.GetLevel())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "http request", entry["message"])
	require.Equal(t, "GET", entry["method"])
	require.Equal(t, "/nope.js", entry["path"])
	require.Equal(t, "127.0.0.1", entry["addr"])
	require.EqualValues(t, http.StatusNotFound, entry["status"])
	require.EqualValues(t, len("missing"), entry["bytes"])
}

func TestRequestLogger_implicitOK(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)

	handler := RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.EqualValues(t, http.StatusOK, entry["status"])
}

func TestSetup_levels(t *testing.T) {
	require.Equal(t, zerolog.InfoLevel, Setup(false).GetLevel())
	require.Equal(t, zerolog.DebugLevel, Setup(true).GetLevel())
}
