package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnosis-kg/gnosis/pkg/config"
	"github.com/gnosis-kg/gnosis/pkg/jobs"
	"github.com/gnosis-kg/gnosis/pkg/observability"
	"github.com/gnosis-kg/gnosis/pkg/storage"
)

// testEnv wires a Server over in-memory fakes. The intake and broker are the
// real implementations; only the stores beneath them are faked.
type testEnv struct {
	store     *fakeJobStore
	graph     *fakeGraph
	sources   *fakeSources
	artifacts *fakeArtifacts
	embedder  *fakeEmbedder
	objects   *storage.MemoryStore
	pool      *fakePool
	broker    *jobs.Broker
	intake    *jobs.Intake
	server    *Server
}

func newTestEnv(cfg config.APIConfig, health map[string]HealthCheck) *testEnv {
	env := &testEnv{
		store:     newFakeJobStore(),
		graph:     &fakeGraph{},
		sources:   &fakeSources{},
		artifacts: newFakeArtifacts(),
		embedder:  newFakeEmbedder(),
		objects:   storage.NewMemoryStore(),
		pool:      &fakePool{instance: "worker-1"},
	}

	logger := observability.NewNoopLogger()
	env.broker = jobs.NewBroker(env.store, 1000, logger)
	estimator := jobs.NewEstimator(config.EstimatorConfig{
		ExtractionUSDPer1M: 6.25,
		EmbeddingUSDPer1M:  0.02,
		TokensPerWord:      0.5,
		PromptOverhead:     500,
		OutputPerChunk:     700,
		ConceptsPerChunk:   6,
	})
	env.intake = jobs.NewIntake(env.store, estimator, env.pool, env.broker,
		config.JobsConfig{ApprovalTTL: time.Hour},
		config.IngestionConfig{TargetWords: 1000, OverlapWords: 200},
		"claude-3-5-haiku", "titan-embed-v2", logger)

	env.server = NewServer(Deps{
		Intake:    env.intake,
		Jobs:      env.store,
		Broker:    env.broker,
		Pool:      env.pool,
		Graph:     env.graph,
		Sources:   env.sources,
		Embedder:  env.embedder,
		Artifacts: env.artifacts,
		Objects:   env.objects,
		Health:    health,
	}, cfg, logger)
	return env
}

func newTestServer() *testEnv {
	return newTestEnv(config.APIConfig{}, nil)
}

// do runs one request through the router. A non-nil body is sent as JSON.
func (env *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthzReportsComponents(t *testing.T) {
	env := newTestEnv(config.APIConfig{}, map[string]HealthCheck{
		"database": func(ctx context.Context) error { return nil },
		"storage":  func(ctx context.Context) error { return nil },
	})

	w := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])
	components := body["components"].(map[string]interface{})
	assert.Equal(t, "healthy", components["database"])
	assert.Equal(t, "healthy", components["storage"])
}

func TestHealthzDegradedComponent(t *testing.T) {
	env := newTestEnv(config.APIConfig{}, map[string]HealthCheck{
		"database": func(ctx context.Context) error { return nil },
		"cache":    func(ctx context.Context) error { return errors.New("connection refused") },
	})

	w := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "unhealthy", body["status"])
	components := body["components"].(map[string]interface{})
	assert.Equal(t, "healthy", components["database"])
	assert.Equal(t, "unhealthy: connection refused", components["cache"])
}

func TestBearerAuthGuardsAPIRoutes(t *testing.T) {
	env := newTestEnv(config.APIConfig{BearerToken: "sesame"}, nil)

	w := env.do(t, http.MethodGet, "/api/v1/jobs", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer sesame")
	w = httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthzStaysOpenWithAuth(t *testing.T) {
	env := newTestEnv(config.APIConfig{BearerToken: "sesame"}, nil)

	w := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestServer()

	w := env.do(t, http.MethodGet, "/healthz", nil)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w = httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
}

func TestSubmittedRequestIDLandsOnJob(t *testing.T) {
	env := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewReader([]byte(
		`{"ontology":"physics","text":"gravity bends spacetime around mass"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, "trace-42")
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	body := decodeBody(t, w)
	job := body["job"].(map[string]interface{})
	assert.Equal(t, "trace-42", job["request_id"])
}
