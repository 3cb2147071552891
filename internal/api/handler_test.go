package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgflow/internal/config"
	"msgflow/internal/constants"
	"msgflow/internal/logger"
	"msgflow/internal/persistence"
	"msgflow/internal/pipeline"
	"msgflow/internal/processor"
	"msgflow/internal/sphere"
	"msgflow/internal/stats"
	pkgerrors "msgflow/pkg/errors"
	"msgflow/pkg/health"
	"msgflow/pkg/models"
	"msgflow/pkg/retry"
)

type brokenRepository struct {
	*persistence.MemoryRepository
}

func (r *brokenRepository) Upsert(context.Context, persistence.Record) (persistence.WriteResult, error) {
	return persistence.WriteUnchanged, errors.New("connection refused")
}

type testServer struct {
	router  *gin.Engine
	handler *Handler
	store   *persistence.Service
}

func buildTestPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	b := pipeline.NewBuilder("orders", "v2")
	require.NoError(t, b.AddFunc("require_payload", func(_ context.Context, msg models.Message) (models.Message, error) {
		if msg.IsEmpty() {
			return msg, pipeline.Reject("empty payload")
		}
		return msg, nil
	}, pipeline.PolicyFatal))
	require.NoError(t, b.AddFunc("mark", func(_ context.Context, msg models.Message) (models.Message, error) {
		return msg.WithAttribute("persisted_by", "api"), nil
	}, pipeline.PolicyContinue))
	p, err := b.Build()
	require.NoError(t, err)
	return p
}

func newTestServer(t *testing.T, repo persistence.Repository, cfg sphere.Config, registry *health.CheckerRegistry) testServer {
	t.Helper()
	p := buildTestPipeline(t)
	meter := stats.NewMeter()
	store := persistence.NewService(repo, persistence.WithMeter(meter))
	proc := processor.New(p, store, meter)

	if cfg.PersistRetry.MaxAttempts == 0 {
		cfg.PersistRetry = retry.Policy{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}
	}
	svc := sphere.New(proc, store, cfg, sphere.WithMeter(meter))

	h := NewHandler(svc, store, meter, p, logger.NopLogger())
	h.newID = func() string { return "generated-1" }

	router := NewRouter(context.Background(), h, RouterOptions{
		ServiceName: constants.ServiceName,
		Health:      registry,
		Gatherer:    prometheus.NewRegistry(),
	}, logger.NopLogger())
	return testServer{router: router, handler: h, store: store}
}

func (s testServer) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestIngestMessage_Processed(t *testing.T) {
	s := newTestServer(t, persistence.NewMemoryRepository(), sphere.Config{}, nil)

	w := s.do(t, http.MethodPost, "/api/v1/messages", `{"id":"m-1","source":"orders","payload":{"total":10}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[OutcomeResponse](t, w)
	assert.Equal(t, "m-1", resp.ID)
	assert.Equal(t, persistence.OutcomeProcessed, resp.Outcome)
	assert.Equal(t, "orders", resp.Pipeline)
	assert.Equal(t, "v2", resp.PipelineVersion)
	assert.Equal(t, "api", resp.Attributes["persisted_by"])
	assert.JSONEq(t, `{"total":10}`, string(resp.Payload))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = s.do(t, http.MethodGet, "/api/v1/records/m-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	rec := decode[RecordResponse](t, w)
	assert.Equal(t, persistence.OutcomeProcessed, rec.Outcome)
	assert.Equal(t, "orders", rec.Source)
	assert.JSONEq(t, `{"total":10}`, string(rec.Payload))

	w = s.do(t, http.MethodHead, "/api/v1/records/m-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIngestMessage_GeneratesMissingID(t *testing.T) {
	s := newTestServer(t, persistence.NewMemoryRepository(), sphere.Config{}, nil)

	w := s.do(t, http.MethodPost, "/api/v1/messages", `{"source":"orders","payload":"plain text"}`)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[OutcomeResponse](t, w)
	assert.Equal(t, "generated-1", resp.ID)
	assert.JSONEq(t, `"plain text"`, string(resp.Payload))

	exists, err := s.store.Exists(context.Background(), "generated-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestIngestMessage_Rejected(t *testing.T) {
	s := newTestServer(t, persistence.NewMemoryRepository(), sphere.Config{}, nil)

	w := s.do(t, http.MethodPost, "/api/v1/messages", `{"id":"m-empty","source":"orders"}`)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[OutcomeResponse](t, w)
	assert.Equal(t, persistence.OutcomeRejected, resp.Outcome)
	assert.Equal(t, "require_payload", resp.Stage)
	assert.Equal(t, "empty payload", resp.Reason)
}

func TestIngestMessage_BadRequest(t *testing.T) {
	s := newTestServer(t, persistence.NewMemoryRepository(), sphere.Config{}, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"id":`},
		{name: "id too long", body: `{"id":"` + strings.Repeat("x", 300) + `","payload":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/v1/messages", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, pkgerrors.ErrValidation.Code, decode[pkgerrors.ErrorResponse](t, w).ErrorCode)
		})
	}
}

func TestIngestMessage_BodyTooLarge(t *testing.T) {
	s := newTestServer(t, persistence.NewMemoryRepository(), sphere.Config{}, nil)

	var body bytes.Buffer
	body.WriteString(`{"id":"big","payload":"`)
	body.WriteString(strings.Repeat("a", constants.MaxIngestBodyBytes))
	body.WriteString(`"}`)

	w := s.do(t, http.MethodPost, "/api/v1/messages", body.String())
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestIngestMessage_AlreadyProcessed(t *testing.T) {
	s := newTestServer(t, persistence.NewMemoryRepository(), sphere.Config{SkipPersisted: true}, nil)

	body := `{"id":"m-1","source":"orders","payload":{"total":10}}`
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/messages", body).Code)

	w := s.do(t, http.MethodPost, "/api/v1/messages", body)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, pkgerrors.ErrConflict.Code, decode[pkgerrors.ErrorResponse](t, w).ErrorCode)
}

func TestIngestMessage_PersistenceFailure(t *testing.T) {
	repo := &brokenRepository{MemoryRepository: persistence.NewMemoryRepository()}
	s := newTestServer(t, repo, sphere.Config{}, nil)

	w := s.do(t, http.MethodPost, "/api/v1/messages", `{"id":"m-1","payload":{}}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	resp := decode[pkgerrors.ErrorResponse](t, w)
	assert.Equal(t, pkgerrors.ErrPersistence.Code, resp.ErrorCode)
	assert.Equal(t, "m-1", resp.Details["message_id"])
}

func TestGetRecord_NotFound(t *testing.T) {
	s := newTestServer(t, persistence.NewMemoryRepository(), sphere.Config{}, nil)

	w := s.do(t, http.MethodGet, "/api/v1/records/missing", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, pkgerrors.ErrNotFound.Code, decode[pkgerrors.ErrorResponse](t, w).ErrorCode)

	w = s.do(t, http.MethodHead, "/api/v1/records/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestGetPipeline(t *testing.T) {
	s := newTestServer(t, persistence.NewMemoryRepository(), sphere.Config{}, nil)

	w := s.do(t, http.MethodGet, "/api/v1/pipeline", "")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[PipelineResponse](t, w)
	assert.Equal(t, "orders", resp.Name)
	assert.Equal(t, "v2", resp.Version)
	assert.Equal(t, []StageResponse{
		{Name: "require_payload", Policy: "fatal"},
		{Name: "mark", Policy: "continue"},
	}, resp.Stages)
}

func TestGetStats(t *testing.T) {
	s := newTestServer(t, persistence.NewMemoryRepository(), sphere.Config{}, nil)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/messages", `{"id":"m-1","payload":{"a":1}}`).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/messages", `{"id":"m-2"}`).Code)

	w := s.do(t, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[StatsResponse](t, w)
	require.NotNil(t, resp.Records)
	assert.Equal(t, int64(2), *resp.Records)
	assert.NotEmpty(t, resp.Series)
	assert.GreaterOrEqual(t, resp.UptimeSeconds, 0.0)
}

func TestHealth(t *testing.T) {
	registry := health.NewCheckerRegistry()
	s := newTestServer(t, persistence.NewMemoryRepository(), sphere.Config{}, registry)

	w := s.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, health.StatusHealthy, decode[health.Health](t, w).Status)

	registry.Register(health.NewCheckFunc("postgres", func(context.Context) error {
		return errors.New("connection refused")
	}))
	w = s.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, health.StatusUnhealthy, decode[health.Health](t, w).Status)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, persistence.NewMemoryRepository(), sphere.Config{}, nil)

	w := s.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit(t *testing.T) {
	p := buildTestPipeline(t)
	store := persistence.NewService(persistence.NewMemoryRepository())
	h := NewHandler(sphere.New(processor.New(p, store, stats.Nop()), store, sphere.Config{}), store, stats.NewMeter(), p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router := NewRouter(ctx, h, RouterOptions{
		RateLimit: config.RateLimitConfig{Enabled: true, RPS: 1, Burst: 1},
		Gatherer:  prometheus.NewRegistry(),
	}, logger.NopLogger())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/pipeline", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Contains(t, codes[1:], http.StatusTooManyRequests)
}
