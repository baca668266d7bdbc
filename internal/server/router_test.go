package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/kbagent/internal/api/handlers"
	"github.com/cloo-solutions/kbagent/internal/domain"
	"github.com/cloo-solutions/kbagent/internal/logging"
	"github.com/cloo-solutions/kbagent/internal/metrics"
	"github.com/cloo-solutions/kbagent/internal/service"
)

const testToken = "kba_0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type MockAuthValidator struct {
	mock.Mock
}

func (m *MockAuthValidator) ValidateAPIKey(ctx context.Context, token string) (string, error) {
	args := m.Called(ctx, token)
	return args.String(0), args.Error(1)
}

type MockKnowledgeService struct {
	mock.Mock
}

func (m *MockKnowledgeService) Upsert(ctx context.Context, tenantID, source string, inputs []domain.ChunkInput) (*domain.UpsertSummary, error) {
	args := m.Called(ctx, tenantID, source, inputs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UpsertSummary), args.Error(1)
}

func (m *MockKnowledgeService) Ingest(ctx context.Context, input service.IngestInput) (*domain.UpsertSummary, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UpsertSummary), args.Error(1)
}

func (m *MockKnowledgeService) Get(ctx context.Context, tenantID, id string) (*domain.KnowledgeChunk, error) {
	args := m.Called(ctx, tenantID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.KnowledgeChunk), args.Error(1)
}

func (m *MockKnowledgeService) List(ctx context.Context, input service.ListChunksInput) (*service.ListChunksOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.ListChunksOutput), args.Error(1)
}

func (m *MockKnowledgeService) Archive(ctx context.Context, tenantID string, sel domain.Selector, archived bool) (int, error) {
	args := m.Called(ctx, tenantID, sel, archived)
	return args.Int(0), args.Error(1)
}

func (m *MockKnowledgeService) Delete(ctx context.Context, tenantID string, sel domain.Selector) (int, error) {
	args := m.Called(ctx, tenantID, sel)
	return args.Int(0), args.Error(1)
}

func (m *MockKnowledgeService) Reindex(ctx context.Context, tenantID string, sel domain.Selector) (*domain.ReindexSummary, error) {
	args := m.Called(ctx, tenantID, sel)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ReindexSummary), args.Error(1)
}

type MockSearchService struct {
	mock.Mock
}

func (m *MockSearchService) SearchText(ctx context.Context, input service.SearchInput) ([]domain.RetrievalHit, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.RetrievalHit), args.Error(1)
}

type MockAnswerer struct {
	mock.Mock
}

func (m *MockAnswerer) Answer(ctx context.Context, input service.AnswerInput) (*domain.AgentResult, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AgentResult), args.Error(1)
}

type MockTenantLookup struct {
	mock.Mock
}

func (m *MockTenantLookup) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Tenant), args.Error(1)
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type routerFixture struct {
	router    http.Handler
	auth      *MockAuthValidator
	knowledge *MockKnowledgeService
	search    *MockSearchService
	agent     *MockAnswerer
	registry  *prometheus.Registry
}

func setupRouter(checks map[string]Pinger) *routerFixture {
	f := &routerFixture{
		auth:      new(MockAuthValidator),
		knowledge: new(MockKnowledgeService),
		search:    new(MockSearchService),
		agent:     new(MockAnswerer),
		registry:  prometheus.NewRegistry(),
	}

	f.router = NewRouter(RouterConfig{
		AuthValidator:    f.auth,
		KnowledgeHandler: handlers.NewKnowledgeHandler(f.knowledge, f.search, nil),
		AgentHandler:     handlers.NewAgentHandler(f.agent),
		TenantHandler:    handlers.NewTenantHandler(new(MockTenantLookup)),
		Logger:           logging.Discard(),
		Metrics:          metrics.New(f.registry),
		Gatherer:         f.registry,
		HealthChecks:     checks,
	})
	return f
}

func TestRouter_HealthEndpoint(t *testing.T) {
	f := setupRouter(map[string]Pinger{
		"postgres": pingerFunc(func(context.Context) error { return nil }),
	})

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data := resp["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "ok", data["components"].(map[string]any)["postgres"])
}

func TestRouter_HealthEndpoint_Degraded(t *testing.T) {
	f := setupRouter(map[string]Pinger{
		"postgres": pingerFunc(func(context.Context) error { return nil }),
		"qdrant":   pingerFunc(func(context.Context) error { return errors.New("connection refused") }),
	})

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	f := setupRouter(nil)

	f.router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `kbagent_http_requests_total{code="2xx",method="GET",route="/health"} 1`)
}

func TestRouter_AuthenticatedRoutes_RequireAuth(t *testing.T) {
	f := setupRouter(nil)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/tenant"},
		{http.MethodPost, "/knowledge/chunks"},
		{http.MethodGet, "/knowledge/chunks"},
		{http.MethodGet, "/knowledge/chunks/123"},
		{http.MethodPost, "/knowledge/documents"},
		{http.MethodPost, "/knowledge/search"},
		{http.MethodPost, "/knowledge/archive"},
		{http.MethodPost, "/knowledge/delete"},
		{http.MethodPost, "/knowledge/reindex"},
		{http.MethodPost, "/knowledge/export"},
		{http.MethodPost, "/agent/answer"},
	}

	for _, route := range routes {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			f.router.ServeHTTP(w, httptest.NewRequest(route.method, route.path, nil))

			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}

	f.auth.AssertExpectations(t)
}

func TestRouter_AuthenticatedRoutes_WithValidAuth(t *testing.T) {
	f := setupRouter(nil)
	f.auth.On("ValidateAPIKey", mock.Anything, testToken).Return("tenant-789", nil)
	f.agent.On("Answer", mock.Anything, mock.MatchedBy(func(in service.AnswerInput) bool {
		return in.TenantID == "tenant-789" && in.Query == "where is my invoice?"
	})).Return(&domain.AgentResult{
		Content:          "Let me connect you with billing.",
		Escalate:         true,
		EscalationReason: domain.TriggerKeywordReason("invoice"),
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/agent/answer", strings.NewReader(`{"query":"where is my invoice?"}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()

	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "trigger_keyword:invoice")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	f.auth.AssertExpectations(t)
	f.agent.AssertExpectations(t)
}

func TestRouter_TenantFromTokenOnly(t *testing.T) {
	f := setupRouter(nil)
	f.auth.On("ValidateAPIKey", mock.Anything, testToken).Return("tenant-a", nil)
	f.knowledge.On("Upsert", mock.Anything, "tenant-a", "faq", mock.Anything).
		Return(&domain.UpsertSummary{Created: 1}, nil)

	body := `{"tenant_id":"tenant-b","source":"faq","chunks":[{"text":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/knowledge/chunks", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()

	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	f.knowledge.AssertExpectations(t)
}

func TestRouter_RejectsOversizedBody(t *testing.T) {
	f := setupRouter(nil)
	f.auth.On("ValidateAPIKey", mock.Anything, testToken).Return("tenant-a", nil)

	req := httptest.NewRequest(http.MethodPost, "/knowledge/chunks", strings.NewReader(strings.Repeat("x", int(defaultMaxBodyBytes)+1)))
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()

	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
