package service

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/cloo-solutions/kbagent/internal/domain"
	"github.com/cloo-solutions/kbagent/internal/llm"
	"github.com/cloo-solutions/kbagent/internal/pagination"
)

type MockTenantDirectory struct {
	mock.Mock
}

func (m *MockTenantDirectory) Exists(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

type MockChunkRepository struct {
	mock.Mock
}

func (m *MockChunkRepository) GetByID(ctx context.Context, tenantID, id string) (*domain.KnowledgeChunk, error) {
	args := m.Called(ctx, tenantID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.KnowledgeChunk), args.Error(1)
}

func (m *MockChunkRepository) SetEmbedding(ctx context.Context, tenantID, id string, embedding []float32) error {
	args := m.Called(ctx, tenantID, id, embedding)
	return args.Error(0)
}

func (m *MockChunkRepository) MarkEmbeddingPending(ctx context.Context, tenantID string, ids []string) error {
	args := m.Called(ctx, tenantID, ids)
	return args.Error(0)
}

func (m *MockChunkRepository) SetArchived(ctx context.Context, tenantID string, sel domain.Selector, archived bool, at time.Time) ([]string, error) {
	args := m.Called(ctx, tenantID, sel, archived, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockChunkRepository) Delete(ctx context.Context, tenantID string, sel domain.Selector) ([]string, error) {
	args := m.Called(ctx, tenantID, sel)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockChunkRepository) ListBatch(ctx context.Context, tenantID string, sel domain.Selector, afterID string, limit int) ([]*domain.KnowledgeChunk, error) {
	args := m.Called(ctx, tenantID, sel, afterID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.KnowledgeChunk), args.Error(1)
}

func (m *MockChunkRepository) ListWithCursor(ctx context.Context, tenantID string, filter ChunkListFilter, cursor *pagination.Cursor, limit int) (*ChunkPageResult, error) {
	args := m.Called(ctx, tenantID, filter, cursor, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ChunkPageResult), args.Error(1)
}

type MockChunkTxRepository struct {
	mock.Mock
}

func (m *MockChunkTxRepository) Insert(ctx context.Context, c *domain.KnowledgeChunk) (bool, error) {
	args := m.Called(ctx, c)
	return args.Bool(0), args.Error(1)
}

func (m *MockChunkTxRepository) FindCurrentByHash(ctx context.Context, tenantID, hash string) (*domain.KnowledgeChunk, error) {
	args := m.Called(ctx, tenantID, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.KnowledgeChunk), args.Error(1)
}

func (m *MockChunkTxRepository) LockCurrentByKey(ctx context.Context, tenantID, source, key string) (*domain.KnowledgeChunk, error) {
	args := m.Called(ctx, tenantID, source, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.KnowledgeChunk), args.Error(1)
}

func (m *MockChunkTxRepository) Supersede(ctx context.Context, tenantID, id string) error {
	args := m.Called(ctx, tenantID, id)
	return args.Error(0)
}

type MockEmbeddingJobRepository struct {
	mock.Mock
}

func (m *MockEmbeddingJobRepository) Create(ctx context.Context, job *domain.EmbeddingJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

type MockVectorIndex struct {
	mock.Mock
}

func (m *MockVectorIndex) Upsert(ctx context.Context, c *domain.KnowledgeChunk, vector []float32) error {
	args := m.Called(ctx, c, vector)
	return args.Error(0)
}

func (m *MockVectorIndex) Remove(ctx context.Context, tenantID string, ids []string) error {
	args := m.Called(ctx, tenantID, ids)
	return args.Error(0)
}

func (m *MockVectorIndex) SetArchived(ctx context.Context, tenantID string, ids []string, archived bool) error {
	args := m.Called(ctx, tenantID, ids, archived)
	return args.Error(0)
}

func (m *MockVectorIndex) Search(ctx context.Context, tenantID string, vector []float32, limit int, filters domain.SearchFilters) ([]IndexMatch, error) {
	args := m.Called(ctx, tenantID, vector, limit, filters)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]IndexMatch), args.Error(1)
}

type MockChunkSearcher struct {
	mock.Mock
}

func (m *MockChunkSearcher) Search(ctx context.Context, tenantID string, embedding []float32, limit int, filters domain.SearchFilters) ([]domain.RetrievalHit, error) {
	args := m.Called(ctx, tenantID, embedding, limit, filters)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.RetrievalHit), args.Error(1)
}

func (m *MockChunkSearcher) GetSearchable(ctx context.Context, tenantID string, ids []string, filters domain.SearchFilters) ([]*domain.KnowledgeChunk, error) {
	args := m.Called(ctx, tenantID, ids, filters)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.KnowledgeChunk), args.Error(1)
}

type MockRetrievalLogRepository struct {
	mock.Mock
}

func (m *MockRetrievalLogRepository) CreateRetrievalLog(ctx context.Context, entry RetrievalLogEntry) (string, error) {
	args := m.Called(ctx, entry)
	return args.String(0), args.Error(1)
}

type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.Completion), args.Error(1)
}

// MockUUIDGenerator returns the given ids in order, then "default-uuid".
type MockUUIDGenerator struct {
	callCount int
	uuids     []string
}

func NewMockUUIDGenerator(uuids ...string) *MockUUIDGenerator {
	return &MockUUIDGenerator{uuids: uuids}
}

func (m *MockUUIDGenerator) NewString() string {
	if m.callCount < len(m.uuids) {
		id := m.uuids[m.callCount]
		m.callCount++
		return id
	}
	return "default-uuid"
}
