package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/cloo-solutions/kbagent/internal/domain"
	"github.com/cloo-solutions/kbagent/internal/metrics"
	"github.com/cloo-solutions/kbagent/internal/telemetry"
)

// QueryEmbedder embeds a single query string.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkSearcher is the Postgres side of similarity search.
type ChunkSearcher interface {
	Search(ctx context.Context, tenantID string, embedding []float32, limit int, filters domain.SearchFilters) ([]domain.RetrievalHit, error)
	GetSearchable(ctx context.Context, tenantID string, ids []string, filters domain.SearchFilters) ([]*domain.KnowledgeChunk, error)
}

// IndexMatch is a candidate returned by an external vector index.
type IndexMatch struct {
	ChunkID    string
	Similarity float64
}

// VectorIndex is an optional external ANN index mirroring kb_chunks.
// Postgres stays authoritative; index candidates are re-checked there.
type VectorIndex interface {
	Upsert(ctx context.Context, c *domain.KnowledgeChunk, vector []float32) error
	Remove(ctx context.Context, tenantID string, ids []string) error
	SetArchived(ctx context.Context, tenantID string, ids []string, archived bool) error
	Search(ctx context.Context, tenantID string, vector []float32, limit int, filters domain.SearchFilters) ([]IndexMatch, error)
}

// RetrievalLogEntry captures a text search and its ranked results.
type RetrievalLogEntry struct {
	TenantID   string
	Query      string
	Filters    domain.SearchFilters
	Hits       []domain.RetrievalHit
	DurationMs int64
}

// RetrievalLogRepository persists retrieval logs.
type RetrievalLogRepository interface {
	CreateRetrievalLog(ctx context.Context, entry RetrievalLogEntry) (string, error)
}

type RetrievalConfig struct {
	DefaultLimit int
	MaxLimit     int
	BoostWeight  float64
}

func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		DefaultLimit: 5,
		MaxLimit:     50,
		BoostWeight:  DefaultQualityBoostWeight,
	}
}

// RetrievalService runs tenant-scoped similarity search.
type RetrievalService struct {
	embedder QueryEmbedder
	store    ChunkSearcher
	index    VectorIndex
	logs     RetrievalLogRepository
	cfg      RetrievalConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

type RetrievalOption func(*RetrievalService)

func WithRetrievalIndex(index VectorIndex) RetrievalOption {
	return func(s *RetrievalService) { s.index = index }
}

func WithRetrievalLogs(logs RetrievalLogRepository) RetrievalOption {
	return func(s *RetrievalService) { s.logs = logs }
}

func WithRetrievalMetrics(m *metrics.Metrics) RetrievalOption {
	return func(s *RetrievalService) { s.metrics = m }
}

func WithRetrievalLogger(l *slog.Logger) RetrievalOption {
	return func(s *RetrievalService) { s.logger = l }
}

func NewRetrievalService(embedder QueryEmbedder, store ChunkSearcher, cfg RetrievalConfig, opts ...RetrievalOption) *RetrievalService {
	def := DefaultRetrievalConfig()
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.MaxLimit < cfg.DefaultLimit {
		cfg.MaxLimit = max(def.MaxLimit, cfg.DefaultLimit)
	}
	s := &RetrievalService{
		embedder: embedder,
		store:    store,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func normalizeFilters(f domain.SearchFilters) domain.SearchFilters {
	f.Source = strings.TrimSpace(f.Source)
	f.Language = normalizeLanguage(f.Language)
	if len(f.Tags) > 0 {
		f.Tags = domain.NormalizeTags(f.Tags)
	} else {
		f.Tags = nil
	}
	return f
}

// Search returns up to limit ranked hits for a query vector. No match is
// an empty slice, not an error.
func (s *RetrievalService) Search(ctx context.Context, tenantID string, vector []float32, limit int, filters domain.SearchFilters) ([]domain.RetrievalHit, error) {
	limit = ClampLimit(limit, s.cfg.DefaultLimit, s.cfg.MaxLimit)
	filters = normalizeFilters(filters)

	var hits []domain.RetrievalHit
	var err error
	if s.index != nil {
		hits, err = s.searchIndex(ctx, tenantID, vector, limit, filters)
		if err != nil {
			s.logger.WarnContext(ctx, "vector index search failed, using postgres", "tenant_id", tenantID, "error", err)
			hits = nil
		}
	}
	// An empty index result may mean the index was never backfilled, so
	// Postgres answers instead.
	if len(hits) == 0 {
		hits, err = s.store.Search(ctx, tenantID, vector, limit, filters)
		if err != nil {
			return nil, err
		}
	}

	for i := range hits {
		hits[i].Similarity = domain.Clamp01(hits[i].Similarity)
		hits[i].Score = BoostScore(hits[i].Similarity, hits[i].Metadata, s.cfg.BoostWeight)
	}
	RankHits(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	if hits == nil {
		hits = []domain.RetrievalHit{}
	}

	s.metrics.ObserveRetrieval(len(hits))
	return hits, nil
}

// searchIndex over-fetches from the external index and keeps only
// candidates Postgres still considers searchable.
func (s *RetrievalService) searchIndex(ctx context.Context, tenantID string, vector []float32, limit int, filters domain.SearchFilters) ([]domain.RetrievalHit, error) {
	matches, err := s.index.Search(ctx, tenantID, vector, limit*2, filters)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return []domain.RetrievalHit{}, nil
	}

	similarity := lo.SliceToMap(matches, func(m IndexMatch) (string, float64) { return m.ChunkID, m.Similarity })
	chunks, err := s.store.GetSearchable(ctx, tenantID, lo.Keys(similarity), filters)
	if err != nil {
		return nil, err
	}

	hits := make([]domain.RetrievalHit, 0, len(chunks))
	for _, c := range chunks {
		hits = append(hits, domain.RetrievalHit{
			ChunkID:    c.ID,
			Source:     c.Source,
			Text:       c.Text,
			Similarity: similarity[c.ID],
			Language:   c.Language,
			Tags:       c.Tags,
			Metadata:   c.Metadata,
			UpdatedAt:  c.UpdatedAt,
		})
	}
	return hits, nil
}

type SearchInput struct {
	TenantID string
	Query    string
	Limit    int
	Filters  domain.SearchFilters
}

// SearchText embeds the query and searches. Every search is logged for
// relevance review on a best-effort basis.
func (s *RetrievalService) SearchText(ctx context.Context, input SearchInput) ([]domain.RetrievalHit, error) {
	ctx, span := telemetry.StartSpan(ctx, "RetrievalService.SearchText", telemetry.SpanAttributes{
		TenantID:  input.TenantID,
		Source:    input.Filters.Source,
		Operation: "search",
	})
	defer span.End()

	query := strings.TrimSpace(input.Query)
	if query == "" {
		return nil, domain.ErrEmptyQuery
	}

	start := time.Now()
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		span.SetError(err)
		return nil, err
	}

	hits, err := s.Search(ctx, input.TenantID, vector, input.Limit, input.Filters)
	if err != nil {
		span.SetError(err)
		return nil, err
	}

	if s.logs != nil {
		entry := RetrievalLogEntry{
			TenantID:   input.TenantID,
			Query:      query,
			Filters:    normalizeFilters(input.Filters),
			Hits:       hits,
			DurationMs: time.Since(start).Milliseconds(),
		}
		if _, err := s.logs.CreateRetrievalLog(ctx, entry); err != nil {
			s.logger.WarnContext(ctx, "retrieval log failed", "tenant_id", input.TenantID, "error", err)
		}
	}
	return hits, nil
}
