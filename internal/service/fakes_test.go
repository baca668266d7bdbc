package service

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/cloo-solutions/kbagent/internal/domain"
	"github.com/cloo-solutions/kbagent/internal/pagination"
)

// memChunkStore is an in-memory kb_chunks table. It enforces the same
// current-row uniqueness on hash and lineage as the partial indexes.
type memChunkStore struct {
	mu   sync.Mutex
	rows []*domain.KnowledgeChunk
}

func newMemChunkStore() *memChunkStore {
	return &memChunkStore{}
}

func (s *memChunkStore) runner() *testTxRunner {
	return &testTxRunner{repos: &testTxRepos{chunks: s}}
}

func (s *memChunkStore) current(tenantID string) []*domain.KnowledgeChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Filter(s.rows, func(c *domain.KnowledgeChunk, _ int) bool {
		return c.TenantID == tenantID && c.IsCurrent
	})
}

func (s *memChunkStore) all(tenantID string) []*domain.KnowledgeChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Filter(s.rows, func(c *domain.KnowledgeChunk, _ int) bool { return c.TenantID == tenantID })
}

func (s *memChunkStore) Insert(_ context.Context, c *domain.KnowledgeChunk) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.TenantID != c.TenantID || !r.IsCurrent {
			continue
		}
		if r.ContentHash == c.ContentHash || (r.Source == c.Source && r.ChunkKey == c.ChunkKey) {
			return false, nil
		}
	}
	cp := *c
	cp.Metadata = c.Metadata.Clone()
	s.rows = append(s.rows, &cp)
	return true, nil
}

func (s *memChunkStore) find(match func(c *domain.KnowledgeChunk) bool) (*domain.KnowledgeChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if match(r) {
			cp := *r
			cp.Metadata = r.Metadata.Clone()
			return &cp, nil
		}
	}
	return nil, domain.ErrChunkNotFound
}

func (s *memChunkStore) FindCurrentByHash(_ context.Context, tenantID, hash string) (*domain.KnowledgeChunk, error) {
	return s.find(func(c *domain.KnowledgeChunk) bool {
		return c.TenantID == tenantID && c.IsCurrent && c.ContentHash == hash
	})
}

func (s *memChunkStore) LockCurrentByKey(_ context.Context, tenantID, source, key string) (*domain.KnowledgeChunk, error) {
	return s.find(func(c *domain.KnowledgeChunk) bool {
		return c.TenantID == tenantID && c.IsCurrent && c.Source == source && c.ChunkKey == key
	})
}

func (s *memChunkStore) GetByID(_ context.Context, tenantID, id string) (*domain.KnowledgeChunk, error) {
	return s.find(func(c *domain.KnowledgeChunk) bool { return c.TenantID == tenantID && c.ID == id })
}

func (s *memChunkStore) Supersede(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.TenantID == tenantID && r.ID == id && r.IsCurrent {
			r.IsCurrent = false
			return nil
		}
	}
	return domain.ErrStorageConflict
}

func (s *memChunkStore) SetEmbedding(_ context.Context, tenantID, id string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.TenantID == tenantID && r.ID == id {
			r.Embedding = embedding
			r.Embedded = true
			delete(r.Metadata, domain.MetaEmbeddingPending)
			return nil
		}
	}
	return domain.ErrChunkNotFound
}

func (s *memChunkStore) MarkEmbeddingPending(_ context.Context, tenantID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.TenantID == tenantID && lo.Contains(ids, r.ID) {
			r.Metadata[domain.MetaEmbeddingPending] = true
		}
	}
	return nil
}

func selects(r *domain.KnowledgeChunk, tenantID string, sel domain.Selector) bool {
	if r.TenantID != tenantID {
		return false
	}
	if len(sel.IDs) > 0 && !lo.Contains(sel.IDs, r.ID) {
		return false
	}
	if sel.Source != "" && r.Source != sel.Source {
		return false
	}
	if sel.Before != nil && !r.UpdatedAt.Before(*sel.Before) {
		return false
	}
	return true
}

func (s *memChunkStore) SetArchived(_ context.Context, tenantID string, sel domain.Selector, archived bool, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []string{}
	for _, r := range s.rows {
		if !r.IsCurrent || !selects(r, tenantID, sel) || r.IsArchived() == archived {
			continue
		}
		if archived {
			ts := at
			r.ArchivedAt = &ts
		} else {
			r.ArchivedAt = nil
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (s *memChunkStore) Delete(_ context.Context, tenantID string, sel domain.Selector) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []string{}
	kept := s.rows[:0]
	for _, r := range s.rows {
		if selects(r, tenantID, sel) {
			ids = append(ids, r.ID)
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	return ids, nil
}

func (s *memChunkStore) ListBatch(_ context.Context, tenantID string, sel domain.Selector, afterID string, limit int) ([]*domain.KnowledgeChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.KnowledgeChunk
	for _, r := range s.rows {
		if !r.IsCurrent || !selects(r, tenantID, sel) {
			continue
		}
		if r.IsArchived() && !sel.IncludeArchived {
			continue
		}
		if afterID != "" && r.ID <= afterID {
			continue
		}
		cp := *r
		cp.Metadata = r.Metadata.Clone()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memChunkStore) ListWithCursor(_ context.Context, tenantID string, filter ChunkListFilter, _ *pagination.Cursor, limit int) (*ChunkPageResult, error) {
	items, _ := s.ListBatch(context.Background(), tenantID, domain.Selector{Source: filter.Source, IncludeArchived: filter.IncludeArchived}, "", limit+1)
	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	return &ChunkPageResult{Items: items, HasMore: hasMore}, nil
}

// memJobs records queued embedding jobs.
type memJobs struct {
	mu   sync.Mutex
	jobs []*domain.EmbeddingJob
}

func (j *memJobs) Create(_ context.Context, job *domain.EmbeddingJob) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs = append(j.jobs, job)
	return nil
}

func (j *memJobs) chunkIDs() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return lo.Map(j.jobs, func(job *domain.EmbeddingJob, _ int) string { return job.ChunkID })
}

type staticTenants map[string]bool

func (t staticTenants) Exists(_ context.Context, id string) (bool, error) {
	return t[id], nil
}

// topicEmbedder maps text onto one axis per topic keyword it contains, so
// texts about the same topic are close and unrelated texts are orthogonal.
type topicEmbedder struct {
	mu     sync.Mutex
	topics []string
	fail   map[string]bool
	err    error
	calls  int
}

var errEmbedderDown = errors.New("embedding backend down")

func newTopicEmbedder(topics ...string) *topicEmbedder {
	return &topicEmbedder{topics: topics, fail: map[string]bool{}}
}

func (e *topicEmbedder) vector(text string) []float32 {
	lower := strings.ToLower(text)
	v := make([]float32, len(e.topics)+1)
	hit := false
	for i, t := range e.topics {
		if strings.Contains(lower, t) {
			v[i] = 1
			hit = true
		}
	}
	if !hit {
		v[len(e.topics)] = 1
	}
	return v
}

func (e *topicEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil || e.fail[text] {
		return nil, errEmbedderDown
	}
	return e.vector(text), nil
}

func (e *topicEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *topicEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// memSearcher runs exact cosine search over a memChunkStore with the same
// similarity mapping as pgvector.
type memSearcher struct {
	store *memChunkStore
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (m *memSearcher) searchable(tenantID string, filters domain.SearchFilters) []*domain.KnowledgeChunk {
	return lo.Filter(m.store.current(tenantID), func(c *domain.KnowledgeChunk, _ int) bool {
		if !c.Embedded || (c.IsArchived() && !filters.IncludeArchived) {
			return false
		}
		if filters.Source != "" && c.Source != filters.Source {
			return false
		}
		if filters.Language != "" && c.Language != filters.Language {
			return false
		}
		if len(filters.Tags) > 0 && len(lo.Intersect(filters.Tags, c.Tags)) == 0 {
			return false
		}
		return true
	})
}

func (m *memSearcher) Search(_ context.Context, tenantID string, embedding []float32, limit int, filters domain.SearchFilters) ([]domain.RetrievalHit, error) {
	hits := lo.Map(m.searchable(tenantID, filters), func(c *domain.KnowledgeChunk, _ int) domain.RetrievalHit {
		return domain.RetrievalHit{
			ChunkID:    c.ID,
			Source:     c.Source,
			Text:       c.Text,
			Similarity: (1 + cosine(embedding, c.Embedding)) / 2,
			Language:   c.Language,
			Tags:       c.Tags,
			Metadata:   c.Metadata,
			UpdatedAt:  c.UpdatedAt,
		}
	})
	RankHits(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *memSearcher) GetSearchable(_ context.Context, tenantID string, ids []string, filters domain.SearchFilters) ([]*domain.KnowledgeChunk, error) {
	return lo.Filter(m.searchable(tenantID, filters), func(c *domain.KnowledgeChunk, _ int) bool {
		return lo.Contains(ids, c.ID)
	}), nil
}
