//go:build integration

package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/kbagent/internal/domain"
	"github.com/cloo-solutions/kbagent/internal/service"
	"github.com/cloo-solutions/kbagent/internal/testutil"
)

const testDims = 1536

// axis returns a unit vector along dimension i, optionally blended with j.
func axis(i int, blend ...int) []float32 {
	v := make([]float32, testDims)
	v[i] = 1
	for _, j := range blend {
		v[j] = 0.5
	}
	return v
}

func newTestChunk(tenantID, source, key, text string, embedding []float32) *domain.KnowledgeChunk {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.KnowledgeChunk{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Source:      source,
		ChunkKey:    key,
		Text:        text,
		ContentHash: domain.ContentHash(text),
		Embedding:   embedding,
		Tags:        []string{},
		Metadata:    domain.Metadata{},
		Version:     1,
		IsCurrent:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func setupChunkRepo(ctx context.Context, t *testing.T) (*pgxpool.Pool, *TenantRepository, *ChunkRepository) {
	pc := testutil.NewPostgresContainer(ctx, t)
	t.Cleanup(func() { _ = pc.Terminate(ctx) })

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	t.Cleanup(pool.Close)

	return pool, NewTenantRepository(pool), NewChunkRepository(pool)
}

func TestChunkRepository_InsertDeduplicatesCurrentHash(t *testing.T) {
	ctx := context.Background()
	_, tenants, repo := setupChunkRepo(ctx, t)
	tenant := createTestTenant(ctx, t, tenants, "acme")

	first := newTestChunk(tenant.ID, "faq", "0", "How do I reset my password?", axis(0))
	ok, err := repo.Insert(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)

	dup := newTestChunk(tenant.ID, "other", "0", "How do I reset my password?", axis(0))
	ok, err = repo.Insert(ctx, dup)
	require.NoError(t, err)
	assert.False(t, ok)

	found, err := repo.FindCurrentByHash(ctx, tenant.ID, first.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
	assert.True(t, found.Embedded)

	other := createTestTenant(ctx, t, tenants, "globex")
	_, err = repo.FindCurrentByHash(ctx, other.ID, first.ContentHash)
	assert.ErrorIs(t, err, domain.ErrChunkNotFound)
}

func TestChunkRepository_Versioning(t *testing.T) {
	ctx := context.Background()
	pool, tenants, repo := setupChunkRepo(ctx, t)
	tenant := createTestTenant(ctx, t, tenants, "acme")

	v1 := newTestChunk(tenant.ID, "faq", "refunds", "Refunds take 5 days.", axis(1))
	_, err := repo.Insert(ctx, v1)
	require.NoError(t, err)

	runner := NewTxRunner(pool)
	err = runner.WithTx(ctx, func(repos service.TxRepositories) error {
		tx := repos.Chunks()
		current, err := tx.LockCurrentByKey(ctx, tenant.ID, "faq", "refunds")
		if err != nil {
			return err
		}
		if err := tx.Supersede(ctx, tenant.ID, current.ID); err != nil {
			return err
		}
		v2 := newTestChunk(tenant.ID, "faq", "refunds", "Refunds take 3 days.", axis(1))
		v2.Version = current.Version + 1
		ok, err := tx.Insert(ctx, v2)
		if err != nil {
			return err
		}
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	old, err := repo.GetByID(ctx, tenant.ID, v1.ID)
	require.NoError(t, err)
	assert.False(t, old.IsCurrent)

	current, err := repo.LockCurrentByKey(ctx, tenant.ID, "faq", "refunds")
	require.NoError(t, err)
	assert.Equal(t, 2, current.Version)
	assert.Equal(t, "Refunds take 3 days.", current.Text)

	assert.ErrorIs(t, repo.Supersede(ctx, tenant.ID, v1.ID), domain.ErrStorageConflict)
}

func TestChunkRepository_SearchRanksAndFilters(t *testing.T) {
	ctx := context.Background()
	_, tenants, repo := setupChunkRepo(ctx, t)
	tenant := createTestTenant(ctx, t, tenants, "acme")
	other := createTestTenant(ctx, t, tenants, "globex")

	exact := newTestChunk(tenant.ID, "faq", "0", "exact", axis(0))
	exact.Tags = []string{"billing"}
	near := newTestChunk(tenant.ID, "faq", "1", "near", axis(0, 1))
	far := newTestChunk(tenant.ID, "guide", "0", "far", axis(2))
	archived := newTestChunk(tenant.ID, "faq", "2", "archived", axis(0))
	pending := newTestChunk(tenant.ID, "faq", "3", "pending", nil)
	foreign := newTestChunk(other.ID, "faq", "0", "foreign", axis(0))

	for _, c := range []*domain.KnowledgeChunk{exact, near, far, archived, pending, foreign} {
		ok, err := repo.Insert(ctx, c)
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, err := repo.SetArchived(ctx, tenant.ID, domain.Selector{IDs: []string{archived.ID}}, true, time.Now().UTC())
	require.NoError(t, err)

	hits, err := repo.Search(ctx, tenant.ID, axis(0), 10, domain.SearchFilters{})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, exact.ID, hits[0].ChunkID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
	assert.Equal(t, near.ID, hits[1].ChunkID)
	assert.Equal(t, far.ID, hits[2].ChunkID)
	assert.InDelta(t, 0.5, hits[2].Similarity, 1e-6)
	for _, h := range hits {
		assert.GreaterOrEqual(t, h.Similarity, 0.0)
		assert.LessOrEqual(t, h.Similarity, 1.0)
	}

	withArchived, err := repo.Search(ctx, tenant.ID, axis(0), 10, domain.SearchFilters{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, withArchived, 4)

	bySource, err := repo.Search(ctx, tenant.ID, axis(0), 10, domain.SearchFilters{Source: "guide"})
	require.NoError(t, err)
	require.Len(t, bySource, 1)
	assert.Equal(t, far.ID, bySource[0].ChunkID)

	byTag, err := repo.Search(ctx, tenant.ID, axis(0), 10, domain.SearchFilters{Tags: []string{"billing", "nope"}})
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	assert.Equal(t, exact.ID, byTag[0].ChunkID)

	hydrated, err := repo.GetSearchable(ctx, tenant.ID, []string{exact.ID, archived.ID, foreign.ID}, domain.SearchFilters{})
	require.NoError(t, err)
	require.Len(t, hydrated, 1)
	assert.Equal(t, exact.ID, hydrated[0].ID)
}

func TestChunkRepository_ArchiveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	_, tenants, repo := setupChunkRepo(ctx, t)
	tenant := createTestTenant(ctx, t, tenants, "acme")

	a := newTestChunk(tenant.ID, "faq", "0", "a", axis(0))
	b := newTestChunk(tenant.ID, "faq", "1", "b", axis(1))
	for _, c := range []*domain.KnowledgeChunk{a, b} {
		_, err := repo.Insert(ctx, c)
		require.NoError(t, err)
	}

	changed, err := repo.SetArchived(ctx, tenant.ID, domain.Selector{Source: "faq"}, true, time.Now().UTC())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, changed)

	changed, err = repo.SetArchived(ctx, tenant.ID, domain.Selector{Source: "faq"}, true, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, changed)

	got, err := repo.GetByID(ctx, tenant.ID, a.ID)
	require.NoError(t, err)
	assert.True(t, got.IsArchived())
	assert.Equal(t, a.UpdatedAt, got.UpdatedAt)

	restored, err := repo.SetArchived(ctx, tenant.ID, domain.Selector{IDs: []string{a.ID}}, false, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, restored)
}

func TestChunkRepository_DeleteRemovesAllVersions(t *testing.T) {
	ctx := context.Background()
	_, tenants, repo := setupChunkRepo(ctx, t)
	tenant := createTestTenant(ctx, t, tenants, "acme")

	v1 := newTestChunk(tenant.ID, "faq", "0", "old", axis(0))
	_, err := repo.Insert(ctx, v1)
	require.NoError(t, err)
	require.NoError(t, repo.Supersede(ctx, tenant.ID, v1.ID))
	v2 := newTestChunk(tenant.ID, "faq", "0", "new", axis(0))
	v2.Version = 2
	_, err = repo.Insert(ctx, v2)
	require.NoError(t, err)

	deleted, err := repo.Delete(ctx, tenant.ID, domain.Selector{Source: "faq"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{v1.ID, v2.ID}, deleted)

	_, err = repo.GetByID(ctx, tenant.ID, v2.ID)
	assert.ErrorIs(t, err, domain.ErrChunkNotFound)
}

func TestChunkRepository_EmbeddingLifecycle(t *testing.T) {
	ctx := context.Background()
	_, tenants, repo := setupChunkRepo(ctx, t)
	tenant := createTestTenant(ctx, t, tenants, "acme")

	c := newTestChunk(tenant.ID, "faq", "0", "needs vector", nil)
	_, err := repo.Insert(ctx, c)
	require.NoError(t, err)

	require.NoError(t, repo.MarkEmbeddingPending(ctx, tenant.ID, []string{c.ID}))
	got, err := repo.GetByID(ctx, tenant.ID, c.ID)
	require.NoError(t, err)
	assert.False(t, got.Embedded)
	assert.True(t, got.Metadata.EmbeddingPending())

	require.NoError(t, repo.SetEmbedding(ctx, tenant.ID, c.ID, axis(3)))
	got, err = repo.GetByID(ctx, tenant.ID, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Embedded)
	assert.False(t, got.Metadata.EmbeddingPending())

	assert.ErrorIs(t, repo.SetEmbedding(ctx, tenant.ID, uuid.NewString(), axis(3)), domain.ErrChunkNotFound)
}

func TestChunkRepository_ListBatchAndCursor(t *testing.T) {
	ctx := context.Background()
	_, tenants, repo := setupChunkRepo(ctx, t)
	tenant := createTestTenant(ctx, t, tenants, "acme")

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 5; i++ {
		c := newTestChunk(tenant.ID, "faq", string(rune('a'+i)), "chunk "+string(rune('a'+i)), axis(i))
		c.UpdatedAt = base.Add(time.Duration(i) * time.Second)
		_, err := repo.Insert(ctx, c)
		require.NoError(t, err)
	}

	var all []*domain.KnowledgeChunk
	after := ""
	for {
		batch, err := repo.ListBatch(ctx, tenant.ID, domain.Selector{}, after, 2)
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
		after = batch[len(batch)-1].ID
	}
	assert.Len(t, all, 5)

	page, err := repo.ListWithCursor(ctx, tenant.ID, service.ChunkListFilter{}, nil, 3)
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.True(t, page.HasMore)
	assert.Equal(t, "chunk e", page.Items[0].Text)
}

func TestRetrievalLogRepository_Create(t *testing.T) {
	ctx := context.Background()
	pool, tenants, _ := setupChunkRepo(ctx, t)
	tenant := createTestTenant(ctx, t, tenants, "acme")

	logs := NewRetrievalLogRepository(pool)
	id, err := logs.CreateRetrievalLog(ctx, service.RetrievalLogEntry{
		TenantID: tenant.ID,
		Query:    "reset password",
		Filters:  domain.SearchFilters{Source: "faq"},
		Hits: []domain.RetrievalHit{
			{ChunkID: uuid.NewString(), Source: "faq", Score: 0.9},
			{ChunkID: uuid.NewString(), Source: "faq", Score: 0.7},
		},
		DurationMs: 12,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	var count int
	var top float64
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT result_count, top_score FROM retrieval_logs WHERE id = $1`, id,
	).Scan(&count, &top))
	assert.Equal(t, 2, count)
	assert.InDelta(t, 0.9, top, 1e-9)
}

func TestChunkRepository_CheckDimensions(t *testing.T) {
	ctx := context.Background()
	_, _, repo := setupChunkRepo(ctx, t)

	require.NoError(t, repo.CheckDimensions(ctx, testDims))

	err := repo.CheckDimensions(ctx, 768)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEmbeddingDimensionMismatch)
	assert.Contains(t, err.Error(), "vector(1536)")
}

func TestChunkRepository_SearchSmallTenantThroughHNSW(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	t.Cleanup(func() { _ = pc.Terminate(ctx) })

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	t.Cleanup(pool.Close)
	tenants := NewTenantRepository(pool)
	seed := NewChunkRepository(pool)

	small := createTestTenant(ctx, t, tenants, "small")
	large := createTestTenant(ctx, t, tenants, "large")

	for i := 0; i < 200; i++ {
		ok, err := seed.Insert(ctx, newTestChunk(large.ID, "faq", fmt.Sprint(i), fmt.Sprintf("large tenant chunk %d", i), axis(0)))
		require.NoError(t, err)
		require.True(t, ok)
	}
	want := map[string]bool{}
	for i := 0; i < 3; i++ {
		c := newTestChunk(small.ID, "faq", fmt.Sprint(i), fmt.Sprintf("small tenant chunk %d", i), axis(0, 10+i))
		ok, err := seed.Insert(ctx, c)
		require.NoError(t, err)
		require.True(t, ok)
		want[c.ID] = true
	}

	// Force the planner onto the HNSW index, where the tenant predicate is
	// applied after the graph scan.
	cfg, err := pgxpool.ParseConfig(pc.ConnectionString())
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["enable_seqscan"] = "off"
	indexed, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(indexed.Close)

	hits, err := NewChunkRepository(indexed).Search(ctx, small.ID, axis(0), 5, domain.SearchFilters{})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	for _, h := range hits {
		assert.True(t, want[h.ChunkID], "hit %s belongs to another tenant", h.ChunkID)
	}
}
