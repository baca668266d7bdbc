//go:build integration

package vectorindex

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/kbagent/internal/domain"
	"github.com/cloo-solutions/kbagent/internal/testutil"
)

func TestQdrantIndex_TenantScopedSearch(t *testing.T) {
	ctx := context.Background()
	qc := testutil.NewQdrantContainer(ctx, t)
	defer qc.Terminate(ctx)

	idx, err := NewQdrantIndex(ctx, QdrantConfig{
		Host:       qc.Host,
		Port:       qc.Port,
		Collection: "kb_test",
		VectorSize: 3,
	})
	require.NoError(t, err)
	defer idx.Close()
	require.NoError(t, idx.Ping(ctx))

	tenantA, tenantB := uuid.NewString(), uuid.NewString()
	chunk := func(tenant, source string, tags ...string) *domain.KnowledgeChunk {
		return &domain.KnowledgeChunk{
			ID:        uuid.NewString(),
			TenantID:  tenant,
			Source:    source,
			Language:  "en",
			Tags:      tags,
			UpdatedAt: time.Now(),
		}
	}

	refund := chunk(tenantA, "faq", "billing")
	login := chunk(tenantA, "manual", "account")
	foreign := chunk(tenantB, "faq", "billing")

	require.NoError(t, idx.Upsert(ctx, refund, []float32{1, 0, 0}))
	require.NoError(t, idx.Upsert(ctx, login, []float32{0, 1, 0}))
	require.NoError(t, idx.Upsert(ctx, foreign, []float32{1, 0, 0}))

	matches, err := idx.Search(ctx, tenantA, []float32{1, 0, 0}, 10, domain.SearchFilters{})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, refund.ID, matches[0].ChunkID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-4)
	for _, m := range matches {
		assert.NotEqual(t, foreign.ID, m.ChunkID)
	}

	matches, err = idx.Search(ctx, tenantA, []float32{1, 0, 0}, 10, domain.SearchFilters{Tags: []string{"account"}})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, login.ID, matches[0].ChunkID)

	require.NoError(t, idx.SetArchived(ctx, tenantA, []string{refund.ID}, true))
	matches, err = idx.Search(ctx, tenantA, []float32{1, 0, 0}, 10, domain.SearchFilters{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, login.ID, matches[0].ChunkID)

	matches, err = idx.Search(ctx, tenantA, []float32{1, 0, 0}, 10, domain.SearchFilters{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	// Removing through the wrong tenant must not touch another tenant's points.
	require.NoError(t, idx.Remove(ctx, tenantB, []string{login.ID}))
	require.NoError(t, idx.Remove(ctx, tenantA, []string{login.ID}))
	matches, err = idx.Search(ctx, tenantA, []float32{0, 1, 0}, 10, domain.SearchFilters{IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, refund.ID, matches[0].ChunkID)
}
