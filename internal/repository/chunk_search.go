package repository

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/cloo-solutions/kbagent/internal/domain"
)

// searchWhere is the candidate predicate shared by vector search and
// hydration of external index results.
func searchWhere(tenantID string, filters domain.SearchFilters) sq.And {
	where := sq.And{
		sq.Eq{"tenant_id": tenantID},
		sq.Expr("is_current"),
		sq.Expr("embedding IS NOT NULL"),
	}
	if !filters.IncludeArchived {
		where = append(where, sq.Expr("archived_at IS NULL"))
	}
	if filters.Source != "" {
		where = append(where, sq.Eq{"source": filters.Source})
	}
	if filters.Language != "" {
		where = append(where, sq.Eq{"language": filters.Language})
	}
	if len(filters.Tags) > 0 {
		where = append(where, sq.Expr("tags && ?", filters.Tags))
	}
	return where
}

// HNSW scans stop after ef_search candidates and filter afterwards, so a
// small tenant could see too few rows. Iterative scanning keeps walking the
// graph until limit rows pass the predicate. Results leave the index in
// relaxed order; the retrieval service re-ranks them.
const (
	minEfSearch = 40
	maxEfSearch = 1000
)

func efSearch(limit int) int {
	return max(minEfSearch, min(limit*4, maxEfSearch))
}

// Search returns up to limit candidates nearest to embedding. Similarity is
// 1 - cosine_distance/2, bounded to [0,1]. Score is left equal to similarity.
func (r *ChunkRepository) Search(ctx context.Context, tenantID string, embedding []float32, limit int, filters domain.SearchFilters) ([]domain.RetrievalHit, error) {
	vec := pgvector.NewVector(embedding)

	query, args, err := psql.
		Select("id", "source", "text", "language", "tags", "metadata", "updated_at").
		Column(sq.Expr("1 - (embedding <=> ?) / 2 AS similarity", vec)).
		From("kb_chunks").
		Where(searchWhere(tenantID, filters)).
		OrderByClause("embedding <=> ?", vec).
		OrderBy("updated_at DESC", "id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	hits := []domain.RetrievalHit{}
	err = pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SET LOCAL hnsw.iterative_scan = relaxed_order"); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", efSearch(limit))); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var h domain.RetrievalHit
			if err := rows.Scan(&h.ChunkID, &h.Source, &h.Text, &h.Language, &h.Tags, &h.Metadata, &h.UpdatedAt, &h.Similarity); err != nil {
				return err
			}
			h.Similarity = domain.Clamp01(h.Similarity)
			h.Score = h.Similarity
			hits = append(hits, h)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// GetSearchable loads the chunks among ids that still satisfy the search
// predicate. Used to hydrate results from an external vector index.
func (r *ChunkRepository) GetSearchable(ctx context.Context, tenantID string, ids []string, filters domain.SearchFilters) ([]*domain.KnowledgeChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := psql.Select(chunkColumns).From("kb_chunks").
		Where(searchWhere(tenantID, filters)).
		Where(sq.Expr("id = ANY(?)", ids)).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectChunks(rows)
}
