package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/cloo-solutions/kbagent/internal/domain"
	"github.com/cloo-solutions/kbagent/internal/pagination"
	"github.com/cloo-solutions/kbagent/internal/service"
)

const chunkColumns = `id, tenant_id, source, chunk_key, text, content_hash, embedding IS NOT NULL,
	language, tags, metadata, version, is_current, archived_at, created_at, updated_at`

// ChunkRepository persists knowledge chunks and answers similarity queries.
type ChunkRepository struct {
	db dbtx
}

func NewChunkRepository(pool *pgxpool.Pool) *ChunkRepository {
	return &ChunkRepository{db: pool}
}

func NewChunkRepositoryWithTx(tx pgx.Tx) *ChunkRepository {
	return &ChunkRepository{db: tx}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChunk(s scanner) (*domain.KnowledgeChunk, error) {
	var c domain.KnowledgeChunk
	err := s.Scan(
		&c.ID, &c.TenantID, &c.Source, &c.ChunkKey, &c.Text, &c.ContentHash, &c.Embedded,
		&c.Language, &c.Tags, &c.Metadata, &c.Version, &c.IsCurrent, &c.ArchivedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if c.Metadata == nil {
		c.Metadata = domain.Metadata{}
	}
	return &c, nil
}

func collectChunks(rows pgx.Rows) ([]*domain.KnowledgeChunk, error) {
	defer rows.Close()

	var chunks []*domain.KnowledgeChunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Insert adds a new current chunk. It returns false without error when a
// current chunk with the same hash or lineage already exists.
func (r *ChunkRepository) Insert(ctx context.Context, c *domain.KnowledgeChunk) (bool, error) {
	var embedding any
	if len(c.Embedding) > 0 {
		embedding = pgvector.NewVector(c.Embedding)
	}
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}

	cmdTag, err := r.db.Exec(ctx,
		`INSERT INTO kb_chunks
			(id, tenant_id, source, chunk_key, text, content_hash, embedding, language, tags, metadata,
			 version, is_current, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, TRUE, $12, $13)
		 ON CONFLICT DO NOTHING`,
		c.ID, c.TenantID, c.Source, c.ChunkKey, c.Text, c.ContentHash, embedding, c.Language, tags,
		c.Metadata, c.Version, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	return cmdTag.RowsAffected() == 1, nil
}

func (r *ChunkRepository) GetByID(ctx context.Context, tenantID, id string) (*domain.KnowledgeChunk, error) {
	c, err := scanChunk(r.db.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM kb_chunks WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrChunkNotFound
		}
		return nil, err
	}
	return c, nil
}

// FindCurrentByHash returns the current chunk with the given content hash.
func (r *ChunkRepository) FindCurrentByHash(ctx context.Context, tenantID, hash string) (*domain.KnowledgeChunk, error) {
	c, err := scanChunk(r.db.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM kb_chunks
		 WHERE tenant_id = $1 AND content_hash = $2 AND is_current`,
		tenantID, hash,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrChunkNotFound
		}
		return nil, err
	}
	return c, nil
}

// LockCurrentByKey returns the current version of a lineage and locks it
// for the rest of the transaction.
func (r *ChunkRepository) LockCurrentByKey(ctx context.Context, tenantID, source, key string) (*domain.KnowledgeChunk, error) {
	c, err := scanChunk(r.db.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM kb_chunks
		 WHERE tenant_id = $1 AND source = $2 AND chunk_key = $3 AND is_current
		 FOR UPDATE`,
		tenantID, source, key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrChunkNotFound
		}
		return nil, err
	}
	return c, nil
}

// Supersede marks a version non-current.
func (r *ChunkRepository) Supersede(ctx context.Context, tenantID, id string) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE kb_chunks SET is_current = FALSE WHERE id = $1 AND tenant_id = $2 AND is_current`,
		id, tenantID,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrStorageConflict
	}
	return nil
}

// SetEmbedding stores a vector and clears the pending flag.
func (r *ChunkRepository) SetEmbedding(ctx context.Context, tenantID, id string, embedding []float32) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE kb_chunks
		 SET embedding = $1, metadata = metadata - 'embedding_pending'
		 WHERE id = $2 AND tenant_id = $3`,
		pgvector.NewVector(embedding), id, tenantID,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrChunkNotFound
	}
	return nil
}

// CheckDimensions fails when the embedding column was created for a
// different vector size than the configured model produces.
func (r *ChunkRepository) CheckDimensions(ctx context.Context, want int) error {
	var got int32
	err := r.db.QueryRow(ctx,
		`SELECT atttypmod FROM pg_attribute
		 WHERE attrelid = 'kb_chunks'::regclass AND attname = 'embedding' AND NOT attisdropped`,
	).Scan(&got)
	if err != nil {
		return fmt.Errorf("read embedding column type: %w", err)
	}
	if got > 0 && int(got) != want {
		return domain.ErrEmbeddingDimensionMismatch.WithCause(
			fmt.Errorf("kb_chunks.embedding is vector(%d) but %d dimensions are configured", got, want))
	}
	return nil
}

// MarkEmbeddingPending flags chunks whose embedding must be (re)computed.
func (r *ChunkRepository) MarkEmbeddingPending(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx,
		`UPDATE kb_chunks
		 SET metadata = metadata || '{"embedding_pending": true}'::jsonb
		 WHERE tenant_id = $1 AND id = ANY($2)`,
		tenantID, ids,
	)
	return err
}

func selectorWhere(tenantID string, sel domain.Selector) sq.And {
	where := sq.And{sq.Eq{"tenant_id": tenantID}}
	if len(sel.IDs) > 0 {
		where = append(where, sq.Expr("id = ANY(?)", sel.IDs))
	}
	if sel.Source != "" {
		where = append(where, sq.Eq{"source": sel.Source})
	}
	if sel.Before != nil {
		where = append(where, sq.Lt{"updated_at": *sel.Before})
	}
	return where
}

// SetArchived archives or restores current chunks matching sel and returns
// the ids whose state actually changed.
func (r *ChunkRepository) SetArchived(ctx context.Context, tenantID string, sel domain.Selector, archived bool, at time.Time) ([]string, error) {
	q := psql.Update("kb_chunks").Where(selectorWhere(tenantID, sel)).Where("is_current")
	if archived {
		q = q.Set("archived_at", at).Where("archived_at IS NULL")
	} else {
		q = q.Set("archived_at", nil).Where("archived_at IS NOT NULL")
	}

	query, args, err := q.Suffix("RETURNING id").ToSql()
	if err != nil {
		return nil, err
	}
	return r.collectIDs(ctx, query, args)
}

// Delete permanently removes every version matching sel.
func (r *ChunkRepository) Delete(ctx context.Context, tenantID string, sel domain.Selector) ([]string, error) {
	query, args, err := psql.Delete("kb_chunks").
		Where(selectorWhere(tenantID, sel)).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return nil, err
	}
	return r.collectIDs(ctx, query, args)
}

func (r *ChunkRepository) collectIDs(ctx context.Context, query string, args []any) ([]string, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListBatch pages through current chunks matching sel in id order, starting
// after afterID. Used by reindex and snapshot export.
func (r *ChunkRepository) ListBatch(ctx context.Context, tenantID string, sel domain.Selector, afterID string, limit int) ([]*domain.KnowledgeChunk, error) {
	if limit <= 0 {
		limit = 100
	}

	q := psql.Select(chunkColumns).From("kb_chunks").
		Where(selectorWhere(tenantID, sel)).
		Where("is_current")
	if !sel.IncludeArchived {
		q = q.Where("archived_at IS NULL")
	}
	if afterID != "" {
		q = q.Where(sq.Gt{"id": afterID})
	}

	query, args, err := q.OrderBy("id ASC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectChunks(rows)
}

// ListWithCursor lists current chunks newest first.
func (r *ChunkRepository) ListWithCursor(ctx context.Context, tenantID string, filter service.ChunkListFilter, cursor *pagination.Cursor, limit int) (*service.ChunkPageResult, error) {
	if limit <= 0 {
		limit = 20
	}

	q := psql.Select(chunkColumns).From("kb_chunks").
		Where(sq.Eq{"tenant_id": tenantID}).
		Where("is_current")
	if filter.Source != "" {
		q = q.Where(sq.Eq{"source": filter.Source})
	}
	if !filter.IncludeArchived {
		q = q.Where("archived_at IS NULL")
	}
	if cursor != nil {
		q = q.Where(sq.Expr("(updated_at, id) < (?, ?)", cursor.Timestamp, cursor.LastID))
	}

	query, args, err := q.OrderBy("updated_at DESC", "id DESC").Limit(uint64(limit + 1)).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	chunks, err := collectChunks(rows)
	if err != nil {
		return nil, err
	}

	hasMore := len(chunks) > limit
	if hasMore {
		chunks = chunks[:limit]
	}

	var nextCursor string
	if hasMore && len(chunks) > 0 {
		last := chunks[len(chunks)-1]
		nextCursor = pagination.EncodeCursor(last.ID, last.UpdatedAt)
	}

	return &service.ChunkPageResult{
		Items:      chunks,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}
