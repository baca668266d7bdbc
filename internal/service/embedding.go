package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cloo-solutions/kbagent/internal/domain"
)

// EmbeddingChunkRepository is the chunk access needed to finish a
// deferred embedding.
type EmbeddingChunkRepository interface {
	GetByID(ctx context.Context, tenantID, id string) (*domain.KnowledgeChunk, error)
	SetEmbedding(ctx context.Context, tenantID, id string, embedding []float32) error
}

// EmbeddingService completes embeddings that failed inline. It is driven
// by the background worker.
type EmbeddingService struct {
	client QueryEmbedder
	chunks EmbeddingChunkRepository
	index  VectorIndex
	logger *slog.Logger
}

func NewEmbeddingService(client QueryEmbedder, chunks EmbeddingChunkRepository, index VectorIndex, logger *slog.Logger) *EmbeddingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmbeddingService{
		client: client,
		chunks: chunks,
		index:  index,
		logger: logger,
	}
}

// GenerateEmbedding embeds the chunk behind job. Chunks that were deleted
// or superseded in the meantime need nothing and succeed.
func (s *EmbeddingService) GenerateEmbedding(ctx context.Context, job *domain.EmbeddingJob) error {
	chunk, err := s.chunks.GetByID(ctx, job.TenantID, job.ChunkID)
	if errors.Is(err, domain.ErrChunkNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !chunk.IsCurrent {
		return nil
	}

	vector, err := s.client.Embed(ctx, chunk.Text)
	if err != nil {
		return fmt.Errorf("failed to generate embedding: %w", err)
	}

	if err := s.chunks.SetEmbedding(ctx, chunk.TenantID, chunk.ID, vector); err != nil {
		return fmt.Errorf("failed to update embedding: %w", err)
	}

	if s.index != nil {
		chunk.Embedding = vector
		chunk.Embedded = true
		if err := s.index.Upsert(ctx, chunk, vector); err != nil {
			s.logger.WarnContext(ctx, "vector index upsert failed", "chunk_id", chunk.ID, "error", err)
		}
	}
	return nil
}
