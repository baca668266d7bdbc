package service

import (
	"context"

	"github.com/cloo-solutions/kbagent/internal/domain"
)

// ChunkTxRepository is the chunk persistence used inside one upsert transaction.
type ChunkTxRepository interface {
	Insert(ctx context.Context, c *domain.KnowledgeChunk) (bool, error)
	FindCurrentByHash(ctx context.Context, tenantID, hash string) (*domain.KnowledgeChunk, error)
	LockCurrentByKey(ctx context.Context, tenantID, source, key string) (*domain.KnowledgeChunk, error)
	Supersede(ctx context.Context, tenantID, id string) error
}

// EmbeddingJobCreator queues deferred embeddings.
type EmbeddingJobCreator interface {
	Create(ctx context.Context, job *domain.EmbeddingJob) error
}

// TxRepositories provides transaction-bound repositories.
type TxRepositories interface {
	Chunks() ChunkTxRepository
	EmbeddingJobs() EmbeddingJobCreator
}

// TxRunner executes a function within a transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(repos TxRepositories) error) error
}
