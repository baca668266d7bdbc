package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cloo-solutions/kbagent/internal/domain"
	"github.com/cloo-solutions/kbagent/internal/metrics"
	"github.com/cloo-solutions/kbagent/internal/telemetry"
)

const (
	// MaxRetries is the maximum number of retries for a failed job
	MaxRetries = 3
)

// EmbeddingJobRepository defines the interface for embedding job persistence
type EmbeddingJobRepository interface {
	// GetPendingJobs claims pending embedding jobs for this worker
	GetPendingJobs(ctx context.Context) ([]*domain.EmbeddingJob, error)

	// UpdateJobStatus updates the status of an embedding job
	UpdateJobStatus(ctx context.Context, jobID string, status domain.EmbeddingJobStatus, errMsg string) error

	// IncrementRetries increments the retry count for a job
	IncrementRetries(ctx context.Context, jobID string) error
}

// EmbeddingService finishes the deferred embedding of one chunk.
type EmbeddingService interface {
	GenerateEmbedding(ctx context.Context, job *domain.EmbeddingJob) error
}

// EmbeddingWorker processes embedding jobs
type EmbeddingWorker struct {
	repo    EmbeddingJobRepository
	service EmbeddingService
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEmbeddingWorker creates a new EmbeddingWorker instance. m and logger
// may be nil.
func NewEmbeddingWorker(repo EmbeddingJobRepository, service EmbeddingService, m *metrics.Metrics, logger *slog.Logger) *EmbeddingWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmbeddingWorker{
		repo:    repo,
		service: service,
		metrics: m,
		logger:  logger.With("component", "embedding_worker"),
	}
}

// ProcessJobs implements the JobProcessor interface
func (w *EmbeddingWorker) ProcessJobs(ctx context.Context) error {
	jobs, err := w.repo.GetPendingJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch pending jobs: %w", err)
	}
	w.metrics.SetEmbeddingClaimed(len(jobs))

	if len(jobs) == 0 {
		return nil
	}

	w.logger.InfoContext(ctx, "processing embedding jobs", "count", len(jobs))

	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.processJob(ctx, job); err != nil {
			w.logger.ErrorContext(ctx, "embedding job error", "job_id", job.ID, "error", err)
		}
	}

	return nil
}

func (w *EmbeddingWorker) processJob(ctx context.Context, job *domain.EmbeddingJob) error {
	w.logger.DebugContext(ctx, "processing embedding job",
		"job_id", job.ID, "tenant_id", job.TenantID, "chunk_id", job.ChunkID)

	if err := w.service.GenerateEmbedding(ctx, job); err != nil {
		return w.handleJobFailure(ctx, job, err)
	}

	if err := w.repo.UpdateJobStatus(ctx, job.ID, domain.EmbeddingJobStatusCompleted, ""); err != nil {
		return fmt.Errorf("failed to update job status to completed: %w", err)
	}

	w.logger.DebugContext(ctx, "embedding job completed", "job_id", job.ID)
	return nil
}

// handleJobFailure handles a failed job with retry logic
func (w *EmbeddingWorker) handleJobFailure(ctx context.Context, job *domain.EmbeddingJob, jobErr error) error {
	if err := w.repo.IncrementRetries(ctx, job.ID); err != nil {
		return fmt.Errorf("failed to increment retries: %w", err)
	}

	attempt := job.Retries + 1
	if attempt >= MaxRetries {
		w.logger.WarnContext(ctx, "embedding job exhausted retries",
			"job_id", job.ID, "chunk_id", job.ChunkID, "max_retries", MaxRetries, "error", jobErr)
		telemetry.CaptureError(ctx, fmt.Errorf("embedding job %s for chunk %s failed: %w", job.ID, job.ChunkID, jobErr))
		errMsg := fmt.Sprintf("max retries exceeded: %v", jobErr)
		if err := w.repo.UpdateJobStatus(ctx, job.ID, domain.EmbeddingJobStatusFailed, errMsg); err != nil {
			return fmt.Errorf("failed to update job status to failed: %w", err)
		}
		return nil
	}

	w.logger.InfoContext(ctx, "embedding job will be retried",
		"job_id", job.ID, "attempt", attempt, "max_retries", MaxRetries, "error", jobErr)
	errMsg := fmt.Sprintf("retry %d: %v", attempt, jobErr)
	if err := w.repo.UpdateJobStatus(ctx, job.ID, domain.EmbeddingJobStatusPending, errMsg); err != nil {
		return fmt.Errorf("failed to reset job status to pending: %w", err)
	}

	return nil
}
