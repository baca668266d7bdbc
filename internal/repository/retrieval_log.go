package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloo-solutions/kbagent/internal/service"
)

// RetrievalLogRepository records searches for offline relevance evaluation.
type RetrievalLogRepository struct {
	db dbtx
}

func NewRetrievalLogRepository(pool *pgxpool.Pool) *RetrievalLogRepository {
	return &RetrievalLogRepository{db: pool}
}

type loggedHit struct {
	ChunkID string  `json:"chunk_id"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

func (r *RetrievalLogRepository) CreateRetrievalLog(ctx context.Context, entry service.RetrievalLogEntry) (string, error) {
	filters := map[string]any{"query_length": len(entry.Query)}
	if entry.Filters.Source != "" {
		filters["source"] = entry.Filters.Source
	}
	if entry.Filters.Language != "" {
		filters["language"] = entry.Filters.Language
	}
	if len(entry.Filters.Tags) > 0 {
		filters["tags"] = entry.Filters.Tags
	}
	if entry.Filters.IncludeArchived {
		filters["include_archived"] = true
	}

	results := make([]loggedHit, 0, len(entry.Hits))
	var topScore *float64
	for _, h := range entry.Hits {
		results = append(results, loggedHit{ChunkID: h.ChunkID, Source: h.Source, Score: h.Score})
		if topScore == nil || h.Score > *topScore {
			s := h.Score
			topScore = &s
		}
	}

	filtersJSON, _ := json.Marshal(filters)
	resultsJSON, _ := json.Marshal(results)

	var id string
	err := r.db.QueryRow(ctx,
		`INSERT INTO retrieval_logs (tenant_id, query, filters, results, result_count, top_score, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		entry.TenantID, entry.Query, filtersJSON, resultsJSON, len(results), topScore, entry.DurationMs,
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}
