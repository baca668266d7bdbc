package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloo-solutions/kbagent/internal/domain"
	"github.com/cloo-solutions/kbagent/internal/telemetry"
)

const (
	snapshotContentType = "application/x-ndjson"
	snapshotPageSize    = 200
)

// SnapshotStore is the object storage that receives exports.
type SnapshotStore interface {
	PutObject(ctx context.Context, key, contentType string, body []byte) error
	GenerateDownloadURL(ctx context.Context, key string) (string, error)
}

// ChunkLister pages through current chunks.
type ChunkLister interface {
	ListBatch(ctx context.Context, tenantID string, sel domain.Selector, afterID string, limit int) ([]*domain.KnowledgeChunk, error)
}

type snapshotLine struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	ChunkKey   string          `json:"chunk_key"`
	Text       string          `json:"text"`
	Language   string          `json:"language,omitempty"`
	Tags       []string        `json:"tags"`
	Metadata   domain.Metadata `json:"metadata"`
	Version    int             `json:"version"`
	ArchivedAt *time.Time      `json:"archived_at,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// SnapshotResult describes an uploaded export.
type SnapshotResult struct {
	Key         string `json:"key"`
	DownloadURL string `json:"download_url"`
	Chunks      int    `json:"chunks"`
}

// SnapshotService writes the current knowledge of a tenant as JSON lines
// to object storage.
type SnapshotService struct {
	tenants TenantDirectory
	chunks  ChunkLister
	store   SnapshotStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewSnapshotService returns a service that reports ErrSnapshotDisabled
// when store is nil.
func NewSnapshotService(tenants TenantDirectory, chunks ChunkLister, store SnapshotStore, logger *slog.Logger) *SnapshotService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotService{
		tenants: tenants,
		chunks:  chunks,
		store:   store,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *SnapshotService) Export(ctx context.Context, tenantID string, sel domain.Selector) (*SnapshotResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "SnapshotService.Export", telemetry.SpanAttributes{
		TenantID:  tenantID,
		Source:    sel.Source,
		Operation: "export",
	})
	defer span.End()

	if s.store == nil {
		return nil, domain.ErrSnapshotDisabled
	}
	ok, err := s.tenants.Exists(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("check tenant: %w", err)
	}
	if !ok {
		return nil, domain.ErrUnknownTenant
	}
	sel, valid := sanitizeSelector(sel)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	count := 0
	afterID := ""
	for valid {
		batch, err := s.chunks.ListBatch(ctx, tenantID, sel, afterID, snapshotPageSize)
		if err != nil {
			span.SetError(err)
			return nil, fmt.Errorf("list chunks: %w", err)
		}
		for _, c := range batch {
			tags := c.Tags
			if tags == nil {
				tags = []string{}
			}
			if err := enc.Encode(snapshotLine{
				ID:         c.ID,
				Source:     c.Source,
				ChunkKey:   c.ChunkKey,
				Text:       c.Text,
				Language:   c.Language,
				Tags:       tags,
				Metadata:   c.Metadata,
				Version:    c.Version,
				ArchivedAt: c.ArchivedAt,
				UpdatedAt:  c.UpdatedAt,
			}); err != nil {
				return nil, fmt.Errorf("encode chunk %s: %w", c.ID, err)
			}
			count++
		}
		if len(batch) < snapshotPageSize {
			break
		}
		afterID = batch[len(batch)-1].ID
	}

	key := fmt.Sprintf("snapshots/%s/%s.jsonl", tenantID, s.now().Format("20060102T150405Z"))
	if err := s.store.PutObject(ctx, key, snapshotContentType, buf.Bytes()); err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("upload snapshot: %w", err)
	}
	url, err := s.store.GenerateDownloadURL(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("presign snapshot: %w", err)
	}

	s.logger.InfoContext(ctx, "snapshot exported", "tenant_id", tenantID, "key", key, "chunks", count)
	return &SnapshotResult{Key: key, DownloadURL: url, Chunks: count}, nil
}
