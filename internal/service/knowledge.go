package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"github.com/cloo-solutions/kbagent/internal/domain"
	"github.com/cloo-solutions/kbagent/internal/metrics"
	"github.com/cloo-solutions/kbagent/internal/pagination"
	"github.com/cloo-solutions/kbagent/internal/telemetry"
)

// TenantDirectory answers whether a tenant may own knowledge.
type TenantDirectory interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Embedder computes vectors for chunk and query text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkRepository is the non-transactional chunk persistence.
type ChunkRepository interface {
	GetByID(ctx context.Context, tenantID, id string) (*domain.KnowledgeChunk, error)
	SetEmbedding(ctx context.Context, tenantID, id string, embedding []float32) error
	MarkEmbeddingPending(ctx context.Context, tenantID string, ids []string) error
	SetArchived(ctx context.Context, tenantID string, sel domain.Selector, archived bool, at time.Time) ([]string, error)
	Delete(ctx context.Context, tenantID string, sel domain.Selector) ([]string, error)
	ListBatch(ctx context.Context, tenantID string, sel domain.Selector, afterID string, limit int) ([]*domain.KnowledgeChunk, error)
	ListWithCursor(ctx context.Context, tenantID string, filter ChunkListFilter, cursor *pagination.Cursor, limit int) (*ChunkPageResult, error)
}

// ChunkListFilter narrows chunk listings.
type ChunkListFilter struct {
	Source          string
	IncludeArchived bool
}

type ChunkPageResult struct {
	Items      []*domain.KnowledgeChunk
	NextCursor string
	HasMore    bool
}

// UUIDGenerator defines interface for UUID generation (for testing)
type UUIDGenerator interface {
	NewString() string
}

// DefaultUUIDGenerator is the default UUID generator using google/uuid
type DefaultUUIDGenerator struct{}

// NewString generates a new UUID string
func (g *DefaultUUIDGenerator) NewString() string {
	return uuid.NewString()
}

type upsertOutcome int

const (
	outcomeSkipped upsertOutcome = iota
	outcomeCreated
	outcomeUpdated
)

var errLostRace = errors.New("lineage or hash claimed by a concurrent writer")

var errInvalidCursor = domain.NewDomainError(domain.ErrCodeValidation, "invalid cursor")

const (
	defaultListLimit        = 20
	maxListLimit            = 100
	defaultReindexBatchSize = 10
)

// KnowledgeService owns the chunk lifecycle: upsert, archive, delete and
// re-embedding.
type KnowledgeService struct {
	tenants   TenantDirectory
	chunks    ChunkRepository
	jobs      EmbeddingJobCreator
	tx        TxRunner
	embedder  Embedder
	index     VectorIndex
	uuidGen   UUIDGenerator
	chunkCfg  ChunkConfig
	batchSize int
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

type KnowledgeOption func(*KnowledgeService)

func WithVectorIndex(index VectorIndex) KnowledgeOption {
	return func(s *KnowledgeService) { s.index = index }
}

func WithUUIDGenerator(gen UUIDGenerator) KnowledgeOption {
	return func(s *KnowledgeService) { s.uuidGen = gen }
}

func WithChunkConfig(cfg ChunkConfig) KnowledgeOption {
	return func(s *KnowledgeService) { s.chunkCfg = cfg }
}

// WithReindexPacing sets the reindex page size and an optional limit on
// embedding calls per second (0 disables pacing).
func WithReindexPacing(batchSize int, perSecond float64) KnowledgeOption {
	return func(s *KnowledgeService) {
		if batchSize > 0 {
			s.batchSize = batchSize
		}
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

func WithKnowledgeMetrics(m *metrics.Metrics) KnowledgeOption {
	return func(s *KnowledgeService) { s.metrics = m }
}

func WithKnowledgeLogger(l *slog.Logger) KnowledgeOption {
	return func(s *KnowledgeService) { s.logger = l }
}

func WithKnowledgeClock(now func() time.Time) KnowledgeOption {
	return func(s *KnowledgeService) { s.now = now }
}

func NewKnowledgeService(
	tenants TenantDirectory,
	chunks ChunkRepository,
	jobs EmbeddingJobCreator,
	tx TxRunner,
	embedder Embedder,
	opts ...KnowledgeOption,
) *KnowledgeService {
	s := &KnowledgeService{
		tenants:   tenants,
		chunks:    chunks,
		jobs:      jobs,
		tx:        tx,
		embedder:  embedder,
		uuidGen:   &DefaultUUIDGenerator{},
		chunkCfg:  DefaultChunkConfig(),
		batchSize: defaultReindexBatchSize,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *KnowledgeService) ensureTenant(ctx context.Context, tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return domain.ErrUnknownTenant
	}
	ok, err := s.tenants.Exists(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("check tenant: %w", err)
	}
	if !ok {
		return domain.ErrUnknownTenant
	}
	return nil
}

// Upsert stores chunks under source. Identical text already current for
// the tenant is skipped; changed text for an existing key becomes a new
// version. Embedding failures never fail the call.
func (s *KnowledgeService) Upsert(ctx context.Context, tenantID, source string, inputs []domain.ChunkInput) (*domain.UpsertSummary, error) {
	source = strings.TrimSpace(source)
	ctx, span := telemetry.StartSpan(ctx, "KnowledgeService.Upsert", telemetry.SpanAttributes{
		TenantID:  tenantID,
		Source:    source,
		Operation: "upsert",
	})
	defer span.End()

	if source == "" {
		return nil, domain.ErrMissingSource
	}
	if err := s.ensureTenant(ctx, tenantID); err != nil {
		return nil, err
	}

	summary := &domain.UpsertSummary{}
	var fresh []*domain.KnowledgeChunk
	var superseded []string

	for i, in := range inputs {
		chunk := s.buildChunk(tenantID, source, i, in)
		if chunk == nil {
			summary.Skipped++
			continue
		}

		outcome, prevID, err := s.upsertOne(ctx, chunk)
		if err != nil {
			span.SetError(err)
			return nil, fmt.Errorf("upsert chunk %d: %w", i, err)
		}

		switch outcome {
		case outcomeCreated:
			summary.Created++
			fresh = append(fresh, chunk)
		case outcomeUpdated:
			summary.Updated++
			fresh = append(fresh, chunk)
			superseded = append(superseded, prevID)
		default:
			summary.Skipped++
		}
	}

	s.metrics.AddUpserted("created", summary.Created)
	s.metrics.AddUpserted("updated", summary.Updated)
	s.metrics.AddUpserted("skipped", summary.Skipped)

	if len(superseded) > 0 && s.index != nil {
		if err := s.index.Remove(ctx, tenantID, superseded); err != nil {
			s.logger.WarnContext(ctx, "vector index remove failed", "tenant_id", tenantID, "error", err)
		}
	}

	if len(fresh) > 0 {
		summary.EmbeddingPending = s.embedFresh(ctx, tenantID, fresh)
	}

	s.logger.InfoContext(ctx, "knowledge upserted",
		"tenant_id", tenantID,
		"source", source,
		"created", summary.Created,
		"updated", summary.Updated,
		"skipped", summary.Skipped,
		"embedding_pending", summary.EmbeddingPending,
	)
	return summary, nil
}

func (s *KnowledgeService) buildChunk(tenantID, source string, pos int, in domain.ChunkInput) *domain.KnowledgeChunk {
	text := strings.TrimSpace(in.Text)
	normalized := domain.NormalizeText(text)
	if normalized == "" {
		return nil
	}

	key := strings.TrimSpace(in.Key)
	if key == "" {
		key = strconv.Itoa(pos)
	}

	lang := normalizeLanguage(in.Language)
	if lang == "" {
		lang = detectLanguage(normalized)
	}

	meta := in.Metadata.Clone()
	delete(meta, domain.MetaEmbeddingPending)
	meta[domain.MetaCharCount] = utf8.RuneCountInString(normalized)
	meta[domain.MetaWordCount] = len(strings.Fields(normalized))

	now := s.now()
	return &domain.KnowledgeChunk{
		ID:          s.uuidGen.NewString(),
		TenantID:    tenantID,
		Source:      source,
		ChunkKey:    key,
		Text:        text,
		ContentHash: domain.ContentHash(normalized),
		Language:    lang,
		Tags:        domain.NormalizeTags(in.Tags),
		Metadata:    meta,
		Version:     1,
		IsCurrent:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// upsertOne applies one chunk in its own transaction. A writer that loses
// a race on the lineage or hash sees skipped, never an error.
func (s *KnowledgeService) upsertOne(ctx context.Context, c *domain.KnowledgeChunk) (upsertOutcome, string, error) {
	outcome := outcomeSkipped
	var prevID string

	err := s.tx.WithTx(ctx, func(repos TxRepositories) error {
		chunks := repos.Chunks()

		_, err := chunks.FindCurrentByHash(ctx, c.TenantID, c.ContentHash)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrChunkNotFound) {
			return err
		}

		current, err := chunks.LockCurrentByKey(ctx, c.TenantID, c.Source, c.ChunkKey)
		switch {
		case err == nil:
			if err := chunks.Supersede(ctx, c.TenantID, current.ID); err != nil {
				return err
			}
			c.Version = current.Version + 1
			prevID = current.ID
		case errors.Is(err, domain.ErrChunkNotFound):
			c.Version = 1
		default:
			return err
		}

		inserted, err := chunks.Insert(ctx, c)
		if err != nil {
			return err
		}
		if !inserted {
			return errLostRace
		}

		if prevID != "" {
			outcome = outcomeUpdated
		} else {
			outcome = outcomeCreated
		}
		return nil
	})
	if errors.Is(err, errLostRace) || errors.Is(err, domain.ErrStorageConflict) {
		return outcomeSkipped, "", nil
	}
	if err != nil {
		return outcomeSkipped, "", err
	}
	return outcome, prevID, nil
}

// embedFresh embeds newly stored chunks and returns how many were left
// pending for the background worker.
func (s *KnowledgeService) embedFresh(ctx context.Context, tenantID string, fresh []*domain.KnowledgeChunk) int {
	texts := lo.Map(fresh, func(c *domain.KnowledgeChunk, _ int) string { return c.Text })

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		s.logger.WarnContext(ctx, "inline embedding failed, deferring",
			"tenant_id", tenantID, "chunks", len(fresh), "error", err)
		s.deferEmbedding(ctx, tenantID, lo.Map(fresh, func(c *domain.KnowledgeChunk, _ int) string { return c.ID }))
		return len(fresh)
	}

	var pending []string
	for i, c := range fresh {
		if err := s.storeEmbedding(ctx, c, vectors[i]); err != nil {
			s.logger.WarnContext(ctx, "store embedding failed", "chunk_id", c.ID, "error", err)
			pending = append(pending, c.ID)
		}
	}
	if len(pending) > 0 {
		s.deferEmbedding(ctx, tenantID, pending)
	}
	return len(pending)
}

func (s *KnowledgeService) storeEmbedding(ctx context.Context, c *domain.KnowledgeChunk, vector []float32) error {
	if err := s.chunks.SetEmbedding(ctx, c.TenantID, c.ID, vector); err != nil {
		return err
	}
	c.Embedding = vector
	c.Embedded = true
	delete(c.Metadata, domain.MetaEmbeddingPending)

	if s.index != nil {
		if err := s.index.Upsert(ctx, c, vector); err != nil {
			s.logger.WarnContext(ctx, "vector index upsert failed", "chunk_id", c.ID, "error", err)
		}
	}
	return nil
}

// deferEmbedding flags chunks pending and queues jobs for them. It runs
// detached from cancellation so rows never stay unflagged.
func (s *KnowledgeService) deferEmbedding(ctx context.Context, tenantID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	if err := s.chunks.MarkEmbeddingPending(ctx, tenantID, ids); err != nil {
		s.logger.ErrorContext(ctx, "mark embedding pending failed", "tenant_id", tenantID, "error", err)
	}
	now := s.now()
	for _, id := range ids {
		job := domain.NewEmbeddingJob(s.uuidGen.NewString(), tenantID, id, now)
		if err := s.jobs.Create(ctx, job); err != nil {
			s.logger.ErrorContext(ctx, "queue embedding job failed", "chunk_id", id, "error", err)
		}
	}
}

// IngestInput is a whole document to be split into chunks.
type IngestInput struct {
	TenantID string
	Source   string
	Document string
	Text     string
	Language string
	Tags     []string
	Metadata domain.Metadata
}

// Ingest splits a document and upserts the pieces. Keys are
// "<document>#<n>", so re-ingesting an edited document versions each piece.
func (s *KnowledgeService) Ingest(ctx context.Context, input IngestInput) (*domain.UpsertSummary, error) {
	pieces := splitDocument(input.Text, s.chunkCfg)
	if len(pieces) == 0 {
		return nil, domain.ErrEmptyText
	}
	if limit := s.chunkCfg.MaxChunks; limit > 0 && len(pieces) > limit {
		return nil, domain.ErrDocumentTooLarge.WithCause(
			fmt.Errorf("document splits into %d chunks, limit is %d", len(pieces), limit))
	}

	doc := strings.TrimSpace(input.Document)
	inputs := make([]domain.ChunkInput, len(pieces))
	for i, p := range pieces {
		meta := input.Metadata.Clone()
		if doc != "" {
			meta["document"] = doc
		}
		inputs[i] = domain.ChunkInput{
			Key:      doc + "#" + strconv.Itoa(i),
			Text:     p,
			Language: input.Language,
			Tags:     input.Tags,
			Metadata: meta,
		}
	}
	return s.Upsert(ctx, input.TenantID, input.Source, inputs)
}

func (s *KnowledgeService) Get(ctx context.Context, tenantID, id string) (*domain.KnowledgeChunk, error) {
	ctx, span := telemetry.StartSpan(ctx, "KnowledgeService.Get", telemetry.SpanAttributes{
		TenantID:  tenantID,
		ChunkID:   id,
		Operation: "get",
	})
	defer span.End()

	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrChunkNotFound
	}
	return s.chunks.GetByID(ctx, tenantID, id)
}

type ListChunksInput struct {
	TenantID        string
	Source          string
	IncludeArchived bool
	Cursor          string
	Limit           int
}

type ListChunksOutput struct {
	Items   []*domain.KnowledgeChunk
	Cursor  string
	HasMore bool
}

func (s *KnowledgeService) List(ctx context.Context, input ListChunksInput) (*ListChunksOutput, error) {
	ctx, span := telemetry.StartSpan(ctx, "KnowledgeService.List", telemetry.SpanAttributes{
		TenantID:  input.TenantID,
		Source:    input.Source,
		Operation: "list",
	})
	defer span.End()

	cursor, err := pagination.DecodeCursor(input.Cursor)
	if err != nil {
		return nil, errInvalidCursor
	}
	limit := input.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	result, err := s.chunks.ListWithCursor(ctx, input.TenantID, ChunkListFilter{
		Source:          strings.TrimSpace(input.Source),
		IncludeArchived: input.IncludeArchived,
	}, cursor, limit)
	if err != nil {
		return nil, err
	}

	return &ListChunksOutput{
		Items:   result.Items,
		Cursor:  result.NextCursor,
		HasMore: result.HasMore,
	}, nil
}

// sanitizeSelector drops malformed ids. ok is false when ids were given but
// none can match, in which case the operation affects nothing.
func sanitizeSelector(sel domain.Selector) (domain.Selector, bool) {
	sel.Source = strings.TrimSpace(sel.Source)
	if len(sel.IDs) == 0 {
		return sel, true
	}
	sel.IDs = lo.Uniq(lo.Filter(sel.IDs, func(id string, _ int) bool {
		_, err := uuid.Parse(id)
		return err == nil
	}))
	return sel, len(sel.IDs) > 0
}

// Archive sets or clears archived_at on current chunks matching sel and
// returns how many changed state.
func (s *KnowledgeService) Archive(ctx context.Context, tenantID string, sel domain.Selector, archived bool) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "KnowledgeService.Archive", telemetry.SpanAttributes{
		TenantID:  tenantID,
		Source:    sel.Source,
		Operation: "archive",
	})
	defer span.End()

	sel.Source = strings.TrimSpace(sel.Source)
	if sel.IsEmpty() {
		return 0, domain.ErrEmptySelector
	}
	if err := s.ensureTenant(ctx, tenantID); err != nil {
		return 0, err
	}
	sel, ok := sanitizeSelector(sel)
	if !ok {
		return 0, nil
	}

	ids, err := s.chunks.SetArchived(ctx, tenantID, sel, archived, s.now())
	if err != nil {
		span.SetError(err)
		return 0, err
	}

	if len(ids) > 0 && s.index != nil {
		if err := s.index.SetArchived(ctx, tenantID, ids, archived); err != nil {
			s.logger.WarnContext(ctx, "vector index archive failed", "tenant_id", tenantID, "error", err)
		}
	}
	return len(ids), nil
}

// Delete permanently removes every version of the matching chunks.
func (s *KnowledgeService) Delete(ctx context.Context, tenantID string, sel domain.Selector) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "KnowledgeService.Delete", telemetry.SpanAttributes{
		TenantID:  tenantID,
		Source:    sel.Source,
		Operation: "delete",
	})
	defer span.End()

	sel.Source = strings.TrimSpace(sel.Source)
	if sel.IsEmpty() {
		return 0, domain.ErrEmptySelector
	}
	if err := s.ensureTenant(ctx, tenantID); err != nil {
		return 0, err
	}
	sel, ok := sanitizeSelector(sel)
	if !ok {
		return 0, nil
	}

	ids, err := s.chunks.Delete(ctx, tenantID, sel)
	if err != nil {
		span.SetError(err)
		return 0, err
	}

	if len(ids) > 0 && s.index != nil {
		if err := s.index.Remove(ctx, tenantID, ids); err != nil {
			s.logger.WarnContext(ctx, "vector index remove failed", "tenant_id", tenantID, "error", err)
		}
	}
	return len(ids), nil
}

// Reindex recomputes embeddings for current chunks matching sel; an empty
// selector covers the whole tenant. Individual failures are counted and
// left pending for the worker.
func (s *KnowledgeService) Reindex(ctx context.Context, tenantID string, sel domain.Selector) (*domain.ReindexSummary, error) {
	ctx, span := telemetry.StartSpan(ctx, "KnowledgeService.Reindex", telemetry.SpanAttributes{
		TenantID:  tenantID,
		Source:    sel.Source,
		Operation: "reindex",
	})
	defer span.End()

	summary := &domain.ReindexSummary{}
	if err := s.ensureTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	sel, ok := sanitizeSelector(sel)
	if !ok {
		return summary, nil
	}

	afterID := ""
	for {
		batch, err := s.chunks.ListBatch(ctx, tenantID, sel, afterID, s.batchSize)
		if err != nil {
			span.SetError(err)
			return summary, err
		}
		if len(batch) == 0 {
			break
		}
		afterID = batch[len(batch)-1].ID

		var failed []string
		for _, c := range batch {
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx); err != nil {
					s.deferEmbedding(ctx, tenantID, failed)
					return summary, err
				}
			}

			summary.Processed++
			vector, err := s.embedder.Embed(ctx, c.Text)
			if err == nil {
				err = s.storeEmbedding(ctx, c, vector)
			}
			if err != nil {
				summary.Failed++
				failed = append(failed, c.ID)
				s.logger.WarnContext(ctx, "reindex chunk failed", "chunk_id", c.ID, "error", err)
				if ctx.Err() != nil {
					s.deferEmbedding(ctx, tenantID, failed)
					return summary, ctx.Err()
				}
				continue
			}
			summary.Succeeded++
		}
		if len(failed) > 0 {
			s.deferEmbedding(ctx, tenantID, failed)
		}

		if len(batch) < s.batchSize {
			break
		}
	}

	s.logger.InfoContext(ctx, "reindex finished",
		"tenant_id", tenantID,
		"processed", summary.Processed,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
	)
	return summary, nil
}
