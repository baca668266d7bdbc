package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cloo-solutions/kbagent/internal/api"
	"github.com/cloo-solutions/kbagent/internal/api/middleware"
	"github.com/cloo-solutions/kbagent/internal/domain"
	"github.com/cloo-solutions/kbagent/internal/service"
)

type KnowledgeService interface {
	Upsert(ctx context.Context, tenantID, source string, inputs []domain.ChunkInput) (*domain.UpsertSummary, error)
	Ingest(ctx context.Context, input service.IngestInput) (*domain.UpsertSummary, error)
	Get(ctx context.Context, tenantID, id string) (*domain.KnowledgeChunk, error)
	List(ctx context.Context, input service.ListChunksInput) (*service.ListChunksOutput, error)
	Archive(ctx context.Context, tenantID string, sel domain.Selector, archived bool) (int, error)
	Delete(ctx context.Context, tenantID string, sel domain.Selector) (int, error)
	Reindex(ctx context.Context, tenantID string, sel domain.Selector) (*domain.ReindexSummary, error)
}

type SearchService interface {
	SearchText(ctx context.Context, input service.SearchInput) ([]domain.RetrievalHit, error)
}

type SnapshotService interface {
	Export(ctx context.Context, tenantID string, sel domain.Selector) (*service.SnapshotResult, error)
}

type KnowledgeHandler struct {
	svc       KnowledgeService
	search    SearchService
	snapshots SnapshotService
}

// NewKnowledgeHandler builds the knowledge routes. snapshots may be nil
// when object storage is not configured.
func NewKnowledgeHandler(svc KnowledgeService, search SearchService, snapshots SnapshotService) *KnowledgeHandler {
	return &KnowledgeHandler{svc: svc, search: search, snapshots: snapshots}
}

type UpsertChunksRequest struct {
	Source string              `json:"source"`
	Chunks []domain.ChunkInput `json:"chunks"`
}

type IngestDocumentRequest struct {
	Source   string          `json:"source"`
	Document string          `json:"document"`
	Text     string          `json:"text"`
	Language string          `json:"language"`
	Tags     []string        `json:"tags"`
	Metadata domain.Metadata `json:"metadata"`
}

type SearchRequest struct {
	Query   string               `json:"query"`
	Limit   int                  `json:"limit"`
	Filters domain.SearchFilters `json:"filters"`
}

// SelectorRequest is the body shared by the bulk maintenance routes.
type SelectorRequest struct {
	IDs             []string   `json:"ids"`
	Source          string     `json:"source"`
	Before          *time.Time `json:"before"`
	IncludeArchived bool       `json:"include_archived"`
}

func (s SelectorRequest) selector() domain.Selector {
	return domain.Selector{
		IDs:             s.IDs,
		Source:          s.Source,
		Before:          s.Before,
		IncludeArchived: s.IncludeArchived,
	}
}

type ArchiveRequest struct {
	SelectorRequest
	// Archived defaults to true; false restores archived chunks.
	Archived *bool `json:"archived"`
}

type ChunkResponse struct {
	ID               string          `json:"id"`
	Source           string          `json:"source"`
	Key              string          `json:"key"`
	Text             string          `json:"text"`
	ContentHash      string          `json:"content_hash"`
	Language         string          `json:"language"`
	Tags             []string        `json:"tags"`
	Metadata         domain.Metadata `json:"metadata"`
	Version          int             `json:"version"`
	Embedded         bool            `json:"embedded"`
	EmbeddingPending bool            `json:"embedding_pending"`
	ArchivedAt       *time.Time      `json:"archived_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func chunkToResponse(c *domain.KnowledgeChunk) *ChunkResponse {
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	return &ChunkResponse{
		ID:               c.ID,
		Source:           c.Source,
		Key:              c.ChunkKey,
		Text:             c.Text,
		ContentHash:      c.ContentHash,
		Language:         c.Language,
		Tags:             tags,
		Metadata:         c.Metadata,
		Version:          c.Version,
		Embedded:         c.Embedded,
		EmbeddingPending: c.Metadata.EmbeddingPending(),
		ArchivedAt:       c.ArchivedAt,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

type ChunkListResponse struct {
	Items   []*ChunkResponse `json:"items"`
	Cursor  string           `json:"cursor,omitempty"`
	HasMore bool             `json:"has_more"`
}

type CountResponse struct {
	Affected int `json:"affected"`
}

// tenantFromRequest returns the authenticated tenant or writes 401.
func tenantFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return tenantID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *KnowledgeHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	var req UpsertChunksRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Source == "" {
		api.Error(w, http.StatusBadRequest, "source is required")
		return
	}

	summary, err := h.svc.Upsert(r.Context(), tenantID, req.Source, req.Chunks)
	if err != nil {
		api.HandleError(r.Context(), w, err)
		return
	}

	api.Success(w, http.StatusOK, summary)
}

func (h *KnowledgeHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	var req IngestDocumentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Source == "" {
		api.Error(w, http.StatusBadRequest, "source is required")
		return
	}
	if req.Text == "" {
		api.Error(w, http.StatusBadRequest, "text is required")
		return
	}

	summary, err := h.svc.Ingest(r.Context(), service.IngestInput{
		TenantID: tenantID,
		Source:   req.Source,
		Document: req.Document,
		Text:     req.Text,
		Language: req.Language,
		Tags:     req.Tags,
		Metadata: req.Metadata,
	})
	if err != nil {
		api.HandleError(r.Context(), w, err)
		return
	}

	api.Success(w, http.StatusOK, summary)
}

func (h *KnowledgeHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	chunk, err := h.svc.Get(r.Context(), tenantID, id)
	if err != nil {
		api.HandleError(r.Context(), w, err)
		return
	}

	api.Success(w, http.StatusOK, chunkToResponse(chunk))
}

func (h *KnowledgeHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit := 20
	if limitStr := q.Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	includeArchived, _ := strconv.ParseBool(q.Get("include_archived"))

	output, err := h.svc.List(r.Context(), service.ListChunksInput{
		TenantID:        tenantID,
		Source:          q.Get("source"),
		IncludeArchived: includeArchived,
		Cursor:          q.Get("cursor"),
		Limit:           limit,
	})
	if err != nil {
		api.HandleError(r.Context(), w, err)
		return
	}

	items := make([]*ChunkResponse, len(output.Items))
	for i, c := range output.Items {
		items[i] = chunkToResponse(c)
	}

	api.Success(w, http.StatusOK, ChunkListResponse{
		Items:   items,
		Cursor:  output.Cursor,
		HasMore: output.HasMore,
	})
}

func (h *KnowledgeHandler) Search(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	var req SearchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Query == "" {
		api.Error(w, http.StatusBadRequest, "query is required")
		return
	}

	hits, err := h.search.SearchText(r.Context(), service.SearchInput{
		TenantID: tenantID,
		Query:    req.Query,
		Limit:    req.Limit,
		Filters:  req.Filters,
	})
	if err != nil {
		api.HandleError(r.Context(), w, err)
		return
	}
	if hits == nil {
		hits = []domain.RetrievalHit{}
	}

	api.Success(w, http.StatusOK, hits)
}

func (h *KnowledgeHandler) Archive(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	var req ArchiveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	archived := true
	if req.Archived != nil {
		archived = *req.Archived
	}

	n, err := h.svc.Archive(r.Context(), tenantID, req.selector(), archived)
	if err != nil {
		api.HandleError(r.Context(), w, err)
		return
	}

	api.Success(w, http.StatusOK, CountResponse{Affected: n})
}

func (h *KnowledgeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	var req SelectorRequest
	if !decodeBody(w, r, &req) {
		return
	}

	n, err := h.svc.Delete(r.Context(), tenantID, req.selector())
	if err != nil {
		api.HandleError(r.Context(), w, err)
		return
	}

	api.Success(w, http.StatusOK, CountResponse{Affected: n})
}

// Reindex accepts an empty body, which covers the whole tenant.
func (h *KnowledgeHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	var req SelectorRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	summary, err := h.svc.Reindex(r.Context(), tenantID, req.selector())
	if err != nil {
		api.HandleError(r.Context(), w, err)
		return
	}

	api.Success(w, http.StatusOK, summary)
}

func (h *KnowledgeHandler) Export(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}
	if h.snapshots == nil {
		api.HandleError(r.Context(), w, domain.ErrSnapshotDisabled)
		return
	}

	var req SelectorRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	result, err := h.snapshots.Export(r.Context(), tenantID, req.selector())
	if err != nil {
		api.HandleError(r.Context(), w, err)
		return
	}

	api.Success(w, http.StatusCreated, result)
}
