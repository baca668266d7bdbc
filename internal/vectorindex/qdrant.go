// Package vectorindex mirrors knowledge chunks into Qdrant for approximate
// nearest-neighbour search. Postgres remains the source of truth.
package vectorindex

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	"github.com/samber/lo"

	"github.com/cloo-solutions/kbagent/internal/domain"
	"github.com/cloo-solutions/kbagent/internal/service"
)

// Payload keys stored with every point.
const (
	fieldTenantID = "tenant_id"
	fieldSource   = "source"
	fieldLanguage = "language"
	fieldTags     = "tags"
	fieldArchived = "archived"
)

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this collection.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantIndex implements service.VectorIndex on a Qdrant collection.
type QdrantIndex struct {
	client *qdrant.Client
	cfg    QdrantConfig
}

var _ service.VectorIndex = (*QdrantIndex)(nil)

// NewQdrantIndex connects to Qdrant and makes sure the collection and its
// payload indexes exist.
func NewQdrantIndex(ctx context.Context, cfg QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "kb_chunks"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	idx := &QdrantIndex{client: client, cfg: cfg}
	if err := idx.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return idx, nil
}

func (i *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := i.client.CollectionExists(ctx, i.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = i.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: i.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     i.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", i.cfg.Collection, err)
	}

	for _, field := range []string{fieldTenantID, fieldSource, fieldLanguage, fieldTags} {
		if err := i.createKeywordIndex(ctx, field); err != nil {
			return err
		}
	}
	return nil
}

func (i *QdrantIndex) createKeywordIndex(ctx context.Context, field string) error {
	_, err := i.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: i.cfg.Collection,
		FieldName:      field,
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to index payload field %q: %w", field, err)
	}
	return nil
}

// chunkPayload is the filterable projection of a chunk stored in Qdrant.
func chunkPayload(c *domain.KnowledgeChunk) map[string]any {
	return map[string]any{
		fieldTenantID: c.TenantID,
		fieldSource:   c.Source,
		fieldLanguage: c.Language,
		fieldTags:     lo.Map(c.Tags, func(t string, _ int) any { return t }),
		fieldArchived: c.IsArchived(),
	}
}

// searchFilter restricts a query to the tenant and the caller's filters.
func searchFilter(tenantID string, filters domain.SearchFilters) *qdrant.Filter {
	must := []*qdrant.Condition{qdrant.NewMatch(fieldTenantID, tenantID)}
	if !filters.IncludeArchived {
		must = append(must, qdrant.NewMatchBool(fieldArchived, false))
	}
	if filters.Source != "" {
		must = append(must, qdrant.NewMatch(fieldSource, filters.Source))
	}
	if filters.Language != "" {
		must = append(must, qdrant.NewMatch(fieldLanguage, filters.Language))
	}
	if len(filters.Tags) > 0 {
		must = append(must, qdrant.NewMatchKeywords(fieldTags, filters.Tags...))
	}
	return &qdrant.Filter{Must: must}
}

// tenantPoints selects the given ids, but only within tenantID.
func tenantPoints(tenantID string, ids []string) *qdrant.PointsSelector {
	pointIDs := lo.Map(ids, func(id string, _ int) *qdrant.PointId { return qdrant.NewIDUUID(id) })
	return qdrant.NewPointsSelectorFilter(&qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch(fieldTenantID, tenantID),
			qdrant.NewHasID(pointIDs...),
		},
	})
}

// similarity maps Qdrant's cosine score in [-1,1] to [0,1], matching the
// Postgres 1 - distance/2 mapping.
func similarity(score float32) float64 {
	return domain.Clamp01((1 + float64(score)) / 2)
}

func (i *QdrantIndex) Upsert(ctx context.Context, c *domain.KnowledgeChunk, vector []float32) error {
	wait := true
	_, err := i.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: i.cfg.Collection,
		Wait:           &wait,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(c.ID),
			Vectors: qdrant.NewVectors(vector...),
			Payload: qdrant.NewValueMap(chunkPayload(c)),
		}},
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w", err)
	}
	return nil
}

func (i *QdrantIndex) Remove(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	wait := true
	_, err := i.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: i.cfg.Collection,
		Wait:           &wait,
		Points:         tenantPoints(tenantID, ids),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete failed: %w", err)
	}
	return nil
}

func (i *QdrantIndex) SetArchived(ctx context.Context, tenantID string, ids []string, archived bool) error {
	if len(ids) == 0 {
		return nil
	}
	wait := true
	_, err := i.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: i.cfg.Collection,
		Wait:           &wait,
		Payload:        qdrant.NewValueMap(map[string]any{fieldArchived: archived}),
		PointsSelector: tenantPoints(tenantID, ids),
	})
	if err != nil {
		return fmt.Errorf("qdrant: set payload failed: %w", err)
	}
	return nil
}

func (i *QdrantIndex) Search(ctx context.Context, tenantID string, vector []float32, limit int, filters domain.SearchFilters) ([]service.IndexMatch, error) {
	n := uint64(max(limit, 1))
	results, err := i.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: i.cfg.Collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         searchFilter(tenantID, filters),
		Limit:          &n,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	return lo.Map(results, func(r *qdrant.ScoredPoint, _ int) service.IndexMatch {
		return service.IndexMatch{ChunkID: r.GetId().GetUuid(), Similarity: similarity(r.GetScore())}
	}), nil
}

// Ping calls the Qdrant HealthCheck RPC.
func (i *QdrantIndex) Ping(ctx context.Context) error {
	if _, err := i.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant: health check failed: %w", err)
	}
	return nil
}

// Close closes the underlying Qdrant gRPC connection.
func (i *QdrantIndex) Close() error {
	return i.client.Close()
}
