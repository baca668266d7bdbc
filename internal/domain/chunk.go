package domain

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Well-known metadata keys.
const (
	MetaQualityScore     = "quality_score"
	MetaCharCount        = "char_count"
	MetaWordCount        = "word_count"
	MetaEmbeddingPending = "embedding_pending"
)

// Metadata is the open JSONB map attached to a chunk.
type Metadata map[string]any

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	case map[string]any:
		*m = Metadata(v)
		return nil
	}
	return fmt.Errorf("metadata: unsupported scan type %T", value)
}

// QualityScore returns the quality signal clamped to [0,1], if one is set.
func (m Metadata) QualityScore() (float64, bool) {
	raw, ok := m[MetaQualityScore]
	if !ok || raw == nil {
		return 0, false
	}
	var q float64
	switch v := raw.(type) {
	case float64:
		q = v
	case float32:
		q = float64(v)
	case int:
		q = float64(v)
	case int64:
		q = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		q = f
	default:
		return 0, false
	}
	return Clamp01(q), true
}

// EmbeddingPending reports whether the chunk is waiting for the embedding worker.
func (m Metadata) EmbeddingPending() bool {
	v, _ := m[MetaEmbeddingPending].(bool)
	return v
}

// Clone returns a shallow copy that is safe to mutate.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// KnowledgeChunk is one versioned, tenant-scoped retrieval unit.
type KnowledgeChunk struct {
	ID          string
	TenantID    string
	Source      string
	ChunkKey    string
	Text        string
	ContentHash string
	Embedding   []float32
	Embedded    bool
	Language    string
	Tags        []string
	Metadata    Metadata
	Version     int
	IsCurrent   bool
	ArchivedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsArchived returns true if the chunk is hidden from default retrieval.
func (c *KnowledgeChunk) IsArchived() bool {
	return c.ArchivedAt != nil
}

// ChunkInput is a single chunk submitted for upsert. Key is the stable
// identity within a source; when empty the input position is used.
type ChunkInput struct {
	Key      string   `json:"key,omitempty"`
	Text     string   `json:"text"`
	Language string   `json:"language,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Metadata Metadata `json:"metadata,omitempty"`
}

// UpsertSummary counts the outcome of a batch upsert.
type UpsertSummary struct {
	Created          int `json:"created"`
	Updated          int `json:"updated"`
	Skipped          int `json:"skipped"`
	EmbeddingPending int `json:"embedding_pending"`
}

// Selector picks chunks for bulk maintenance operations.
type Selector struct {
	IDs             []string
	Source          string
	Before          *time.Time
	IncludeArchived bool
}

// IsEmpty reports whether neither ids nor source were given.
func (s Selector) IsEmpty() bool {
	return len(s.IDs) == 0 && s.Source == ""
}

// SearchFilters narrows a similarity search.
type SearchFilters struct {
	Source          string   `json:"source,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Language        string   `json:"language,omitempty"`
	IncludeArchived bool     `json:"include_archived,omitempty"`
}

// RetrievalHit is a ranked search result. Similarity is the raw bounded
// similarity; Score is the similarity after quality boosting.
type RetrievalHit struct {
	ChunkID    string    `json:"chunk_id"`
	Source     string    `json:"source"`
	Text       string    `json:"text"`
	Similarity float64   `json:"similarity"`
	Score      float64   `json:"score"`
	Language   string    `json:"language,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Metadata   Metadata  `json:"metadata,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ReindexSummary reports a re-embedding pass.
type ReindexSummary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// NormalizeText trims and collapses all whitespace runs to a single space.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// ContentHash is the dedup fingerprint of a chunk text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// NormalizeTags lower-cases, trims and de-duplicates tags, dropping blanks.
func NormalizeTags(tags []string) []string {
	out := lo.Uniq(lo.FilterMap(tags, func(t string, _ int) (string, bool) {
		t = strings.ToLower(strings.TrimSpace(t))
		return t, t != ""
	}))
	if len(out) == 0 {
		return []string{}
	}
	return out
}

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
