// Package vector stores and searches capability embeddings. The core keeps
// no authoritative copy of this data: it is rebuilt from the catalog via the
// indexing pipeline and may lag registration by a bounded interval.
package vector

import (
	"context"
	"time"
)

// Record is one embedding entry. (ItemType, Name) is unique.
type Record struct {
	ItemType    string            `json:"item_type"` // tool | prompt | resource | metadata
	Name        string            `json:"name"`
	Category    string            `json:"category,omitempty"`
	Description string            `json:"description,omitempty"`
	Embedding   []float32         `json:"embedding"`
	Keywords    []string          `json:"keywords,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// SourceHashKey is the metadata key recording the definition hash of the
// capability a record was indexed from.
const SourceHashKey = "definition_hash"

// Filters narrow a search or stats call.
type Filters struct {
	ItemType string
	Category string
	Metadata map[string]string
}

// Match is one search result with its cosine similarity in [0, 1].
type Match struct {
	Record Record
	Score  float64
}

// Stats summarizes the index contents.
type Stats struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
}

// Store is the vector index contract. Errors are classified via
// internal/fault: Unavailable is transient and retried by callers,
// InvalidArgument is permanent, NotFound is benign.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	Delete(ctx context.Context, itemType, name string) error
	Get(ctx context.Context, itemType, name string) (Record, error)
	Search(ctx context.Context, queryVec []float32, filters Filters, k int) ([]Match, error)
	Stats(ctx context.Context, filters Filters) (Stats, error)
	// List enumerates (item_type, name) pairs, used by the stale-record
	// sweeper.
	List(ctx context.Context, filters Filters) ([]Record, error)
	Healthy(ctx context.Context) error
}
