// Package vector provides the similarity store used for landmark
// retrieval.
//
// Three backends implement the same Store interface: the Supabase
// PostgREST RPC, a direct Postgres connection, and an embedded in-memory
// store for development and tests. All of them speak the same
// match_documents contract: cosine similarity in [0,1], filtered by a
// threshold, optionally scoped to one map.
package vector

import (
	"context"
	"fmt"
)

// Dimension is the embedding dimensionality, fixed across the embedding
// model request and the database column type.
const Dimension = 768

// Document is one stored chunk with its embedding.
type Document struct {
	ID        string    `json:"id"`
	MapID     string    `json:"map_id,omitempty"`
	ChunkText string    `json:"chunk_text"`
	Embedding []float32 `json:"embedding"`
}

// Hit is one similarity-search result.
type Hit struct {
	ID         string  `json:"id"`
	ChunkText  string  `json:"chunk_text"`
	MapID      string  `json:"map_id,omitempty"`
	Similarity float64 `json:"similarity"`
}

// MatchQuery parametrizes one similarity search.
type MatchQuery struct {
	Embedding  []float32
	MatchCount int
	MapID      string
	Tags       []string
	Threshold  float64
}

// Store is the similarity store contract.
type Store interface {
	// MatchDocuments returns hits with similarity >= Threshold, most
	// similar first, at most MatchCount of them.
	MatchDocuments(ctx context.Context, q MatchQuery) ([]Hit, error)

	// Insert stores a document with its embedding.
	Insert(ctx context.Context, doc Document) error

	// Close releases the backend connection.
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	// DatabaseURL selects the direct Postgres backend.
	DatabaseURL string

	// SupabaseURL plus ServiceRoleKey select the PostgREST backend.
	SupabaseURL    string
	ServiceRoleKey string
}

// New picks a backend: Postgres when a DSN is configured, Supabase when a
// project URL is configured, otherwise the embedded in-memory store.
func New(opts Options) (Store, error) {
	switch {
	case opts.DatabaseURL != "":
		return NewPostgresStore(opts.DatabaseURL)
	case opts.SupabaseURL != "":
		return NewSupabaseStore(opts.SupabaseURL, opts.ServiceRoleKey)
	default:
		return NewChromemStore(), nil
	}
}

func validateQuery(q MatchQuery) error {
	if len(q.Embedding) != Dimension {
		return fmt.Errorf("query embedding has dimension %d, want %d", len(q.Embedding), Dimension)
	}
	if q.MatchCount <= 0 {
		return fmt.Errorf("match count must be positive, got %d", q.MatchCount)
	}
	return nil
}

func validateDocument(doc Document) error {
	if doc.ChunkText == "" {
		return fmt.Errorf("document chunk text is empty")
	}
	if len(doc.Embedding) != Dimension {
		return fmt.Errorf("document embedding has dimension %d, want %d", len(doc.Embedding), Dimension)
	}
	return nil
}
