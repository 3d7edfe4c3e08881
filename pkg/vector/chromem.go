package vector

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
)

const chromemCollection = "documents"

// ChromemStore is an embedded in-memory store backed by chromem-go.
// It is the default when neither Postgres nor Supabase is configured, and
// the backend unit tests run against.
type ChromemStore struct {
	db *chromem.DB
	mu sync.Mutex

	collection *chromem.Collection
}

// NewChromemStore creates an empty in-memory store.
func NewChromemStore() *ChromemStore {
	return &ChromemStore{db: chromem.NewDB()}
}

func (s *ChromemStore) getCollection() (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.collection != nil {
		return s.collection, nil
	}

	// Embeddings are pre-computed by the retriever; the embedding func
	// must never run.
	identity := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called for pre-computed vectors")
	}

	col, err := s.db.GetOrCreateCollection(chromemCollection, nil, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}
	s.collection = col
	return col, nil
}

// MatchDocuments performs cosine-similarity search with optional map
// scoping and threshold filtering.
func (s *ChromemStore) MatchDocuments(ctx context.Context, q MatchQuery) ([]Hit, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	col, err := s.getCollection()
	if err != nil {
		return nil, err
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}

	// chromem rejects nResults larger than the collection size.
	n := q.MatchCount
	if n > count {
		n = count
	}

	var where map[string]string
	if q.MapID != "" {
		where = map[string]string{"map_id": q.MapID}
	}

	results, err := col.QueryEmbedding(ctx, q.Embedding, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		similarity := float64(r.Similarity)
		if similarity < q.Threshold {
			continue
		}
		hits = append(hits, Hit{
			ID:         r.ID,
			ChunkText:  r.Content,
			MapID:      r.Metadata["map_id"],
			Similarity: similarity,
		})
	}
	return hits, nil
}

// Insert adds a document with its pre-computed embedding.
func (s *ChromemStore) Insert(ctx context.Context, doc Document) error {
	if err := validateDocument(doc); err != nil {
		return err
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}

	col, err := s.getCollection()
	if err != nil {
		return err
	}

	metadata := map[string]string{}
	if doc.MapID != "" {
		metadata["map_id"] = doc.MapID
	}

	err = col.AddDocuments(ctx, []chromem.Document{{
		ID:        doc.ID,
		Content:   doc.ChunkText,
		Metadata:  metadata,
		Embedding: doc.Embedding,
	}}, runtime.NumCPU())
	if err != nil {
		return fmt.Errorf("document insert failed: %w", err)
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *ChromemStore) Close() error {
	return nil
}

var _ Store = (*ChromemStore)(nil)
