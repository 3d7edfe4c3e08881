package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SupabaseStore talks to the Supabase PostgREST API: the match_documents
// stored procedure for search and the documents table for inserts.
type SupabaseStore struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

// NewSupabaseStore creates a store for the given project URL and service
// role key.
func NewSupabaseStore(projectURL, serviceRoleKey string) (*SupabaseStore, error) {
	if serviceRoleKey == "" {
		return nil, fmt.Errorf("service role key is required")
	}
	return &SupabaseStore{
		baseURL:    strings.TrimSuffix(projectURL, "/"),
		serviceKey: serviceRoleKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type matchDocumentsParams struct {
	QueryEmbedding []float32 `json:"query_embedding"`
	MatchCount     int       `json:"match_count"`
	FilterMapID    *string   `json:"filter_map_id"`
	FilterTags     []string  `json:"filter_tags"`
	MatchThreshold float64   `json:"match_threshold"`
}

// MatchDocuments calls the match_documents RPC.
func (s *SupabaseStore) MatchDocuments(ctx context.Context, q MatchQuery) ([]Hit, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	params := matchDocumentsParams{
		QueryEmbedding: q.Embedding,
		MatchCount:     q.MatchCount,
		FilterTags:     q.Tags,
		MatchThreshold: q.Threshold,
	}
	if q.MapID != "" {
		params.FilterMapID = &q.MapID
	}

	var hits []Hit
	if err := s.post(ctx, "/rest/v1/rpc/match_documents", params, &hits); err != nil {
		return nil, fmt.Errorf("match_documents failed: %w", err)
	}
	return hits, nil
}

// Insert adds a row to the documents table.
func (s *SupabaseStore) Insert(ctx context.Context, doc Document) error {
	if err := validateDocument(doc); err != nil {
		return err
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}

	row := map[string]any{
		"id":         doc.ID,
		"chunk_text": doc.ChunkText,
		"embedding":  doc.Embedding,
	}
	if doc.MapID != "" {
		row["map_id"] = doc.MapID
	}

	if err := s.post(ctx, "/rest/v1/documents", row, nil); err != nil {
		return fmt.Errorf("document insert failed: %w", err)
	}
	return nil
}

// Close is a no-op; the HTTP client holds no persistent connection state
// worth tearing down.
func (s *SupabaseStore) Close() error {
	return nil
}

func (s *SupabaseStore) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, respBody)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

var _ Store = (*SupabaseStore)(nil)
