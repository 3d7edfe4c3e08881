// Package retriever implements the map-knowledge agent.
//
// It exposes three skills over the agent transport: plain similarity
// search, intent-decomposed search for multi-target queries, and a
// recovery search that tries phrasing variations for targets the planner
// could not locate.
package retriever

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/skynav-ai/skynav/pkg/a2a"
	"github.com/skynav-ai/skynav/pkg/config"
	"github.com/skynav-ai/skynav/pkg/model/gemini"
	"github.com/skynav-ai/skynav/pkg/vector"
)

// AgentName is the registry name of this agent.
const AgentName = "retriever"

// Skill identifiers.
const (
	SkillRetrieve        = "retrieve"
	SkillSmartRetrieve   = "smart_retrieve"
	SkillRetrieveMissing = "retrieve_missing"
)

// perTargetTopK bounds each decomposed sub-search.
const perTargetTopK = 3

// overfetch widens the store query so that post-filtering still fills
// top_k.
const overfetch = 3

// Embedder converts text to vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Generator produces strict-JSON completions. Satisfied by the Gemini
// client.
type Generator interface {
	GenerateJSON(ctx context.Context, prompt string, opts *gemini.GenerateOptions) (json.RawMessage, error)
}

// Hit is one retrieved chunk as exposed to other agents.
type Hit struct {
	ChunkText       string  `json:"chunk_text"`
	SimilarityScore float64 `json:"similarity_score"`
	MapID           string  `json:"map_id,omitempty"`
}

// Filters scope a search.
type Filters struct {
	MapID     string   `json:"map_id,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	TopK      int      `json:"top_k,omitempty"`
	Threshold float64  `json:"threshold,omitempty"`
}

// RetrieveRequest is the input of the retrieve skill.
type RetrieveRequest struct {
	Query   string  `json:"query"`
	Filters Filters `json:"filters,omitempty"`
}

// RetrieveResponse is the output of the retrieve skill.
type RetrieveResponse struct {
	Hits       []Hit `json:"hits"`
	TotalFound int   `json:"total_found"`
	DurationMs int64 `json:"duration_ms"`
}

// Intent is the LLM decomposition of a query into search targets.
type Intent struct {
	Targets       []string `json:"targets"`
	Reasoning     string   `json:"reasoning"`
	OriginalQuery string   `json:"original_query"`
}

// SmartRetrieveResponse is the output of the smart_retrieve skill.
type SmartRetrieveResponse struct {
	Hits       []Hit            `json:"hits"`
	TotalFound int              `json:"total_found"`
	Intent     Intent           `json:"intent"`
	PerTarget  map[string][]Hit `json:"per_target,omitempty"`
	DurationMs int64            `json:"duration_ms"`
}

// RetrieveMissingRequest is the input of the retrieve_missing skill.
type RetrieveMissingRequest struct {
	MissingTargets []string `json:"missing_targets"`
	Filters        Filters  `json:"filters,omitempty"`
}

// RetrieveMissingResponse is the output of the retrieve_missing skill.
type RetrieveMissingResponse struct {
	Hits       []Hit               `json:"hits"`
	TotalFound int                 `json:"total_found"`
	Queries    map[string][]string `json:"queries,omitempty"`
	DurationMs int64               `json:"duration_ms"`
}

// Service implements the retriever skills.
type Service struct {
	embedder  Embedder
	generator Generator
	store     vector.Store
	cfg       config.Retrieval
}

// New creates a retriever service.
func New(embedder Embedder, generator Generator, store vector.Store, cfg config.Retrieval) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = config.DefaultTopK
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = config.DefaultThreshold
	}
	if cfg.MissingThreshold <= 0 {
		cfg.MissingThreshold = config.DefaultMissingThreshold
	}
	return &Service{
		embedder:  embedder,
		generator: generator,
		store:     store,
		cfg:       cfg,
	}
}

// RegisterSkills attaches the retriever skills to an agent server.
func (s *Service) RegisterSkills(srv *a2a.Server) {
	srv.RegisterSkill(a2a.Skill{
		ID:           SkillRetrieve,
		Description:  "Similarity search over map knowledge",
		InputSchema:  a2a.SchemaFor(RetrieveRequest{}),
		OutputSchema: a2a.SchemaFor(RetrieveResponse{}),
	}, func(ctx context.Context, task *a2a.Task) (any, error) {
		var req RetrieveRequest
		if err := a2a.DecodeInput(task.Input, &req); err != nil {
			return nil, a2a.Errorf(a2a.KindValidation, "invalid retrieve input: %v", err)
		}
		return s.Retrieve(ctx, req)
	})

	srv.RegisterSkill(a2a.Skill{
		ID:           SkillSmartRetrieve,
		Description:  "Intent-decomposed search for multi-target queries",
		InputSchema:  a2a.SchemaFor(RetrieveRequest{}),
		OutputSchema: a2a.SchemaFor(SmartRetrieveResponse{}),
	}, func(ctx context.Context, task *a2a.Task) (any, error) {
		var req RetrieveRequest
		if err := a2a.DecodeInput(task.Input, &req); err != nil {
			return nil, a2a.Errorf(a2a.KindValidation, "invalid smart_retrieve input: %v", err)
		}
		return s.SmartRetrieve(ctx, req)
	})

	srv.RegisterSkill(a2a.Skill{
		ID:           SkillRetrieveMissing,
		Description:  "Variation search for targets the planner could not locate",
		InputSchema:  a2a.SchemaFor(RetrieveMissingRequest{}),
		OutputSchema: a2a.SchemaFor(RetrieveMissingResponse{}),
	}, func(ctx context.Context, task *a2a.Task) (any, error) {
		var req RetrieveMissingRequest
		if err := a2a.DecodeInput(task.Input, &req); err != nil {
			return nil, a2a.Errorf(a2a.KindValidation, "invalid retrieve_missing input: %v", err)
		}
		return s.RetrieveMissing(ctx, req)
	})
}

// Retrieve embeds the query and returns the top matches above the
// similarity threshold, best first.
func (s *Service) Retrieve(ctx context.Context, req RetrieveRequest) (*RetrieveResponse, error) {
	start := time.Now()

	if req.Query == "" {
		return nil, a2a.Errorf(a2a.KindValidation, "query must not be empty")
	}
	topK, threshold := s.effective(req.Filters)

	hits, err := s.search(ctx, req.Query, topK, threshold, req.Filters)
	if err != nil {
		return nil, err
	}
	hits = finalize(hits, topK)

	return &RetrieveResponse{
		Hits:       hits,
		TotalFound: len(hits),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// SmartRetrieve decomposes the query into concrete targets, searches each
// target plus the original phrasing, and merges the results.
func (s *Service) SmartRetrieve(ctx context.Context, req RetrieveRequest) (*SmartRetrieveResponse, error) {
	start := time.Now()

	if req.Query == "" {
		return nil, a2a.Errorf(a2a.KindValidation, "query must not be empty")
	}
	topK, threshold := s.effective(req.Filters)

	intent := s.decomposeIntent(ctx, req.Query)

	perTarget := make(map[string][]Hit, len(intent.Targets))
	var merged []Hit
	for _, target := range intent.Targets {
		hits, err := s.search(ctx, target, perTargetTopK, threshold, req.Filters)
		if err != nil {
			slog.Warn("Target search failed", "target", target, "error", err)
			continue
		}
		perTarget[target] = hits
		merged = mergeHits(merged, hits)
	}

	// The original phrasing sometimes matches chunks the decomposed
	// targets miss.
	original, err := s.search(ctx, req.Query, topK, threshold, req.Filters)
	if err != nil {
		if len(merged) == 0 {
			return nil, err
		}
		slog.Warn("Fallback search failed", "error", err)
	}
	merged = mergeHits(merged, original)
	merged = finalize(merged, topK)

	return &SmartRetrieveResponse{
		Hits:       merged,
		TotalFound: len(merged),
		Intent:     intent,
		PerTarget:  perTarget,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// RetrieveMissing retries each unresolved target with phrasing
// variations at a relaxed threshold, keeping the best variation per
// target.
func (s *Service) RetrieveMissing(ctx context.Context, req RetrieveMissingRequest) (*RetrieveMissingResponse, error) {
	start := time.Now()

	if len(req.MissingTargets) == 0 {
		return nil, a2a.Errorf(a2a.KindValidation, "missing_targets must not be empty")
	}
	topK, _ := s.effective(req.Filters)
	threshold := s.cfg.MissingThreshold

	queries := make(map[string][]string, len(req.MissingTargets))
	var merged []Hit
	for _, target := range req.MissingTargets {
		variations := searchVariations(target)
		queries[target] = variations

		var best []Hit
		for _, variation := range variations {
			hits, err := s.search(ctx, variation, perTargetTopK, threshold, req.Filters)
			if err != nil {
				slog.Warn("Variation search failed", "variation", variation, "error", err)
				continue
			}
			if len(hits) == 0 {
				continue
			}
			if len(best) == 0 || hits[0].SimilarityScore > best[0].SimilarityScore {
				best = hits
			}
		}
		merged = mergeHits(merged, best)
	}
	merged = finalize(merged, topK)

	return &RetrieveMissingResponse{
		Hits:       merged,
		TotalFound: len(merged),
		Queries:    queries,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// effective resolves per-request filter overrides against the configured
// defaults.
func (s *Service) effective(f Filters) (topK int, threshold float64) {
	topK = f.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	threshold = f.Threshold
	if threshold <= 0 {
		threshold = s.cfg.Threshold
	}
	return topK, threshold
}

// search embeds one query and runs it against the store.
func (s *Service) search(ctx context.Context, query string, topK int, threshold float64, f Filters) ([]Hit, error) {
	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, a2a.Errorf(a2a.KindModel, "embedding failed: %v", err)
	}

	raw, err := s.store.MatchDocuments(ctx, vector.MatchQuery{
		Embedding:  embedding,
		MatchCount: topK + overfetch,
		MapID:      f.MapID,
		Tags:       f.Tags,
		Threshold:  threshold,
	})
	if err != nil {
		return nil, a2a.Errorf(a2a.KindTransport, "vector search failed: %v", err)
	}

	hits := make([]Hit, 0, len(raw))
	for _, r := range raw {
		if r.Similarity < threshold {
			continue
		}
		hits = append(hits, Hit{
			ChunkText:       r.ChunkText,
			SimilarityScore: r.Similarity,
			MapID:           r.MapID,
		})
	}
	sortHits(hits)
	return hits, nil
}

// decomposeIntent asks the model to split the query into search targets.
// Failures degrade to an empty target list; the caller still runs the
// original query.
func (s *Service) decomposeIntent(ctx context.Context, query string) Intent {
	intent := Intent{OriginalQuery: query}

	prompt := `Decompose this drone command into the distinct landmarks or locations it refers to.

Command: ` + query + `

Respond with a JSON object:
{"targets": ["<landmark or location phrase>", ...], "reasoning": "<one sentence>"}

Rules:
- List each concrete landmark, marker, or named location separately.
- Keep the target phrasing close to the command's own wording.
- A command with no landmark references gets an empty targets list.`

	raw, err := s.generator.GenerateJSON(ctx, prompt, &gemini.GenerateOptions{Temperature: 0.1})
	if err != nil {
		slog.Warn("Intent decomposition failed", "error", err)
		return intent
	}

	var parsed struct {
		Targets   []string `json:"targets"`
		Reasoning string   `json:"reasoning"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		slog.Warn("Intent decomposition returned invalid JSON", "error", err)
		return intent
	}

	for _, t := range parsed.Targets {
		if t != "" {
			intent.Targets = append(intent.Targets, t)
		}
	}
	intent.Reasoning = parsed.Reasoning
	return intent
}

// mergeHits deduplicates by chunk text, keeping the higher score.
func mergeHits(into, hits []Hit) []Hit {
	for _, h := range hits {
		found := false
		for i := range into {
			if into[i].ChunkText == h.ChunkText {
				if h.SimilarityScore > into[i].SimilarityScore {
					into[i].SimilarityScore = h.SimilarityScore
				}
				found = true
				break
			}
		}
		if !found {
			into = append(into, h)
		}
	}
	return into
}

// sortHits orders best-first; equal scores keep their insertion order.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].SimilarityScore > hits[j].SimilarityScore
	})
}

// finalize sorts and truncates a merged result set.
func finalize(hits []Hit, topK int) []Hit {
	sortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}
