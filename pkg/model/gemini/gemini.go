// Package gemini wraps the two Gemini capabilities the agents consume:
// strict-JSON generation and text embedding.
//
// Uses the official google.golang.org/genai SDK. JSON generation requests
// application/json output and still validates defensively: code fences are
// stripped and anything that is not a JSON object is rejected.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Config contains the Gemini client configuration.
type Config struct {
	// APIKey is the Google AI API key.
	APIKey string

	// Model is the generation model name (e.g. "gemini-2.5-flash").
	Model string

	// EmbeddingModel is the embedding model name.
	EmbeddingModel string

	// EmbeddingDimension is the requested output dimensionality.
	// Must match the vector store column type.
	EmbeddingDimension int
}

// GenerateOptions tune one generation call.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
}

// Client talks to Gemini. Safe for concurrent use; the underlying SDK
// client handles its own synchronization.
type Client struct {
	client *genai.Client
	cfg    Config
}

// New creates a Gemini client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "gemini-embedding-001"
	}
	if cfg.EmbeddingDimension == 0 {
		cfg.EmbeddingDimension = 768
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Client{client: client, cfg: cfg}, nil
}

// GenerateJSON runs one completion and returns the response as a raw JSON
// object.
func (c *Client) GenerateJSON(ctx context.Context, prompt string, opts *GenerateOptions) (json.RawMessage, error) {
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}
	if opts != nil {
		config.Temperature = genai.Ptr(float32(opts.Temperature))
		if opts.MaxTokens > 0 {
			config.MaxOutputTokens = int32(opts.MaxTokens)
		}
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.cfg.Model, genai.Text(prompt), config)
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	text := responseText(resp)
	if text == "" {
		return nil, fmt.Errorf("empty response from model")
	}

	return ExtractJSONObject(text)
}

// Embed converts text to a vector embedding.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch converts multiple texts to vector embeddings in one call.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	dim := int32(c.cfg.EmbeddingDimension)
	resp, err := c.client.Models.EmbedContent(ctx, c.cfg.EmbeddingModel, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if len(e.Values) != c.cfg.EmbeddingDimension {
			return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(e.Values), c.cfg.EmbeddingDimension)
		}
		vectors[i] = e.Values
	}
	return vectors, nil
}

// Dimension returns the embedding dimensionality.
func (c *Client) Dimension() int {
	return c.cfg.EmbeddingDimension
}

// Model returns the generation model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// ExtractJSONObject strips code-fence wrappers and surrounding prose and
// returns the first JSON object in the text. Models occasionally wrap
// structured output in fences even when asked for raw JSON.
func ExtractJSONObject(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)

	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in model response")
	}
	candidate := trimmed[start : end+1]

	if !json.Valid([]byte(candidate)) {
		return nil, fmt.Errorf("model response is not valid JSON")
	}
	return json.RawMessage(candidate), nil
}
