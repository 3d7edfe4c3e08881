package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSubmitTimeout bounds a task submission when the caller does not
// impose its own deadline.
const DefaultSubmitTimeout = 120 * time.Second

// SubmitOptions tune a single Submit call.
type SubmitOptions struct {
	SessionID string
	Context   map[string]any
	Timeout   time.Duration
}

// Client dispatches tasks to agents by name. The registry is populated at
// startup and read-only afterwards.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration

	mu       sync.RWMutex
	registry map[string]string // agent name -> base URL
}

// NewClient creates a client with the given default per-call timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	return &Client{
		httpClient: &http.Client{},
		timeout:    timeout,
		registry:   make(map[string]string),
	}
}

// Register maps an agent name to its base URL.
func (c *Client) Register(agent, baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry[agent] = baseURL
}

func (c *Client) baseURL(agent string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	url, ok := c.registry[agent]
	return url, ok
}

// Submit sends a task to an agent and always returns a TaskResult: network
// failures, timeouts, and non-OK responses become failed results so the
// caller never has to branch on transport mechanics.
func (c *Client) Submit(ctx context.Context, agent, skill string, input map[string]any, opts *SubmitOptions) *TaskResult {
	start := time.Now()
	task := Task{
		ID:        uuid.NewString(),
		Skill:     skill,
		Input:     input,
		CreatedAt: start,
	}

	timeout := c.timeout
	if opts != nil {
		task.SessionID = opts.SessionID
		task.Context = opts.Context
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
	}

	failed := func(err error) *TaskResult {
		return &TaskResult{
			TaskID:      task.ID,
			Success:     false,
			Error:       Errorf(KindTransport, "%s/%s: %v", agent, skill, err).Error(),
			DurationMs:  time.Since(start).Milliseconds(),
			CompletedAt: time.Now(),
		}
	}

	base, ok := c.baseURL(agent)
	if !ok {
		return failed(fmt.Errorf("agent not registered"))
	}

	body, err := json.Marshal(task)
	if err != nil {
		return failed(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, base+"/tasks", bytes.NewReader(body))
	if err != nil {
		return failed(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return failed(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return failed(fmt.Errorf("unexpected status %s: %s", resp.Status, respBody))
	}

	var result TaskResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return failed(fmt.Errorf("failed to decode result: %w", err))
	}
	return &result
}

// Ping checks an agent's liveness endpoint.
func (c *Client) Ping(ctx context.Context, agent string) error {
	base, ok := c.baseURL(agent)
	if !ok {
		return fmt.Errorf("agent %q not registered", agent)
	}

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, base+"/ping", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping %s failed: %w", agent, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping %s: unexpected status %s", agent, resp.Status)
	}
	return nil
}

// Discover fetches an agent's card.
func (c *Client) Discover(ctx context.Context, agent string) (*AgentCard, error) {
	base, ok := c.baseURL(agent)
	if !ok {
		return nil, fmt.Errorf("agent %q not registered", agent)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+WellKnownAgentPath, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch agent card: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent card %s: unexpected status %s", agent, resp.Status)
	}

	var card AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("failed to decode agent card: %w", err)
	}
	return &card, nil
}

// Agents returns the registered agent names.
func (c *Client) Agents() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.registry))
	for name := range c.registry {
		names = append(names, name)
	}
	return names
}
