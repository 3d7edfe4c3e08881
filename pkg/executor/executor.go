// Package executor implements the tool agent.
//
// It owns the single connection to the drone tool endpoint, a child
// process spoken to over MCP stdio. Tools are discovered once and cached
// by name; a cache miss triggers exactly one automatic refresh before the
// step fails. Steps within a plan always run serially.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/skynav-ai/skynav/pkg/a2a"
	"github.com/skynav-ai/skynav/pkg/config"
	"github.com/skynav-ai/skynav/pkg/drone"
)

// AgentName is the registry name of this agent.
const AgentName = "executor"

// Skill identifiers.
const (
	SkillListTools     = "list_tools"
	SkillGetDroneState = "get_drone_state"
	SkillExecute       = "execute"
)

// ListToolsResponse is the output of the list_tools skill.
type ListToolsResponse struct {
	Tools []drone.ToolDescriptor `json:"tools"`
}

// ExecuteRequest is the input of the execute skill. StopOnError defaults
// to true.
type ExecuteRequest struct {
	Steps       []drone.PlanStep `json:"steps"`
	StopOnError *bool            `json:"stop_on_error,omitempty"`
}

// StepResult records one executed step.
type StepResult struct {
	Index      int            `json:"index"`
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args"`
	Success    bool           `json:"success"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// ExecuteResponse is the output of the execute skill.
type ExecuteResponse struct {
	Results         []StepResult `json:"results"`
	AllSuccess      bool         `json:"all_success"`
	CompletedSteps  int          `json:"completed_steps"`
	TotalSteps      int          `json:"total_steps"`
	TotalDurationMs int64        `json:"total_duration_ms"`
}

// session is the slice of the MCP client the executor consumes.
type session interface {
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// dialFunc establishes the tool-endpoint connection. onProgress fires on
// MCP progress notifications.
type dialFunc func(ctx context.Context, onProgress func()) (session, error)

// Service implements the executor skills.
type Service struct {
	cfg  config.MCP
	dial dialFunc

	mu       sync.Mutex
	sess     session
	tools    map[string]drone.ToolDescriptor
	order    []string
	progress chan struct{}
}

// New creates an executor that launches the configured MCP child process
// on first use.
func New(cfg config.MCP) *Service {
	s := newService(cfg, nil)
	s.dial = func(ctx context.Context, onProgress func()) (session, error) {
		return dialStdio(ctx, cfg, onProgress)
	}
	return s
}

func newService(cfg config.MCP, dial dialFunc) *Service {
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	if cfg.MissionTimeout <= 0 {
		cfg.MissionTimeout = 30 * time.Minute
	}
	return &Service{
		cfg:      cfg,
		dial:     dial,
		progress: make(chan struct{}, 1),
	}
}

// RegisterSkills attaches the executor skills to an agent server.
func (s *Service) RegisterSkills(srv *a2a.Server) {
	srv.RegisterSkill(a2a.Skill{
		ID:           SkillListTools,
		Description:  "Refresh and return the drone tool catalog",
		OutputSchema: a2a.SchemaFor(ListToolsResponse{}),
	}, func(ctx context.Context, task *a2a.Task) (any, error) {
		return s.ListTools(ctx)
	})

	srv.RegisterSkill(a2a.Skill{
		ID:           SkillGetDroneState,
		Description:  "Read the drone state snapshot",
		OutputSchema: a2a.SchemaFor(drone.State{}),
	}, func(ctx context.Context, task *a2a.Task) (any, error) {
		return s.GetDroneState(ctx)
	})

	srv.RegisterSkill(a2a.Skill{
		ID:           SkillExecute,
		Description:  "Run plan steps against the drone, in order",
		InputSchema:  a2a.SchemaFor(ExecuteRequest{}),
		OutputSchema: a2a.SchemaFor(ExecuteResponse{}),
	}, func(ctx context.Context, task *a2a.Task) (any, error) {
		var req ExecuteRequest
		if err := a2a.DecodeInput(task.Input, &req); err != nil {
			return nil, a2a.Errorf(a2a.KindValidation, "invalid execute input: %v", err)
		}
		return s.Execute(ctx, req)
	})
}

// ListTools refreshes the cache and returns the catalog.
func (s *Service) ListTools(ctx context.Context) (*ListToolsResponse, error) {
	if err := s.refreshTools(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tools := make([]drone.ToolDescriptor, 0, len(s.order))
	for _, name := range s.order {
		tools = append(tools, s.tools[name])
	}
	return &ListToolsResponse{Tools: tools}, nil
}

// GetDroneState calls the drone.get_state tool and decodes its payload.
func (s *Service) GetDroneState(ctx context.Context) (*drone.State, error) {
	if _, err := s.lookupTool(ctx, drone.ToolGetState); err != nil {
		return nil, a2a.Errorf(a2a.KindMissingTool, "%s is not available: %v", drone.ToolGetState, err)
	}

	payload, err := s.callTool(ctx, drone.ToolGetState, nil)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, a2a.Errorf(a2a.KindToolInvocation, "unreadable state payload: %v", err)
	}
	var state drone.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, a2a.Errorf(a2a.KindToolInvocation, "unreadable state payload: %v", err)
	}
	return &state, nil
}

// Execute runs the steps serially, stopping at the first failure when
// stop_on_error is set.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	stopOnError := true
	if req.StopOnError != nil {
		stopOnError = *req.StopOnError
	}

	resp := &ExecuteResponse{
		Results:    make([]StepResult, 0, len(req.Steps)),
		AllSuccess: true,
		TotalSteps: len(req.Steps),
	}

	for i, step := range req.Steps {
		start := time.Now()
		record := StepResult{Index: i, Tool: step.Tool, Args: step.Args}

		if _, err := s.lookupTool(ctx, step.Tool); err != nil {
			record.Error = a2a.Errorf(a2a.KindUnknownTool, "%s: %v", step.Tool, err).Error()
		} else if result, err := s.callTool(ctx, step.Tool, step.Args); err != nil {
			record.Error = err.Error()
		} else {
			record.Success = true
			record.Result = result
		}

		record.DurationMs = time.Since(start).Milliseconds()
		resp.TotalDurationMs += record.DurationMs
		resp.Results = append(resp.Results, record)
		resp.CompletedSteps++

		if !record.Success {
			resp.AllSuccess = false
			slog.Warn("Step failed", "index", i, "tool", step.Tool, "error", record.Error)
			if stopOnError {
				break
			}
		}
	}

	return resp, nil
}

// Close terminates the tool endpoint child process.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess == nil {
		return nil
	}
	err := s.sess.Close()
	s.sess = nil
	s.tools = nil
	s.order = nil
	return err
}

// ensureConnected dials and caches the catalog on first use.
func (s *Service) ensureConnected(ctx context.Context) error {
	s.mu.Lock()
	connected := s.sess != nil
	s.mu.Unlock()
	if connected {
		return nil
	}

	sess, err := s.dial(ctx, s.notifyProgress)
	if err != nil {
		return a2a.Errorf(a2a.KindTransport, "tool endpoint connection failed: %v", err)
	}

	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()

	return s.listInto(ctx, sess)
}

func (s *Service) notifyProgress() {
	select {
	case s.progress <- struct{}{}:
	default:
	}
}

// refreshTools re-lists the endpoint's tools and rebuilds the cache.
func (s *Service) refreshTools(ctx context.Context) error {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()

	if sess == nil {
		// First use; connecting also populates the cache.
		return s.ensureConnected(ctx)
	}
	return s.listInto(ctx, sess)
}

func (s *Service) listInto(ctx context.Context, sess session) error {
	resp, err := sess.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return a2a.Errorf(a2a.KindTransport, "tool listing failed: %v", err)
	}

	tools := make(map[string]drone.ToolDescriptor, len(resp.Tools))
	order := make([]string, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		tools[t.Name] = drone.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		}
		order = append(order, t.Name)
	}

	s.mu.Lock()
	s.tools = tools
	s.order = order
	s.mu.Unlock()

	slog.Debug("Tool catalog refreshed", "tools", len(order))
	return nil
}

// lookupTool resolves a name from the cache, refreshing once on a miss.
func (s *Service) lookupTool(ctx context.Context, name string) (drone.ToolDescriptor, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return drone.ToolDescriptor{}, err
	}

	s.mu.Lock()
	tool, ok := s.tools[name]
	s.mu.Unlock()
	if ok {
		return tool, nil
	}

	if err := s.refreshTools(ctx); err != nil {
		return drone.ToolDescriptor{}, err
	}

	s.mu.Lock()
	tool, ok = s.tools[name]
	s.mu.Unlock()
	if !ok {
		return drone.ToolDescriptor{}, fmt.Errorf("not in catalog")
	}
	return tool, nil
}

// callTool invokes one tool with the timeout policy for its name and
// parses the response content.
func (s *Service) callTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	var resp *mcp.CallToolResult
	var err error
	if name == drone.ToolRunMission {
		resp, err = s.callWithMissionWatchdog(ctx, sess, req)
	} else {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.ToolTimeout)
		resp, err = sess.CallTool(callCtx, req)
		cancel()
	}
	if err != nil {
		return nil, a2a.Errorf(a2a.KindToolInvocation, "%s failed: %v", name, err)
	}

	return parseToolResult(name, resp)
}

// callWithMissionWatchdog runs a mission call under the mission ceiling,
// resetting the deadline whenever the endpoint reports progress. The
// default per-tool timeout never cancels a mission.
func (s *Service) callWithMissionWatchdog(ctx context.Context, sess session, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		resp *mcp.CallToolResult
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := sess.CallTool(callCtx, req)
		done <- outcome{resp: resp, err: err}
	}()

	timer := time.NewTimer(s.cfg.MissionTimeout)
	defer timer.Stop()

	for {
		select {
		case out := <-done:
			return out.resp, out.err
		case <-s.progress:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.cfg.MissionTimeout)
		case <-timer.C:
			cancel()
			<-done
			return nil, fmt.Errorf("no progress for %v", s.cfg.MissionTimeout)
		case <-ctx.Done():
			cancel()
			<-done
			return nil, ctx.Err()
		}
	}
}

// parseToolResult turns MCP content blocks into a result value. Text
// blocks carrying JSON are decoded; plain text becomes {text: ...}.
func parseToolResult(name string, resp *mcp.CallToolResult) (any, error) {
	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}

	if resp.IsError {
		msg := "unknown error"
		if len(texts) > 0 {
			msg = texts[0]
		}
		return nil, a2a.Errorf(a2a.KindToolInvocation, "%s: %s", name, msg)
	}

	switch len(texts) {
	case 0:
		return map[string]any{}, nil
	case 1:
		return parseTextPayload(texts[0]), nil
	default:
		parsed := make([]any, len(texts))
		for i, t := range texts {
			parsed[i] = parseTextPayload(t)
		}
		return map[string]any{"results": parsed}, nil
	}
}

func parseTextPayload(text string) any {
	var value any
	if err := json.Unmarshal([]byte(text), &value); err == nil {
		switch value.(type) {
		case map[string]any, []any:
			return value
		}
	}
	return map[string]any{"text": text}
}
