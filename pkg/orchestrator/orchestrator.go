// Package orchestrator drives the ReAct loop over the other agents.
//
// One chat request runs retrieve, plan, act, observe, reflect until the
// reflection declares the goal achieved with enough confidence or the
// iteration budget runs out. Preparation stages are best-effort; only a
// failed plan is fatal. Every failed request still produces a well-formed
// response with a natural-language answer.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skynav-ai/skynav/pkg/a2a"
	"github.com/skynav-ai/skynav/pkg/config"
	"github.com/skynav-ai/skynav/pkg/drone"
	"github.com/skynav-ai/skynav/pkg/events"
	"github.com/skynav-ai/skynav/pkg/executor"
	"github.com/skynav-ai/skynav/pkg/observability"
	"github.com/skynav-ai/skynav/pkg/planner"
	"github.com/skynav-ai/skynav/pkg/retriever"
	"github.com/skynav-ai/skynav/pkg/session"
)

// AgentName is the registry name of this agent.
const AgentName = "orchestrator"

// SkillChat is the orchestrator's single skill.
const SkillChat = "chat"

// confidenceGate is the minimum reflection confidence that lets the loop
// exit with goal_achieved.
const confidenceGate = 0.8

// Submitter dispatches tasks to other agents. Satisfied by the transport
// client.
type Submitter interface {
	Submit(ctx context.Context, agent, skill string, input map[string]any, opts *a2a.SubmitOptions) *a2a.TaskResult
}

// ChatRequest is one user message. RequestID lets the caller pre-assign
// the id events are tagged with; one is generated when empty.
type ChatRequest struct {
	Message   string            `json:"message"`
	SessionID string            `json:"session_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	MapID     string            `json:"map_id,omitempty"`
	Filters   retriever.Filters `json:"filters,omitempty"`
}

// ChatResponse is the full per-request outcome.
type ChatResponse struct {
	SessionID          string                `json:"session_id"`
	RequestID          string                `json:"request_id"`
	Success            bool                  `json:"success"`
	Answer             string                `json:"answer"`
	Error              string                `json:"error,omitempty"`
	NeedsClarification bool                  `json:"needs_clarification,omitempty"`
	Plan               *planner.Plan         `json:"plan,omitempty"`
	Reasoning          string                `json:"reasoning,omitempty"`
	ToolCalls          []executor.StepResult `json:"tool_calls,omitempty"`
	RagHits            []retriever.Hit       `json:"rag_hits,omitempty"`
	ExecutionSuccess   bool                  `json:"execution_success"`
	GoalAchieved       bool                  `json:"goal_achieved"`
	ReactIterations    int                   `json:"react_iterations"`
	RagRetries         int                   `json:"rag_retries"`
	Reflections        []planner.Reflection  `json:"reflections,omitempty"`
	DurationMs         int64                 `json:"duration_ms"`
}

// Service implements the orchestrator.
type Service struct {
	client   Submitter
	sessions *session.Store
	bus      *events.Bus
	metrics  *observability.Metrics
	cfg      config.Loop
}

// New creates an orchestrator.
func New(client Submitter, sessions *session.Store, bus *events.Bus, metrics *observability.Metrics, cfg config.Loop) *Service {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = config.DefaultMaxIterations
	}
	if cfg.MaxRagRetries < 0 {
		cfg.MaxRagRetries = config.DefaultMaxRagRetries
	}
	return &Service{
		client:   client,
		sessions: sessions,
		bus:      bus,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// Sessions exposes the session store for the HTTP layer.
func (s *Service) Sessions() *session.Store { return s.sessions }

// Bus exposes the event bus for streaming subscribers.
func (s *Service) Bus() *events.Bus { return s.bus }

// RegisterSkills attaches the chat skill to an agent server.
func (s *Service) RegisterSkills(srv *a2a.Server) {
	srv.RegisterSkill(a2a.Skill{
		ID:           SkillChat,
		Description:  "Natural-language drone control",
		InputSchema:  a2a.SchemaFor(ChatRequest{}),
		OutputSchema: a2a.SchemaFor(ChatResponse{}),
	}, func(ctx context.Context, task *a2a.Task) (any, error) {
		var req ChatRequest
		if err := a2a.DecodeInput(task.Input, &req); err != nil {
			return nil, a2a.Errorf(a2a.KindValidation, "invalid chat input: %v", err)
		}
		if req.SessionID == "" {
			req.SessionID = task.SessionID
		}
		return s.Chat(ctx, req)
	})
}

// Chat runs one request through the loop.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, a2a.Errorf(a2a.KindValidation, "message must not be empty")
	}
	if req.MapID != "" && req.Filters.MapID == "" {
		req.Filters.MapID = req.MapID
	}

	sess := s.sessions.GetOrCreate(req.SessionID)
	sess.Lock()
	defer sess.Unlock()

	start := time.Now()
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	sess.Append(session.RoleUser, req.Message)

	s.emit(requestID, events.TypeRequestStart, AgentName, "request", map[string]any{
		"session_id": sess.ID(),
		"message":    req.Message,
	})

	resp := s.run(ctx, requestID, sess, req)
	resp.SessionID = sess.ID()
	resp.RequestID = requestID
	resp.DurationMs = time.Since(start).Milliseconds()

	sess.Append(session.RoleAssistant, resp.Answer)

	s.emit(requestID, events.TypeRequestEnd, AgentName, "request", map[string]any{
		"success":       resp.Success,
		"goal_achieved": resp.GoalAchieved,
		"iterations":    resp.ReactIterations,
		"duration_ms":   resp.DurationMs,
	})

	switch {
	case resp.NeedsClarification:
		s.metrics.ObserveRequest(observability.OutcomeClarify)
	case resp.Success:
		s.metrics.ObserveRequest(observability.OutcomeSuccess)
	default:
		s.metrics.ObserveRequest(observability.OutcomeError)
	}
	s.metrics.ObserveIterations(resp.ReactIterations)

	return resp, nil
}

// run executes preparation plus the bounded loop and aggregates the
// response.
func (s *Service) run(ctx context.Context, requestID string, sess *session.Session, req ChatRequest) *ChatResponse {
	resp := &ChatResponse{}

	ragHits := s.prepRetrieve(ctx, requestID, sess.ID(), req)
	state := s.fetchState(ctx, requestID)
	tools := s.fetchTools(ctx, requestID)

	var (
		lastPlan    *planner.Plan
		answerParts []string
		executed    bool
		emptyPlan   bool
	)

	iteration := 0
	for iteration < s.cfg.MaxIterations && !resp.GoalAchieved {
		iteration++
		resp.ReactIterations = iteration

		plan, err := s.plan(ctx, requestID, sess.ID(), req.Message, ragHits, state, tools)
		if err != nil {
			resp.RagHits = ragHits
			resp.Error = err.Error()
			resp.Answer = failureAnswer(err)
			return resp
		}
		lastPlan = plan

		if plan.NeedsClarification {
			if len(plan.MissingLocations) > 0 && resp.RagRetries < s.cfg.MaxRagRetries {
				resp.RagRetries++
				added := s.retryRetrieve(ctx, requestID, req, plan.MissingLocations, &ragHits)
				if added > 0 {
					// Re-planning with the recovered context consumes an
					// iteration like any other planning attempt.
					continue
				}
			}
			resp.Success = true
			resp.NeedsClarification = true
			resp.Plan = plan
			resp.Reasoning = plan.Reasoning
			resp.RagHits = ragHits
			resp.Answer = plan.ClarificationQuestion
			if resp.Answer == "" {
				resp.Answer = "I need more information to carry out that request."
			}
			return resp
		}

		if len(plan.Steps) == 0 {
			// An empty plan means the request is already satisfied.
			resp.GoalAchieved = true
			emptyPlan = true
			break
		}

		execResult := s.execute(ctx, requestID, sess.ID(), plan.Steps)
		if execResult != nil {
			executed = true
			resp.ToolCalls = append(resp.ToolCalls, execResult.Results...)
			resp.ExecutionSuccess = execResult.AllSuccess
		} else {
			resp.ExecutionSuccess = false
		}

		state = s.observe(ctx, requestID, state)

		reflection, err := s.reflect(ctx, requestID, sess.ID(), req.Message, plan, execResult, state, ragHits, tools)
		if err != nil {
			// Reflection failure exits assuming completion so achieved
			// execution results still reach the user.
			slog.Warn("Reflection failed, ending loop", "request_id", requestID, "error", err)
			resp.GoalAchieved = resp.ExecutionSuccess
			break
		}
		resp.Reflections = append(resp.Reflections, *reflection)

		if reflection.GoalAchieved && reflection.Confidence >= confidenceGate {
			resp.GoalAchieved = true
			break
		}
		if len(reflection.NextSteps) == 0 {
			break
		}
	}

	resp.Success = true
	resp.Plan = lastPlan
	resp.RagHits = ragHits
	if lastPlan != nil {
		resp.Reasoning = lastPlan.Reasoning
		if lastPlan.Reasoning != "" {
			answerParts = append(answerParts, lastPlan.Reasoning)
		}
	}
	if emptyPlan {
		answerParts = append(answerParts, "Nothing to execute.")
	}
	if executed {
		succeeded := 0
		for _, call := range resp.ToolCalls {
			if call.Success {
				succeeded++
			}
		}
		answerParts = append(answerParts, fmt.Sprintf("Executed %d steps (%d succeeded).", len(resp.ToolCalls), succeeded))
	}
	if n := len(resp.Reflections); n > 0 {
		if summary := resp.Reflections[n-1].Summary; summary != "" {
			answerParts = append(answerParts, summary)
		}
	}
	if resp.ReactIterations > 1 {
		answerParts = append(answerParts, fmt.Sprintf("Finished after %d iterations.", resp.ReactIterations))
	}
	resp.Answer = strings.Join(answerParts, " ")
	if resp.Answer == "" {
		resp.Answer = "Done."
	}
	return resp
}

// prepRetrieve runs the best-effort smart retrieval.
func (s *Service) prepRetrieve(ctx context.Context, requestID, sessionID string, req ChatRequest) []retriever.Hit {
	start := time.Now()
	s.emit(requestID, events.TypeRetrievalStart, retriever.AgentName, "prep", map[string]any{"query": req.Message})

	result := s.client.Submit(ctx, retriever.AgentName, retriever.SkillSmartRetrieve, asInput(retriever.RetrieveRequest{
		Query:   req.Message,
		Filters: req.Filters,
	}), &a2a.SubmitOptions{SessionID: sessionID})

	var hits []retriever.Hit
	if result.Success {
		var out retriever.SmartRetrieveResponse
		if err := a2a.DecodeOutput(result, &out); err != nil {
			slog.Warn("Undecodable retrieval output", "request_id", requestID, "error", err)
		} else {
			hits = out.Hits
		}
	} else {
		slog.Warn("Retrieval failed, continuing without context", "request_id", requestID, "error", result.Error)
	}

	s.emit(requestID, events.TypeRetrievalEnd, retriever.AgentName, "prep", map[string]any{
		"hits":        len(hits),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	s.metrics.ObserveStage("retrieve", time.Since(start))
	return hits
}

// fetchState reads the drone state, best-effort.
func (s *Service) fetchState(ctx context.Context, requestID string) *drone.State {
	start := time.Now()
	s.emit(requestID, events.TypeStateStart, executor.AgentName, "prep", nil)

	var state *drone.State
	result := s.client.Submit(ctx, executor.AgentName, executor.SkillGetDroneState, nil, nil)
	if result.Success {
		var out drone.State
		if err := a2a.DecodeOutput(result, &out); err == nil {
			state = &out
		}
	} else {
		slog.Warn("Drone state unavailable", "request_id", requestID, "error", result.Error)
	}

	s.emit(requestID, events.TypeStateEnd, executor.AgentName, "prep", map[string]any{
		"known":       state != nil,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return state
}

// fetchTools lists the tool catalog, best-effort.
func (s *Service) fetchTools(ctx context.Context, requestID string) []drone.ToolDescriptor {
	start := time.Now()
	s.emit(requestID, events.TypeToolsStart, executor.AgentName, "prep", nil)

	var tools []drone.ToolDescriptor
	result := s.client.Submit(ctx, executor.AgentName, executor.SkillListTools, nil, nil)
	if result.Success {
		var out executor.ListToolsResponse
		if err := a2a.DecodeOutput(result, &out); err == nil {
			tools = out.Tools
		}
	} else {
		slog.Warn("Tool listing failed", "request_id", requestID, "error", result.Error)
	}

	s.emit(requestID, events.TypeToolsEnd, executor.AgentName, "prep", map[string]any{
		"tools":       len(tools),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return tools
}

// plan submits one planning call. Failure here is fatal for the request.
func (s *Service) plan(ctx context.Context, requestID, sessionID, message string, hits []retriever.Hit, state *drone.State, tools []drone.ToolDescriptor) (*planner.Plan, error) {
	start := time.Now()
	s.emit(requestID, events.TypePlanStart, planner.AgentName, "loop", map[string]any{"hits": len(hits), "tools": len(tools)})

	result := s.client.Submit(ctx, planner.AgentName, planner.SkillPlan, asInput(planner.PlanRequest{
		UserRequest:    message,
		RagHits:        hits,
		DroneState:     state,
		AvailableTools: tools,
	}), &a2a.SubmitOptions{SessionID: sessionID})

	defer func() {
		s.emit(requestID, events.TypePlanEnd, planner.AgentName, "loop", map[string]any{
			"success":     result.Success,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		s.metrics.ObserveStage("plan", time.Since(start))
	}()

	if !result.Success {
		s.emit(requestID, events.TypeError, planner.AgentName, "plan", map[string]any{"error": result.Error})
		return nil, fmt.Errorf("%s", result.Error)
	}

	var plan planner.Plan
	if err := a2a.DecodeOutput(result, &plan); err != nil {
		return nil, a2a.Errorf(a2a.KindValidation, "undecodable plan: %v", err)
	}
	return &plan, nil
}

// retryRetrieve runs retrieve_missing and merges new hits. Returns the
// number of hits added.
func (s *Service) retryRetrieve(ctx context.Context, requestID string, req ChatRequest, missing []string, hits *[]retriever.Hit) int {
	start := time.Now()
	s.emit(requestID, events.TypeRagRetryStart, retriever.AgentName, "clarify", map[string]any{"missing": missing})

	result := s.client.Submit(ctx, retriever.AgentName, retriever.SkillRetrieveMissing, asInput(retriever.RetrieveMissingRequest{
		MissingTargets: missing,
		Filters:        req.Filters,
	}), nil)

	added := 0
	if result.Success {
		var out retriever.RetrieveMissingResponse
		if err := a2a.DecodeOutput(result, &out); err == nil {
			added = mergeNewHits(hits, out.Hits)
		}
	} else {
		slog.Warn("Recovery retrieval failed", "request_id", requestID, "error", result.Error)
	}

	s.emit(requestID, events.TypeRagRetryEnd, retriever.AgentName, "clarify", map[string]any{
		"added":       added,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return added
}

// execute submits the plan steps. A transport failure returns nil; step
// failures come back inside the response.
func (s *Service) execute(ctx context.Context, requestID, sessionID string, steps []drone.PlanStep) *executor.ExecuteResponse {
	start := time.Now()
	s.emit(requestID, events.TypeExecuteStart, executor.AgentName, "loop", map[string]any{"steps": len(steps)})

	result := s.client.Submit(ctx, executor.AgentName, executor.SkillExecute, asInput(executor.ExecuteRequest{
		Steps: steps,
	}), &a2a.SubmitOptions{SessionID: sessionID})

	var out *executor.ExecuteResponse
	if result.Success {
		var decoded executor.ExecuteResponse
		if err := a2a.DecodeOutput(result, &decoded); err != nil {
			slog.Warn("Undecodable execution output", "request_id", requestID, "error", err)
		} else {
			out = &decoded
		}
	} else {
		s.emit(requestID, events.TypeError, executor.AgentName, "execute", map[string]any{"error": result.Error})
		slog.Warn("Execution failed", "request_id", requestID, "error", result.Error)
	}

	payload := map[string]any{"duration_ms": time.Since(start).Milliseconds()}
	if out != nil {
		payload["all_success"] = out.AllSuccess
		payload["completed_steps"] = out.CompletedSteps
	}
	s.emit(requestID, events.TypeExecuteEnd, executor.AgentName, "loop", payload)
	s.metrics.ObserveStage("execute", time.Since(start))
	return out
}

// observe refreshes the drone state after execution, keeping the previous
// snapshot on failure.
func (s *Service) observe(ctx context.Context, requestID string, previous *drone.State) *drone.State {
	start := time.Now()
	s.emit(requestID, events.TypeObserveStart, executor.AgentName, "loop", nil)

	state := previous
	result := s.client.Submit(ctx, executor.AgentName, executor.SkillGetDroneState, nil, nil)
	if result.Success {
		var out drone.State
		if err := a2a.DecodeOutput(result, &out); err == nil {
			state = &out
		}
	}

	s.emit(requestID, events.TypeObserveEnd, executor.AgentName, "loop", map[string]any{
		"known":       state != nil,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return state
}

// reflect submits one reflection call.
func (s *Service) reflect(ctx context.Context, requestID, sessionID, message string, plan *planner.Plan, execResult *executor.ExecuteResponse, state *drone.State, hits []retriever.Hit, tools []drone.ToolDescriptor) (*planner.Reflection, error) {
	start := time.Now()
	s.emit(requestID, events.TypeReflectStart, planner.AgentName, "loop", nil)

	req := planner.ReflectRequest{
		OriginalRequest:   message,
		PreviousPlan:      plan,
		CurrentDroneState: state,
		RagHits:           hits,
		AvailableTools:    tools,
	}
	if execResult != nil {
		req.ExecutionResult = asInput(execResult)
	}

	result := s.client.Submit(ctx, planner.AgentName, planner.SkillReflect, asInput(req), &a2a.SubmitOptions{SessionID: sessionID})

	defer func() {
		s.emit(requestID, events.TypeReflectEnd, planner.AgentName, "loop", map[string]any{
			"success":     result.Success,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		s.metrics.ObserveStage("reflect", time.Since(start))
	}()

	if !result.Success {
		return nil, fmt.Errorf("%s", result.Error)
	}

	var reflection planner.Reflection
	if err := a2a.DecodeOutput(result, &reflection); err != nil {
		return nil, a2a.Errorf(a2a.KindValidation, "undecodable reflection: %v", err)
	}
	return &reflection, nil
}

func (s *Service) emit(requestID, eventType, agent, phase string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:      eventType,
		RequestID: requestID,
		Agent:     agent,
		Phase:     phase,
		Payload:   payload,
	})
}

// Remote is a Chatter backed by the agent transport, for processes that
// do not host the orchestrator themselves.
type Remote struct {
	Client Submitter
}

// Chat submits the request to the orchestrator agent.
func (r *Remote) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	result := r.Client.Submit(ctx, AgentName, SkillChat, asInput(req), &a2a.SubmitOptions{SessionID: req.SessionID})
	if !result.Success {
		return nil, fmt.Errorf("%s", result.Error)
	}
	var resp ChatResponse
	if err := a2a.DecodeOutput(result, &resp); err != nil {
		return nil, fmt.Errorf("undecodable chat response: %w", err)
	}
	return &resp, nil
}

// mergeNewHits appends hits whose chunk text is not yet present, keeping
// the higher score on duplicates. Returns the number of appended hits.
func mergeNewHits(into *[]retriever.Hit, hits []retriever.Hit) int {
	added := 0
	for _, h := range hits {
		found := false
		for i := range *into {
			if (*into)[i].ChunkText == h.ChunkText {
				if h.SimilarityScore > (*into)[i].SimilarityScore {
					(*into)[i].SimilarityScore = h.SimilarityScore
				}
				found = true
				break
			}
		}
		if !found {
			*into = append(*into, h)
			added++
		}
	}
	return added
}

// failureAnswer renders an error kind as a user-facing sentence.
func failureAnswer(err error) string {
	msg := err.Error()
	switch {
	case a2a.HasKind(msg, a2a.KindNoTools):
		return "I cannot control the drone right now: no tools are available from the flight endpoint."
	case a2a.HasKind(msg, a2a.KindModel):
		return "I could not produce a flight plan for that request. Please try rephrasing it."
	default:
		return "Something went wrong while planning that request: " + msg
	}
}

// asInput converts a request struct into the map form tasks carry.
func asInput(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
