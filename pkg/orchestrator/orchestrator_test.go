package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skynav-ai/skynav/pkg/a2a"
	"github.com/skynav-ai/skynav/pkg/config"
	"github.com/skynav-ai/skynav/pkg/drone"
	"github.com/skynav-ai/skynav/pkg/events"
	"github.com/skynav-ai/skynav/pkg/executor"
	"github.com/skynav-ai/skynav/pkg/planner"
	"github.com/skynav-ai/skynav/pkg/retriever"
	"github.com/skynav-ai/skynav/pkg/session"
)

// mockSubmitter routes agent/skill pairs to canned handlers.
type mockSubmitter struct {
	handlers map[string]func(input map[string]any) *a2a.TaskResult
	calls    []string
}

func (m *mockSubmitter) Submit(ctx context.Context, agent, skill string, input map[string]any, opts *a2a.SubmitOptions) *a2a.TaskResult {
	key := agent + "/" + skill
	m.calls = append(m.calls, key)
	if h, ok := m.handlers[key]; ok {
		return h(input)
	}
	return &a2a.TaskResult{Error: a2a.Errorf(a2a.KindTransport, "%s unreachable", key).Error()}
}

func (m *mockSubmitter) count(key string) int {
	n := 0
	for _, c := range m.calls {
		if c == key {
			n++
		}
	}
	return n
}

func ok(v any) *a2a.TaskResult {
	data, _ := json.Marshal(v)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return &a2a.TaskResult{Success: true, Output: out}
}

func failed(kind, msg string) *a2a.TaskResult {
	return &a2a.TaskResult{Error: a2a.Errorf(kind, "%s", msg).Error()}
}

var testTools = []drone.ToolDescriptor{
	{Name: "drone.take_off"},
	{Name: "drone.move_to"},
	{Name: "drone.get_state"},
}

func baseHandlers() map[string]func(input map[string]any) *a2a.TaskResult {
	return map[string]func(input map[string]any) *a2a.TaskResult{
		"retriever/smart_retrieve": func(map[string]any) *a2a.TaskResult {
			return ok(retriever.SmartRetrieveResponse{
				Hits: []retriever.Hit{{ChunkText: "7号蓝色圆形，坐标：x=-0.48, z=0.78", SimilarityScore: 0.9}},
			})
		},
		"executor/get_drone_state": func(map[string]any) *a2a.TaskResult {
			return ok(drone.State{Position: drone.Position{Y: 1}, IsActive: true})
		},
		"executor/list_tools": func(map[string]any) *a2a.TaskResult {
			return ok(executor.ListToolsResponse{Tools: testTools})
		},
		"executor/execute": func(input map[string]any) *a2a.TaskResult {
			var req executor.ExecuteRequest
			_ = a2a.DecodeInput(input, &req)
			resp := executor.ExecuteResponse{AllSuccess: true, TotalSteps: len(req.Steps), CompletedSteps: len(req.Steps)}
			for i, step := range req.Steps {
				resp.Results = append(resp.Results, executor.StepResult{Index: i, Tool: step.Tool, Success: true})
			}
			return ok(resp)
		},
		"planner/plan": func(map[string]any) *a2a.TaskResult {
			return ok(planner.Plan{
				Reasoning: "Take off, then fly to marker 7.",
				Steps: []drone.PlanStep{
					{Tool: "drone.take_off", Args: map[string]any{"altitude": 1.0}},
					{Tool: "drone.move_to", Args: map[string]any{"x": -0.48, "z": 0.78}},
				},
			})
		},
		"planner/reflect": func(map[string]any) *a2a.TaskResult {
			return ok(planner.Reflection{
				GoalAchieved: true,
				Confidence:   0.9,
				Summary:      "The drone reached marker 7.",
			})
		},
	}
}

func newTestOrchestrator(handlers map[string]func(input map[string]any) *a2a.TaskResult) (*Service, *mockSubmitter) {
	client := &mockSubmitter{handlers: handlers}
	svc := New(client, session.NewStore(10), events.NewBus(), nil, config.Loop{
		MaxIterations: 3,
		MaxRagRetries: 2,
	})
	return svc, client
}

func TestChatHappyPath(t *testing.T) {
	svc, client := newTestOrchestrator(baseHandlers())

	resp, err := svc.Chat(context.Background(), ChatRequest{Message: "fly to marker 7"})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.True(t, resp.GoalAchieved)
	assert.True(t, resp.ExecutionSuccess)
	assert.Equal(t, 1, resp.ReactIterations)
	assert.Len(t, resp.ToolCalls, 2)
	assert.Len(t, resp.RagHits, 1)
	require.Len(t, resp.Reflections, 1)
	assert.Contains(t, resp.Answer, "Take off, then fly to marker 7.")
	assert.Contains(t, resp.Answer, "Executed 2 steps (2 succeeded).")
	assert.Contains(t, resp.Answer, "The drone reached marker 7.")
	assert.NotEmpty(t, resp.SessionID)
	assert.NotEmpty(t, resp.RequestID)

	// Both turns recorded.
	sess, found := svc.Sessions().Get(resp.SessionID)
	require.True(t, found)
	history := sess.History()
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, session.RoleAssistant, history[1].Role)

	assert.Equal(t, 1, client.count("planner/plan"))
	assert.Equal(t, 1, client.count("executor/execute"))
}

func TestChatEmptyMessage(t *testing.T) {
	svc, _ := newTestOrchestrator(baseHandlers())

	_, err := svc.Chat(context.Background(), ChatRequest{Message: "   "})
	require.Error(t, err)
	assert.True(t, a2a.HasKind(err.Error(), a2a.KindValidation))
}

func TestChatClarificationRetryRecovers(t *testing.T) {
	handlers := baseHandlers()
	planCalls := 0
	handlers["planner/plan"] = func(map[string]any) *a2a.TaskResult {
		planCalls++
		if planCalls == 1 {
			return ok(planner.Plan{
				Reasoning:             "Cannot locate marker 7.",
				NeedsClarification:    true,
				ClarificationQuestion: "Where is marker 7?",
				MissingLocations:      []string{"7"},
			})
		}
		return ok(planner.Plan{
			Reasoning: "Found it, flying now.",
			Steps:     []drone.PlanStep{{Tool: "drone.move_to", Args: map[string]any{"x": -0.48}}},
		})
	}
	handlers["retriever/retrieve_missing"] = func(map[string]any) *a2a.TaskResult {
		return ok(retriever.RetrieveMissingResponse{
			Hits: []retriever.Hit{{ChunkText: "编号7：蓝色圆形标志", SimilarityScore: 0.45}},
		})
	}
	svc, client := newTestOrchestrator(handlers)

	resp, err := svc.Chat(context.Background(), ChatRequest{Message: "fly to 7"})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.False(t, resp.NeedsClarification)
	assert.True(t, resp.GoalAchieved)
	assert.Equal(t, 2, planCalls)
	assert.Equal(t, 1, client.count("retriever/retrieve_missing"))
	assert.Equal(t, 1, resp.RagRetries)

	// Each planning attempt spends an iteration, including the re-plan
	// after the recovery retrieval.
	assert.Equal(t, 2, resp.ReactIterations)

	// The recovered hit joined the context.
	texts := make([]string, 0, len(resp.RagHits))
	for _, h := range resp.RagHits {
		texts = append(texts, h.ChunkText)
	}
	assert.Contains(t, texts, "编号7：蓝色圆形标志")
}

func TestChatClarificationTerminatesWithoutMissingLocations(t *testing.T) {
	handlers := baseHandlers()
	handlers["planner/plan"] = func(map[string]any) *a2a.TaskResult {
		return ok(planner.Plan{
			NeedsClarification:    true,
			ClarificationQuestion: "Which landmark do you mean?",
		})
	}
	svc, client := newTestOrchestrator(handlers)

	resp, err := svc.Chat(context.Background(), ChatRequest{Message: "go there"})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.True(t, resp.NeedsClarification)
	assert.Equal(t, "Which landmark do you mean?", resp.Answer)
	assert.Zero(t, client.count("executor/execute"))
}

func TestChatRagRetriesBounded(t *testing.T) {
	handlers := baseHandlers()
	handlers["planner/plan"] = func(map[string]any) *a2a.TaskResult {
		return ok(planner.Plan{
			NeedsClarification:    true,
			ClarificationQuestion: "Still lost.",
			MissingLocations:      []string{"nowhere"},
		})
	}
	retrySeq := 0
	handlers["retriever/retrieve_missing"] = func(map[string]any) *a2a.TaskResult {
		retrySeq++
		// Each retry yields one genuinely new chunk, so the loop keeps
		// re-planning until the retry budget runs out.
		return ok(retriever.RetrieveMissingResponse{
			Hits: []retriever.Hit{{ChunkText: "novel chunk " + string(rune('a'+retrySeq)), SimilarityScore: 0.41}},
		})
	}
	svc, client := newTestOrchestrator(handlers)

	resp, err := svc.Chat(context.Background(), ChatRequest{Message: "fly nowhere"})
	require.NoError(t, err)

	assert.True(t, resp.NeedsClarification)
	assert.Equal(t, 2, client.count("retriever/retrieve_missing"))
	assert.Equal(t, 2, resp.RagRetries)
	assert.Equal(t, 3, client.count("planner/plan"))

	// Two retries mean at least two planning iterations were spent
	// before the clarification went back to the user.
	assert.Equal(t, 3, resp.ReactIterations)
}

func TestChatZeroRetryGainFallsThroughToClarify(t *testing.T) {
	handlers := baseHandlers()
	handlers["planner/plan"] = func(map[string]any) *a2a.TaskResult {
		return ok(planner.Plan{
			NeedsClarification:    true,
			ClarificationQuestion: "Need a location.",
			MissingLocations:      []string{"ghost"},
		})
	}
	handlers["retriever/retrieve_missing"] = func(map[string]any) *a2a.TaskResult {
		return ok(retriever.RetrieveMissingResponse{})
	}
	svc, client := newTestOrchestrator(handlers)

	resp, err := svc.Chat(context.Background(), ChatRequest{Message: "fly to the ghost"})
	require.NoError(t, err)

	assert.True(t, resp.NeedsClarification)
	assert.Equal(t, 1, client.count("retriever/retrieve_missing"))
	assert.Equal(t, 1, client.count("planner/plan"))
}

func TestChatPlanFailureIsFatal(t *testing.T) {
	handlers := baseHandlers()
	handlers["planner/plan"] = func(map[string]any) *a2a.TaskResult {
		return failed(a2a.KindModel, "completion failed")
	}
	svc, client := newTestOrchestrator(handlers)

	resp, err := svc.Chat(context.Background(), ChatRequest{Message: "take off"})
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.True(t, a2a.HasKind(resp.Error, a2a.KindModel))
	assert.NotEmpty(t, resp.Answer)
	assert.Zero(t, client.count("executor/execute"))
}

func TestChatPrepFailuresAreBestEffort(t *testing.T) {
	handlers := baseHandlers()
	handlers["retriever/smart_retrieve"] = func(map[string]any) *a2a.TaskResult {
		return failed(a2a.KindTransport, "retriever down")
	}
	handlers["executor/get_drone_state"] = func(map[string]any) *a2a.TaskResult {
		return failed(a2a.KindTransport, "executor busy")
	}
	svc, _ := newTestOrchestrator(handlers)

	resp, err := svc.Chat(context.Background(), ChatRequest{Message: "take off"})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.True(t, resp.GoalAchieved)
	assert.Empty(t, resp.RagHits)
}

func TestChatZeroStepPlanMeansDone(t *testing.T) {
	handlers := baseHandlers()
	handlers["planner/plan"] = func(map[string]any) *a2a.TaskResult {
		return ok(planner.Plan{Reasoning: "The drone is already at marker 7."})
	}
	svc, client := newTestOrchestrator(handlers)

	resp, err := svc.Chat(context.Background(), ChatRequest{Message: "go to 7"})
	require.NoError(t, err)

	assert.True(t, resp.GoalAchieved)
	assert.Zero(t, client.count("executor/execute"))
	assert.Zero(t, client.count("planner/reflect"))
	assert.Contains(t, resp.Answer, "already at marker 7")
	assert.Contains(t, resp.Answer, "Nothing to execute.")
}

func TestChatHonorsCallerRequestID(t *testing.T) {
	svc, _ := newTestOrchestrator(baseHandlers())

	resp, err := svc.Chat(context.Background(), ChatRequest{Message: "take off", RequestID: "req-42"})
	require.NoError(t, err)
	assert.Equal(t, "req-42", resp.RequestID)
}

func TestChatIterationBudgetExhausted(t *testing.T) {
	handlers := baseHandlers()
	handlers["planner/reflect"] = func(map[string]any) *a2a.TaskResult {
		return ok(planner.Reflection{
			GoalAchieved: false,
			Confidence:   0.3,
			NextSteps:    []drone.PlanStep{{Tool: "drone.move_to", Args: map[string]any{}}},
			Summary:      "Not there yet.",
		})
	}
	svc, client := newTestOrchestrator(handlers)

	resp, err := svc.Chat(context.Background(), ChatRequest{Message: "patrol the square"})
	require.NoError(t, err)

	assert.False(t, resp.GoalAchieved)
	assert.Equal(t, 3, resp.ReactIterations)
	assert.Equal(t, 3, client.count("planner/plan"))
	assert.Len(t, resp.Reflections, 3)
	assert.Contains(t, resp.Answer, "Finished after 3 iterations.")
}

func TestChatLowConfidenceDoesNotExitAchieved(t *testing.T) {
	handlers := baseHandlers()
	handlers["planner/reflect"] = func(map[string]any) *a2a.TaskResult {
		// Achieved but below the confidence gate; no next steps either.
		return ok(planner.Reflection{GoalAchieved: true, Confidence: 0.5})
	}
	svc, _ := newTestOrchestrator(handlers)

	resp, err := svc.Chat(context.Background(), ChatRequest{Message: "take off"})
	require.NoError(t, err)

	assert.False(t, resp.GoalAchieved)
	assert.Equal(t, 1, resp.ReactIterations)
}

func TestChatReflectionFailureEndsLoop(t *testing.T) {
	handlers := baseHandlers()
	handlers["planner/reflect"] = func(map[string]any) *a2a.TaskResult {
		return failed(a2a.KindModel, "reflection broke")
	}
	svc, client := newTestOrchestrator(handlers)

	resp, err := svc.Chat(context.Background(), ChatRequest{Message: "take off"})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.True(t, resp.GoalAchieved, "successful execution counts as completion")
	assert.Equal(t, 1, client.count("planner/plan"))
	assert.Empty(t, resp.Reflections)
	assert.Len(t, resp.ToolCalls, 2)
}

func TestChatExecutionFailureTriggersRemediation(t *testing.T) {
	handlers := baseHandlers()
	execCalls := 0
	handlers["executor/execute"] = func(input map[string]any) *a2a.TaskResult {
		execCalls++
		if execCalls == 1 {
			return ok(executor.ExecuteResponse{
				Results: []executor.StepResult{
					{Index: 0, Tool: "drone.take_off", Success: true},
					{Index: 1, Tool: "drone.move_to", Error: "tool_invocation_error: obstacle"},
				},
				AllSuccess: false, CompletedSteps: 2, TotalSteps: 2,
			})
		}
		return ok(executor.ExecuteResponse{
			Results:    []executor.StepResult{{Index: 0, Tool: "drone.move_to", Success: true}},
			AllSuccess: true, CompletedSteps: 1, TotalSteps: 1,
		})
	}
	reflectCalls := 0
	handlers["planner/reflect"] = func(map[string]any) *a2a.TaskResult {
		reflectCalls++
		if reflectCalls == 1 {
			return ok(planner.Reflection{
				GoalAchieved: false,
				Confidence:   0.6,
				NextSteps:    []drone.PlanStep{{Tool: "drone.move_to", Args: map[string]any{"x": 0.5}}},
				Summary:      "Rerouting around the obstacle.",
			})
		}
		return ok(planner.Reflection{GoalAchieved: true, Confidence: 0.9, Summary: "Arrived."})
	}
	svc, _ := newTestOrchestrator(handlers)

	resp, err := svc.Chat(context.Background(), ChatRequest{Message: "fly to 7"})
	require.NoError(t, err)

	assert.True(t, resp.GoalAchieved)
	assert.Equal(t, 2, resp.ReactIterations)
	assert.Equal(t, 2, execCalls)
	assert.Len(t, resp.ToolCalls, 3)
	assert.True(t, resp.ExecutionSuccess, "final round succeeded")
}

func TestChatSessionReuse(t *testing.T) {
	svc, _ := newTestOrchestrator(baseHandlers())

	first, err := svc.Chat(context.Background(), ChatRequest{Message: "take off"})
	require.NoError(t, err)

	second, err := svc.Chat(context.Background(), ChatRequest{Message: "now land", SessionID: first.SessionID})
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	sess, found := svc.Sessions().Get(first.SessionID)
	require.True(t, found)
	assert.Equal(t, 4, sess.Len())
}

func TestChatEmitsPairedEvents(t *testing.T) {
	svc, _ := newTestOrchestrator(baseHandlers())

	ch, unsubscribe := svc.Bus().Subscribe(events.Wildcard)
	defer unsubscribe()

	resp, err := svc.Chat(context.Background(), ChatRequest{Message: "fly to 7"})
	require.NoError(t, err)

	var got []events.Event
	deadline := time.After(time.Second)
collect:
	for {
		select {
		case ev := <-ch:
			got = append(got, ev)
			if ev.Type == events.TypeRequestEnd {
				break collect
			}
		case <-deadline:
			t.Fatal("request_end never arrived")
		}
	}

	require.NotEmpty(t, got)
	assert.Equal(t, events.TypeRequestStart, got[0].Type)
	assert.Equal(t, events.TypeRequestEnd, got[len(got)-1].Type)

	counts := map[string]int{}
	for _, ev := range got {
		assert.Equal(t, resp.RequestID, ev.RequestID)
		counts[ev.Type]++
	}
	for _, typ := range []string{
		events.TypeRetrievalStart, events.TypeRetrievalEnd,
		events.TypePlanStart, events.TypePlanEnd,
		events.TypeExecuteStart, events.TypeExecuteEnd,
		events.TypeReflectStart, events.TypeReflectEnd,
	} {
		assert.Equal(t, 1, counts[typ], "expected exactly one %s", typ)
	}

	// Stage durations are disjoint slices of the request, so their sum
	// stays within the total.
	var stageMs int64
	for _, ev := range got {
		if ev.Type == events.TypeRequestEnd || !strings.HasSuffix(ev.Type, "_end") {
			continue
		}
		ms, hasDuration := ev.Payload["duration_ms"].(int64)
		require.True(t, hasDuration, "missing duration_ms on %s", ev.Type)
		assert.GreaterOrEqual(t, ms, int64(0))
		stageMs += ms
	}
	assert.LessOrEqual(t, stageMs, resp.DurationMs)
}

func TestRemoteChat(t *testing.T) {
	client := &mockSubmitter{handlers: map[string]func(input map[string]any) *a2a.TaskResult{
		"orchestrator/chat": func(input map[string]any) *a2a.TaskResult {
			assert.Equal(t, "take off", input["message"])
			return ok(ChatResponse{SessionID: "s1", Success: true, Answer: "Done."})
		},
	}}

	remote := &Remote{Client: client}
	resp, err := remote.Chat(context.Background(), ChatRequest{Message: "take off"})
	require.NoError(t, err)
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, "Done.", resp.Answer)
}
