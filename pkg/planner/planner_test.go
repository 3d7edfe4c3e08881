package planner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skynav-ai/skynav/pkg/a2a"
	"github.com/skynav-ai/skynav/pkg/drone"
	"github.com/skynav-ai/skynav/pkg/model/gemini"
	"github.com/skynav-ai/skynav/pkg/retriever"
)

type mockGenerator struct {
	generateFunc func(ctx context.Context, prompt string, opts *gemini.GenerateOptions) (json.RawMessage, error)
	lastPrompt   string
}

func (m *mockGenerator) GenerateJSON(ctx context.Context, prompt string, opts *gemini.GenerateOptions) (json.RawMessage, error) {
	m.lastPrompt = prompt
	return m.generateFunc(ctx, prompt, opts)
}

func staticJSON(s string) *mockGenerator {
	return &mockGenerator{generateFunc: func(ctx context.Context, prompt string, opts *gemini.GenerateOptions) (json.RawMessage, error) {
		return json.RawMessage(s), nil
	}}
}

var testTools = []drone.ToolDescriptor{
	{Name: "drone.take_off", Description: "Take off to an altitude", InputSchema: map[string]any{"type": "object"}},
	{Name: "drone.move_to", Description: "Fly to a coordinate"},
	{Name: "drone.land", Description: "Land"},
}

func TestPlanValidStepsSurvive(t *testing.T) {
	gen := staticJSON(`{
		"reasoning": "take off then move",
		"needs_clarification": false,
		"missing_locations": [],
		"steps": [
			{"tool": "drone.take_off", "args": {"altitude": 1.0}},
			{"tool": "drone.move_to", "args": {"x": -0.48, "z": 0.78}, "description": "to marker 7"}
		]
	}`)
	svc := New(gen)

	plan, err := svc.Plan(context.Background(), PlanRequest{
		UserRequest:    "fly to marker 7",
		AvailableTools: testTools,
	})
	require.NoError(t, err)

	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "drone.take_off", plan.Steps[0].Tool)
	assert.Equal(t, 1.0, plan.Steps[0].Args["altitude"])
	assert.Equal(t, "to marker 7", plan.Steps[1].Description)
	assert.False(t, plan.NeedsClarification)
}

func TestPlanDropsUnknownToolSteps(t *testing.T) {
	gen := staticJSON(`{
		"reasoning": "r",
		"steps": [
			{"tool": "drone.take_off", "args": {}},
			{"tool": "drone.self_destruct", "args": {}},
			{"tool": "drone.land", "args": {}}
		]
	}`)
	svc := New(gen)

	plan, err := svc.Plan(context.Background(), PlanRequest{
		UserRequest:    "do things",
		AvailableTools: testTools,
	})
	require.NoError(t, err)

	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "drone.take_off", plan.Steps[0].Tool)
	assert.Equal(t, "drone.land", plan.Steps[1].Tool)
}

func TestPlanDropsNonObjectArgs(t *testing.T) {
	gen := staticJSON(`{
		"reasoning": "r",
		"steps": [
			{"tool": "drone.take_off", "args": "1.0"},
			{"tool": "drone.land", "args": {}}
		]
	}`)
	svc := New(gen)

	plan, err := svc.Plan(context.Background(), PlanRequest{
		UserRequest:    "land",
		AvailableTools: testTools,
	})
	require.NoError(t, err)

	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "drone.land", plan.Steps[0].Tool)
}

func TestPlanNoToolsAvailable(t *testing.T) {
	svc := New(staticJSON(`{}`))

	_, err := svc.Plan(context.Background(), PlanRequest{UserRequest: "take off"})
	require.Error(t, err)
	assert.True(t, a2a.HasKind(err.Error(), a2a.KindNoTools))
}

func TestPlanNormalizesMissingLocations(t *testing.T) {
	gen := staticJSON(`{
		"reasoning": "cannot find it",
		"needs_clarification": true,
		"clarification_question": "Which marker?",
		"missing_locations": ["  7号  ", "", "着陆点"],
		"steps": []
	}`)
	svc := New(gen)

	plan, err := svc.Plan(context.Background(), PlanRequest{
		UserRequest:    "fly to 7",
		AvailableTools: testTools,
	})
	require.NoError(t, err)

	assert.True(t, plan.NeedsClarification)
	assert.Equal(t, []string{"7号", "着陆点"}, plan.MissingLocations)
}

func TestPlanModelFailure(t *testing.T) {
	gen := &mockGenerator{generateFunc: func(ctx context.Context, prompt string, opts *gemini.GenerateOptions) (json.RawMessage, error) {
		return nil, errors.New("quota exceeded")
	}}
	svc := New(gen)

	_, err := svc.Plan(context.Background(), PlanRequest{
		UserRequest:    "take off",
		AvailableTools: testTools,
	})
	require.Error(t, err)
	assert.True(t, a2a.HasKind(err.Error(), a2a.KindModel))
}

func TestPlanPromptCarriesContext(t *testing.T) {
	gen := staticJSON(`{"reasoning": "r", "steps": []}`)
	svc := New(gen)

	_, err := svc.Plan(context.Background(), PlanRequest{
		UserRequest: "fly to the blue circle",
		RagHits: []retriever.Hit{
			{ChunkText: "7号蓝色圆形，坐标：x=-0.48, z=0.78", SimilarityScore: 0.92},
		},
		DroneState:     &drone.State{Position: drone.Position{X: 1, Y: 1, Z: 0}, IsActive: true},
		AvailableTools: testTools,
	})
	require.NoError(t, err)

	assert.Contains(t, gen.lastPrompt, "fly to the blue circle")
	assert.Contains(t, gen.lastPrompt, "92%")
	assert.Contains(t, gen.lastPrompt, "drone.move_to")
	assert.Contains(t, gen.lastPrompt, "active=true")
}

func TestReflectClampsConfidence(t *testing.T) {
	gen := staticJSON(`{
		"observation": "moved",
		"goal_achieved": false,
		"confidence": 1.7,
		"next_steps": [],
		"summary": "s"
	}`)
	svc := New(gen)

	reflection, err := svc.Reflect(context.Background(), ReflectRequest{
		OriginalRequest: "fly to 7",
		AvailableTools:  testTools,
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, reflection.Confidence)
}

func TestReflectGoalAchievedClearsNextSteps(t *testing.T) {
	gen := staticJSON(`{
		"observation": "done",
		"goal_achieved": true,
		"confidence": 0.95,
		"next_steps": [{"tool": "drone.land", "args": {}}],
		"summary": "landed"
	}`)
	svc := New(gen)

	reflection, err := svc.Reflect(context.Background(), ReflectRequest{
		OriginalRequest: "land",
		AvailableTools:  testTools,
	})
	require.NoError(t, err)
	assert.True(t, reflection.GoalAchieved)
	assert.Empty(t, reflection.NextSteps)
}

func TestReflectFiltersNextStepsByAllowlist(t *testing.T) {
	gen := staticJSON(`{
		"observation": "partial",
		"goal_achieved": false,
		"confidence": 0.4,
		"next_steps": [
			{"tool": "drone.move_to", "args": {"x": 1}},
			{"tool": "drone.teleport", "args": {}}
		],
		"summary": "keep going"
	}`)
	svc := New(gen)

	reflection, err := svc.Reflect(context.Background(), ReflectRequest{
		OriginalRequest: "fly around",
		AvailableTools:  testTools,
	})
	require.NoError(t, err)
	require.Len(t, reflection.NextSteps, 1)
	assert.Equal(t, "drone.move_to", reflection.NextSteps[0].Tool)
}

func TestReflectNegativeConfidence(t *testing.T) {
	gen := staticJSON(`{"goal_achieved": false, "confidence": -0.5, "next_steps": []}`)
	svc := New(gen)

	reflection, err := svc.Reflect(context.Background(), ReflectRequest{
		OriginalRequest: "hover",
		AvailableTools:  testTools,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, reflection.Confidence)
}
