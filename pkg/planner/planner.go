// Package planner implements the planning agent.
//
// Both skills are strict-JSON calls to the language model followed by a
// validation layer: plan turns a user request plus retrieved context into
// an ordered list of tool steps, reflect judges an execution outcome and
// decides whether the goal is met. The validation layer enforces the tool
// allowlist; the model is never trusted to name tools.
package planner

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/skynav-ai/skynav/pkg/a2a"
	"github.com/skynav-ai/skynav/pkg/drone"
	"github.com/skynav-ai/skynav/pkg/model/gemini"
	"github.com/skynav-ai/skynav/pkg/retriever"
)

// AgentName is the registry name of this agent.
const AgentName = "planner"

// Skill identifiers.
const (
	SkillPlan    = "plan"
	SkillReflect = "reflect"
)

// planTemperature keeps step generation deterministic-ish.
const planTemperature = 0.2

// Generator produces strict-JSON completions. Satisfied by the Gemini
// client.
type Generator interface {
	GenerateJSON(ctx context.Context, prompt string, opts *gemini.GenerateOptions) (json.RawMessage, error)
}

// PlanRequest is the input of the plan skill.
type PlanRequest struct {
	UserRequest    string                 `json:"user_request"`
	RagHits        []retriever.Hit        `json:"rag_hits,omitempty"`
	DroneState     *drone.State           `json:"drone_state,omitempty"`
	AvailableTools []drone.ToolDescriptor `json:"available_tools"`
}

// Plan is the validated output of the plan skill.
type Plan struct {
	Reasoning             string           `json:"reasoning"`
	NeedsClarification    bool             `json:"needs_clarification"`
	ClarificationQuestion string           `json:"clarification_question,omitempty"`
	MissingLocations      []string         `json:"missing_locations,omitempty"`
	Steps                 []drone.PlanStep `json:"steps"`
}

// ReflectRequest is the input of the reflect skill.
type ReflectRequest struct {
	OriginalRequest   string                 `json:"original_request"`
	PreviousPlan      *Plan                  `json:"previous_plan,omitempty"`
	ExecutionResult   map[string]any         `json:"execution_result,omitempty"`
	CurrentDroneState *drone.State           `json:"current_drone_state,omitempty"`
	RagHits           []retriever.Hit        `json:"rag_hits,omitempty"`
	AvailableTools    []drone.ToolDescriptor `json:"available_tools"`
}

// Reflection is the validated output of the reflect skill.
type Reflection struct {
	Observation  string           `json:"observation"`
	Reasoning    string           `json:"reasoning"`
	GoalAchieved bool             `json:"goal_achieved"`
	Confidence   float64          `json:"confidence"`
	NextSteps    []drone.PlanStep `json:"next_steps"`
	Summary      string           `json:"summary"`
}

// Service implements the planner skills.
type Service struct {
	generator Generator
}

// New creates a planner service.
func New(generator Generator) *Service {
	return &Service{generator: generator}
}

// RegisterSkills attaches the planner skills to an agent server.
func (s *Service) RegisterSkills(srv *a2a.Server) {
	srv.RegisterSkill(a2a.Skill{
		ID:           SkillPlan,
		Description:  "Turn a drone command into an ordered tool plan",
		InputSchema:  a2a.SchemaFor(PlanRequest{}),
		OutputSchema: a2a.SchemaFor(Plan{}),
	}, func(ctx context.Context, task *a2a.Task) (any, error) {
		var req PlanRequest
		if err := a2a.DecodeInput(task.Input, &req); err != nil {
			return nil, a2a.Errorf(a2a.KindValidation, "invalid plan input: %v", err)
		}
		return s.Plan(ctx, req)
	})

	srv.RegisterSkill(a2a.Skill{
		ID:           SkillReflect,
		Description:  "Judge an execution outcome against the original goal",
		InputSchema:  a2a.SchemaFor(ReflectRequest{}),
		OutputSchema: a2a.SchemaFor(Reflection{}),
	}, func(ctx context.Context, task *a2a.Task) (any, error) {
		var req ReflectRequest
		if err := a2a.DecodeInput(task.Input, &req); err != nil {
			return nil, a2a.Errorf(a2a.KindValidation, "invalid reflect input: %v", err)
		}
		return s.Reflect(ctx, req)
	})
}

// Plan generates and validates a tool plan for the request.
func (s *Service) Plan(ctx context.Context, req PlanRequest) (*Plan, error) {
	if req.UserRequest == "" {
		return nil, a2a.Errorf(a2a.KindValidation, "user_request must not be empty")
	}
	if len(req.AvailableTools) == 0 {
		return nil, a2a.Errorf(a2a.KindNoTools, "cannot plan without a tool catalog")
	}

	prompt := buildPlanPrompt(req)
	raw, err := s.generator.GenerateJSON(ctx, prompt, &gemini.GenerateOptions{Temperature: planTemperature})
	if err != nil {
		return nil, a2a.Errorf(a2a.KindModel, "plan generation failed: %v", err)
	}

	var parsed struct {
		Reasoning             string            `json:"reasoning"`
		NeedsClarification    bool              `json:"needs_clarification"`
		ClarificationQuestion string            `json:"clarification_question"`
		MissingLocations      []string          `json:"missing_locations"`
		Steps                 []json.RawMessage `json:"steps"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, a2a.Errorf(a2a.KindModel, "plan response is not the expected shape: %v", err)
	}

	plan := &Plan{
		Reasoning:             parsed.Reasoning,
		NeedsClarification:    parsed.NeedsClarification,
		ClarificationQuestion: parsed.ClarificationQuestion,
		MissingLocations:      normalizeLocations(parsed.MissingLocations),
		Steps:                 validateSteps(parsed.Steps, req.AvailableTools),
	}
	return plan, nil
}

// Reflect judges whether the executed plan achieved the goal.
func (s *Service) Reflect(ctx context.Context, req ReflectRequest) (*Reflection, error) {
	if req.OriginalRequest == "" {
		return nil, a2a.Errorf(a2a.KindValidation, "original_request must not be empty")
	}

	prompt := buildReflectPrompt(req)
	raw, err := s.generator.GenerateJSON(ctx, prompt, &gemini.GenerateOptions{Temperature: planTemperature})
	if err != nil {
		return nil, a2a.Errorf(a2a.KindModel, "reflection generation failed: %v", err)
	}

	var parsed struct {
		Observation  string            `json:"observation"`
		Reasoning    string            `json:"reasoning"`
		GoalAchieved bool              `json:"goal_achieved"`
		Confidence   float64           `json:"confidence"`
		NextSteps    []json.RawMessage `json:"next_steps"`
		Summary      string            `json:"summary"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, a2a.Errorf(a2a.KindModel, "reflection response is not the expected shape: %v", err)
	}

	reflection := &Reflection{
		Observation:  parsed.Observation,
		Reasoning:    parsed.Reasoning,
		GoalAchieved: parsed.GoalAchieved,
		Confidence:   clamp01(parsed.Confidence),
		NextSteps:    validateSteps(parsed.NextSteps, req.AvailableTools),
		Summary:      parsed.Summary,
	}
	if reflection.GoalAchieved {
		// An achieved goal has nothing left to do.
		reflection.NextSteps = nil
	}
	return reflection, nil
}

// validateSteps keeps only steps naming an allowed tool with object args.
func validateSteps(rawSteps []json.RawMessage, tools []drone.ToolDescriptor) []drone.PlanStep {
	steps := make([]drone.PlanStep, 0, len(rawSteps))
	for i, rawStep := range rawSteps {
		var step struct {
			Tool        string          `json:"tool"`
			Args        json.RawMessage `json:"args"`
			Description string          `json:"description"`
		}
		if err := json.Unmarshal(rawStep, &step); err != nil {
			slog.Warn("Dropping malformed plan step", "index", i, "error", err)
			continue
		}
		if !drone.HasTool(tools, step.Tool) {
			slog.Warn("Dropping plan step with unknown tool", "index", i, "tool", step.Tool)
			continue
		}

		args := map[string]any{}
		if len(step.Args) > 0 {
			if err := json.Unmarshal(step.Args, &args); err != nil {
				slog.Warn("Dropping plan step with non-object args", "index", i, "tool", step.Tool)
				continue
			}
		}
		steps = append(steps, drone.PlanStep{
			Tool:        step.Tool,
			Args:        args,
			Description: step.Description,
		})
	}
	return steps
}

// normalizeLocations trims entries and drops empties.
func normalizeLocations(in []string) []string {
	var out []string
	for _, loc := range in {
		loc = strings.TrimSpace(loc)
		if loc != "" {
			out = append(out, loc)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
