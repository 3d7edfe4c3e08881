package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/skynav-ai/skynav/pkg/drone"
	"github.com/skynav-ai/skynav/pkg/retriever"
)

// planPreamble states the hard constraints every plan must respect.
const planPreamble = `You are the flight planner of an indoor drone system.

Constraints:
- Use ONLY the tools listed below. Never invent a tool name.
- Step arguments must match the tool's JSON input schema exactly.
- Coordinate frame: +X is right, +Z is down (toward the ground), +Y is up.
- Default flight altitude is 1.0 when the request does not specify one.
- Default side length for unspecified shapes is 2.0.
- The drone must take off before any movement step.`

func buildPlanPrompt(req PlanRequest) string {
	var sb strings.Builder
	sb.WriteString(planPreamble)
	sb.WriteString("\n\n")

	sb.WriteString("Available tools:\n")
	sb.WriteString(formatTools(req.AvailableTools))
	sb.WriteString("\n")

	sb.WriteString("User request: ")
	sb.WriteString(req.UserRequest)
	sb.WriteString("\n\n")

	if len(req.RagHits) > 0 {
		sb.WriteString("Known map locations (from the knowledge base):\n")
		sb.WriteString(formatHits(req.RagHits))
		sb.WriteString("\n")
	}

	if req.DroneState != nil {
		sb.WriteString("Current drone state: ")
		sb.WriteString(formatState(req.DroneState))
		sb.WriteString("\n\n")
	}

	sb.WriteString(`Respond with a JSON object:
{
  "reasoning": "<how you mapped the request onto tools>",
  "needs_clarification": false,
  "clarification_question": "",
  "missing_locations": [],
  "steps": [{"tool": "<tool name>", "args": {...}, "description": "<short>"}]
}

If the request names a location you cannot resolve from the known map
locations, set needs_clarification to true, list the unresolved names in
missing_locations, and put a question for the user in
clarification_question instead of guessing coordinates.`)

	return sb.String()
}

func buildReflectPrompt(req ReflectRequest) string {
	var sb strings.Builder
	sb.WriteString(`You are reviewing the outcome of a drone flight plan.

Original request: `)
	sb.WriteString(req.OriginalRequest)
	sb.WriteString("\n\n")

	if req.PreviousPlan != nil {
		sb.WriteString("Executed plan:\n")
		for i, step := range req.PreviousPlan.Steps {
			args, _ := json.Marshal(step.Args)
			fmt.Fprintf(&sb, "%d. %s %s\n", i+1, step.Tool, args)
		}
		sb.WriteString("\n")
	}

	if req.ExecutionResult != nil {
		result, _ := json.Marshal(req.ExecutionResult)
		sb.WriteString("Execution result:\n")
		sb.Write(result)
		sb.WriteString("\n\n")
	}

	if req.CurrentDroneState != nil {
		sb.WriteString("Drone state after execution: ")
		sb.WriteString(formatState(req.CurrentDroneState))
		sb.WriteString("\n\n")
	}

	if len(req.RagHits) > 0 {
		sb.WriteString("Known map locations:\n")
		sb.WriteString(formatHits(req.RagHits))
		sb.WriteString("\n")
	}

	if len(req.AvailableTools) > 0 {
		sb.WriteString("Available tools (for any remaining steps):\n")
		sb.WriteString(formatTools(req.AvailableTools))
		sb.WriteString("\n")
	}

	sb.WriteString(`Respond with a JSON object:
{
  "observation": "<what actually happened>",
  "reasoning": "<why the goal is or is not met>",
  "goal_achieved": true,
  "confidence": 0.0,
  "next_steps": [{"tool": "<tool name>", "args": {...}, "description": "<short>"}],
  "summary": "<one or two sentences for the user>"
}

Set goal_achieved to true only when the executed steps fully satisfy the
original request. When goal_achieved is true, next_steps must be empty.
Confidence is a number between 0 and 1.`)

	return sb.String()
}

func formatTools(tools []drone.ToolDescriptor) string {
	var sb strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
		if len(t.InputSchema) > 0 {
			schema, _ := json.Marshal(t.InputSchema)
			fmt.Fprintf(&sb, "  input schema: %s\n", schema)
		}
	}
	return sb.String()
}

func formatHits(hits []retriever.Hit) string {
	var sb strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&sb, "- [%.0f%%] %s\n", h.SimilarityScore*100, h.ChunkText)
	}
	return sb.String()
}

func formatState(s *drone.State) string {
	return fmt.Sprintf("position (x=%.2f, y=%.2f, z=%.2f), active=%t, queued commands=%d",
		s.Position.X, s.Position.Y, s.Position.Z, s.IsActive, s.QueueLength)
}
