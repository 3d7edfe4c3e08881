// Package a2a implements the agent-to-agent transport.
//
// Every agent exposes three endpoints: a capability descriptor (the agent
// card) at a well-known path, a liveness ping, and task submission. Tasks
// are dispatched to registered skill handlers and answered with a
// TaskResult; transport failures and handler errors both surface as failed
// results, never as hung or half-answered calls.
package a2a

import (
	"encoding/json"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
)

// WellKnownAgentPath is where every agent serves its card.
const WellKnownAgentPath = "/.well-known/agent.json"

// AgentCard advertises an agent's identity and skills.
type AgentCard struct {
	Name    string  `json:"name"`
	URL     string  `json:"url"`
	Version string  `json:"version"`
	Skills  []Skill `json:"skills"`
}

// Skill describes one schema-typed operation an agent exposes.
type Skill struct {
	ID           string         `json:"id"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// Task is a single skill invocation. Produced at dispatch, consumed once
// by the receiving agent, never mutated.
type Task struct {
	ID        string         `json:"id"`
	Skill     string         `json:"skill"`
	Input     map[string]any `json:"input"`
	SessionID string         `json:"session_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// TaskResult is the response to a Task.
type TaskResult struct {
	TaskID      string    `json:"task_id"`
	Success     bool      `json:"success"`
	Output      any       `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

// DecodeInput decodes a task's input map into a typed request struct.
// Unknown fields are tolerated; type mismatches are errors.
func DecodeInput(input map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// DecodeOutput decodes a task result's output into a typed response struct.
func DecodeOutput(result *TaskResult, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(result.Output)
}

// SchemaFor reflects a JSON schema for the given request/response struct.
// Used to populate skill schemas on agent cards.
func SchemaFor(v any) map[string]any {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: true,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(v)

	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	// The top-level $schema and $id keys are noise on an agent card.
	delete(out, "$schema")
	delete(out, "$id")
	return out
}
