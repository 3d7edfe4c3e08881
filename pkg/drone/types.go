// Package drone holds the domain types shared between the planner, the
// executor, and the orchestrator: the tool catalog, the drone state
// snapshot, and plan steps.
package drone

// Well-known tool names with special handling.
const (
	// ToolGetState reads the drone state snapshot.
	ToolGetState = "drone.get_state"

	// ToolRunMission is the long-running mission tool. It gets the
	// mission timeout ceiling instead of the per-tool default, and its
	// deadline resets on progress notifications.
	ToolRunMission = "drone.run_mission"
)

// ToolDescriptor describes one capability discovered from the tool
// endpoint.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Position is a coordinate in the drone frame: +X right, +Z down, +Y up.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// State is a read-only snapshot from the drone endpoint.
type State struct {
	Position    Position `json:"position"`
	IsActive    bool     `json:"is_active"`
	QueueLength int      `json:"queue_length"`
}

// PlanStep is one tool invocation in a plan or remediation.
type PlanStep struct {
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args"`
	Description string         `json:"description,omitempty"`
}

// ToolNames returns the names in a catalog, preserving order.
func ToolNames(tools []ToolDescriptor) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

// HasTool reports whether the catalog contains the named tool.
func HasTool(tools []ToolDescriptor, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}
