package a2a

import "fmt"

// Error kinds carried as prefixes on TaskResult.Error strings. Callers
// match with HasKind rather than parsing the message.
const (
	KindTransport      = "transport_error"
	KindModel          = "model_error"
	KindValidation     = "validation_error"
	KindUnknownSkill   = "unknown_skill"
	KindUnknownTool    = "unknown_tool"
	KindMissingTool    = "missing_tool"
	KindToolInvocation = "tool_invocation_error"
	KindNoTools        = "no_tools_available"
)

// Errorf builds a kinded error whose string form is "kind: message".
func Errorf(kind, format string, args ...any) error {
	return fmt.Errorf("%s: %s", kind, fmt.Sprintf(format, args...))
}

// HasKind reports whether an error string carries the given kind prefix.
func HasKind(errStr, kind string) bool {
	return len(errStr) >= len(kind) && errStr[:len(kind)] == kind
}
