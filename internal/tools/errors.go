package tools

import "fmt"

// ErrUnknownCapability is returned when an invocation targets a tool
// or method that is not present in the registry. This indicates a
// capability mismatch, not a transient execution failure. Callers
// should end the turn rather than retrying.
type ErrUnknownCapability struct {
	Tool string
	Func string

	// ToolKnown is true when the tool resolved but the method did not.
	ToolKnown bool
}

// Error implements the error interface.
func (e *ErrUnknownCapability) Error() string {
	if e.ToolKnown {
		return fmt.Sprintf("tool %q has no method %q", e.Tool, e.Func)
	}
	return fmt.Sprintf("tool %q is not available in this context", e.Tool)
}
