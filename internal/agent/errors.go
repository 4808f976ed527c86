package agent

import (
	"fmt"

	"github.com/nugget/rambo/internal/invoke"
)

// Kind classifies why a turn failed.
type Kind string

// Failure kinds reported through [Callbacks.Failure].
const (
	KindGeneration        Kind = "generation"
	KindUnknownCapability Kind = "unknown_capability"
	KindToolExecution     Kind = "tool_execution"
	KindIterationBound    Kind = "iteration_bound"
)

// TurnError is the detail passed to the failure callback. Invocation
// is set for tool-related kinds.
type TurnError struct {
	Kind       Kind
	Invocation *invoke.Invocation
	Err        error
}

func (e *TurnError) Error() string {
	if e.Invocation != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Invocation.Slug(), e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }
