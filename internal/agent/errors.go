package agent

import (
	"errors"
	"fmt"
)

// ToolErrorType classifies tool execution failures.
type ToolErrorType string

const (
	// ToolErrorTimeout indicates the execution exceeded its deadline.
	ToolErrorTimeout ToolErrorType = "timeout"

	// ToolErrorPanic indicates the tool panicked; the panic was recovered
	// so one bad tool cannot take down the loop.
	ToolErrorPanic ToolErrorType = "panic"

	// ToolErrorExecution covers ordinary execution failures.
	ToolErrorExecution ToolErrorType = "execution"
)

// ErrToolTimeout is the sentinel wrapped by timeout tool errors.
var ErrToolTimeout = errors.New("tool execution timed out")

// ToolError carries the failing tool's identity alongside the cause.
type ToolError struct {
	Tool       string
	ToolCallID string
	Type       ToolErrorType
	Err        error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Type, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// NewToolError wraps err as an execution error for the named tool.
func NewToolError(tool string, err error) *ToolError {
	return &ToolError{Tool: tool, Type: ToolErrorExecution, Err: err}
}

// WithType sets the error classification.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	return e
}

// WithToolCallID attaches the originating tool call ID.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}
