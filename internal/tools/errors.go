// Package tools provides the tool registry and the batch dispatcher
// that runs a model's tool calls.
//
// This file defines the error types for tool execution.
package tools

import (
	"fmt"
	"strings"
	"time"
)

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the registry. This indicates a capability mismatch,
// not a transient execution failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ExecutionError wraps a failure raised by a single tool handler,
// including recovered panics. It affects only that call's result.
type ExecutionError struct {
	ToolName string
	CallID   string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s (%s): %v", e.ToolName, e.CallID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError reports that a batch hit its deadline with calls still
// outstanding. The dispatcher recovers from it by synthesizing error
// results for the pending calls.
type TimeoutError struct {
	Timeout time.Duration
	Pending []string // call ids
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool batch exceeded %s with %d call(s) pending: %s",
		e.Timeout, len(e.Pending), strings.Join(e.Pending, ", "))
}
