// SPDX-License-Identifier: Apache-2.0

// Package sandbox runs tool calls on behalf of an aggregate.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownTool = errors.New("sandbox: unknown tool")
	ErrClosed      = errors.New("sandbox: manager closed")
)

// Sandbox executes tools for one aggregate.
type Sandbox interface {
	CallTool(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Manager hands out the sandbox of an aggregate, creating it on first use.
type Manager interface {
	Sandbox(ctx context.Context, aggregateID string) (Sandbox, error)
}

// ToolError is a failure of the tool itself (bad arguments, missing file).
// It is reported back to the model instead of being retried.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

func toolErr(tool string, format string, args ...any) error {
	return &ToolError{Tool: tool, Err: fmt.Errorf(format, args...)}
}

// IsToolError reports whether err is a tool-level failure.
func IsToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}
