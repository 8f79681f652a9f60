// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidState        = errors.New("agent: invalid state for command")
	ErrNotReady            = errors.New("agent: tool calls still pending")
	ErrDuplicateToolResult = errors.New("agent: tool result already recorded")
	ErrUnknownEvent        = errors.New("agent: unknown event type")
	ErrStoreUnavailable    = errors.New("agent: event store unavailable")
	ErrRuntimeStarted      = errors.New("agent: runtime already started")
	ErrRuntimeNotStarted   = errors.New("agent: runtime not started")
)

// UnexpectedToolError rejects a result for a call the aggregate never issued.
type UnexpectedToolError struct {
	CallID string
}

func (e *UnexpectedToolError) Error() string {
	return fmt.Sprintf("agent: unexpected tool result for call %q", e.CallID)
}

// DomainError is a synchronous command rejection. Nothing was persisted.
type DomainError struct {
	AggregateID string
	Command     string
	Err         error
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("agent: %s rejected for %s: %v", e.Command, e.AggregateID, e.Err)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func IsDomainError(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}
