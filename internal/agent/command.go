// SPDX-License-Identifier: Apache-2.0

package agent

import "github.com/adiadia/agent-orchestrator/internal/domain"

type SendRequest struct {
	Content string
}

// Complete answers the RequestIssued recorded at sequence Request.
type Complete struct {
	Completion domain.Completion
	Request    int64
}

type SubmitToolResults struct {
	Results []domain.ToolResult
}

type Abort struct {
	Reason string
}

// Command is the tagged union of shared and agent-specific commands.
// Commands are transient: only the events they produce are persisted.
type Command[C any] struct {
	SendRequest       *SendRequest
	Complete          *Complete
	SubmitToolResults *SubmitToolResults
	Abort             *Abort
	Agent             *C
}

func Send[C any](content string) Command[C] {
	return Command[C]{SendRequest: &SendRequest{Content: content}}
}

func CompleteWith[C any](request int64, completion domain.Completion) Command[C] {
	return Command[C]{Complete: &Complete{Completion: completion, Request: request}}
}

func ToolResults[C any](results ...domain.ToolResult) Command[C] {
	return Command[C]{SubmitToolResults: &SubmitToolResults{Results: results}}
}

func AbortWith[C any](reason string) Command[C] {
	return Command[C]{Abort: &Abort{Reason: reason}}
}

func SpecificCommand[C any](c C) Command[C] {
	return Command[C]{Agent: &c}
}

// Name is a low-cardinality label for logs and metrics.
func (c Command[C]) Name() string {
	switch {
	case c.SendRequest != nil:
		return "send_request"
	case c.Complete != nil:
		return "complete"
	case c.SubmitToolResults != nil:
		return "submit_tool_results"
	case c.Abort != nil:
		return "abort"
	case c.Agent != nil:
		return "agent"
	default:
		return "empty"
	}
}
