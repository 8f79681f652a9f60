// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"bytes"
	"encoding/json"
	"strings"
)

const replacementChar = "\uFFFD"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a folded conversation history.
// Assistant messages may carry tool calls; tool messages carry the results
// for calls issued by the preceding assistant message.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func ToolResultsMessage(results []ToolResult) Message {
	out := make([]ToolResult, len(results))
	copy(out, results)
	return Message{Role: RoleTool, ToolResults: out}
}

// Completion is a provider response normalized across vendors.
type Completion struct {
	Text         string     `json:"text,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

func (c Completion) HasToolCalls() bool {
	return len(c.ToolCalls) > 0
}

// Message converts the completion into the assistant history entry.
func (c Completion) Message() Message {
	calls := make([]ToolCall, len(c.ToolCalls))
	copy(calls, c.ToolCalls)
	if len(calls) == 0 {
		calls = nil
	}
	return Message{
		Role:      RoleAssistant,
		Content:   strings.TrimSpace(c.Text),
		ToolCalls: calls,
	}
}

// Clean returns a copy with NUL and invalid UTF-8 replaced in every text
// field, so the completion can be stored as JSON text anywhere.
func (c Completion) Clean() Completion {
	out := c
	out.Text = CleanText(c.Text)
	out.FinishReason = CleanText(c.FinishReason)
	if len(c.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(c.ToolCalls))
		for i, call := range c.ToolCalls {
			call.ID = CleanText(call.ID)
			call.Name = CleanText(call.Name)
			call.Arguments = cleanJSON(call.Arguments)
			out.ToolCalls[i] = call
		}
	}
	return out
}

// CleanText replaces invalid UTF-8 and NUL characters with U+FFFD.
func CleanText(s string) string {
	s = strings.ToValidUTF8(s, replacementChar)
	if strings.IndexByte(s, 0) < 0 {
		return s
	}
	return strings.ReplaceAll(s, "\x00", replacementChar)
}

func cleanJSON(raw json.RawMessage) json.RawMessage {
	escaped := []byte(`\u0000`)
	if !bytes.Contains(raw, escaped) {
		return raw
	}
	return bytes.ReplaceAll(raw, escaped, []byte(`\ufffd`))
}
