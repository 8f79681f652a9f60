// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/adiadia/agent-orchestrator/internal/domain"
)

var ErrScriptExhausted = errors.New("llm: scripted provider has no responses left")

type scriptedStep struct {
	completion domain.Completion
	err        error
}

// Scripted replays queued completions in order and records every request.
type Scripted struct {
	mu       sync.Mutex
	steps    []scriptedStep
	requests []Request
}

func NewScripted(completions ...domain.Completion) *Scripted {
	s := &Scripted{}
	for _, c := range completions {
		s.Push(c)
	}
	return s
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Push(c domain.Completion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, scriptedStep{completion: c})
}

// Fail queues an error as the next response.
func (s *Scripted) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, scriptedStep{err: err})
}

func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Scripted) Complete(ctx context.Context, req Request) (domain.Completion, error) {
	if err := ctx.Err(); err != nil {
		return domain.Completion{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		return domain.Completion{}, ErrScriptExhausted
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step.completion, step.err
}

// Echo answers with the latest user message. It needs no credentials and
// never requests tools.
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (Echo) Complete(ctx context.Context, req Request) (domain.Completion, error) {
	if err := ctx.Err(); err != nil {
		return domain.Completion{}, err
	}
	for i := len(req.History) - 1; i >= 0; i-- {
		msg := req.History[i]
		if msg.Role == domain.RoleUser && strings.TrimSpace(msg.Content) != "" {
			return domain.Completion{Text: "echo: " + msg.Content, FinishReason: "stop"}, nil
		}
	}
	return domain.Completion{Text: "echo: (empty)", FinishReason: "stop"}, nil
}
