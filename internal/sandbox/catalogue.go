// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/adiadia/agent-orchestrator/internal/domain"
)

// Func runs one tool inside a workspace.
type Func func(ctx context.Context, ws *Workspace, args json.RawMessage) (string, error)

type Tool struct {
	Spec domain.ToolSpec
	Run  Func
}

// Catalogue is the set of tools offered to the model. The LLM reactor sends
// its Specs; the Tool reactor only runs calls whose name is catalogued.
type Catalogue struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewCatalogue(tools ...Tool) *Catalogue {
	c := &Catalogue{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		c.Register(t)
	}
	return c
}

// Register adds or replaces a tool.
func (c *Catalogue) Register(t Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[t.Spec.Name] = t
}

func (c *Catalogue) Has(name string) bool {
	_, ok := c.Lookup(name)
	return ok
}

func (c *Catalogue) Lookup(name string) (Tool, bool) {
	if c == nil {
		return Tool{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[name]
	return t, ok
}

// Specs returns tool specs sorted by name, so prompts are stable.
func (c *Catalogue) Specs() []domain.ToolSpec {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	specs := make([]domain.ToolSpec, 0, len(c.tools))
	for _, t := range c.tools {
		specs = append(specs, t.Spec)
	}
	slices.SortFunc(specs, func(a, b domain.ToolSpec) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return specs
}

// With returns a copy of c that also holds tools.
func (c *Catalogue) With(tools ...Tool) *Catalogue {
	out := NewCatalogue()
	if c != nil {
		c.mu.RLock()
		for _, t := range c.tools {
			out.tools[t.Spec.Name] = t
		}
		c.mu.RUnlock()
	}
	for _, t := range tools {
		out.Register(t)
	}
	return out
}
