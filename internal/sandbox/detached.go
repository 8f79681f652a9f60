// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"encoding/json"
)

// Detached hands out sandboxes without a workspace. It serves agents whose
// tools never touch files, such as a catalogue holding only done.
type Detached struct {
	catalogue *Catalogue
}

func NewDetached(catalogue *Catalogue) *Detached {
	return &Detached{catalogue: catalogue}
}

func (d *Detached) Catalogue() *Catalogue {
	return d.catalogue
}

func (d *Detached) Sandbox(ctx context.Context, aggregateID string) (Sandbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &detachedSandbox{catalogue: d.catalogue, ws: &Workspace{AggregateID: aggregateID}}, nil
}

type detachedSandbox struct {
	catalogue *Catalogue
	ws        *Workspace
}

func (s *detachedSandbox) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	return runTool(ctx, s.catalogue, defaultToolTimeout, defaultMaxOutput, s.ws, name, args)
}
