// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"maps"

	"github.com/google/uuid"
)

// CommandMetadata is stamped onto every event a command produces.
// A zero CorrelationID starts a new correlation chain.
type CommandMetadata struct {
	CorrelationID uuid.UUID
	CausationID   uuid.UUID
	Extra         map[string]string
}

// CausedBy derives metadata for a command issued in reaction to env: the
// correlation chain and extras carry over, the event becomes the cause.
func CausedBy[E EventPayload](env Envelope[E]) CommandMetadata {
	return CommandMetadata{
		CorrelationID: env.Metadata.CorrelationID,
		CausationID:   env.Metadata.EventID,
		Extra:         maps.Clone(env.Metadata.Extra),
	}
}

// With returns a copy of m with extra merged over the existing extras.
func (m CommandMetadata) With(extra map[string]string) CommandMetadata {
	if len(extra) == 0 {
		return m
	}
	merged := maps.Clone(m.Extra)
	if merged == nil {
		merged = make(map[string]string, len(extra))
	}
	maps.Copy(merged, extra)
	m.Extra = merged
	return m
}
