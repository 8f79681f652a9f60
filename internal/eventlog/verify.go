// SPDX-License-Identifier: Apache-2.0

package eventlog

// Verify checks that records form the complete history of aggregateID:
// every record belongs to it and sequences run 1..n without gaps or repeats.
func Verify(aggregateID string, records []Record) error {
	for i, rec := range records {
		want := int64(i + 1)
		if rec.AggregateID != aggregateID {
			return &CorruptionError{
				AggregateID: aggregateID,
				Position:    i,
				Want:        want,
				Got:         rec.Sequence,
				Reason:      "record belongs to aggregate " + rec.AggregateID,
			}
		}
		switch {
		case rec.Sequence > want:
			return &CorruptionError{AggregateID: aggregateID, Position: i, Want: want, Got: rec.Sequence, Reason: "sequence gap"}
		case rec.Sequence < want:
			return &CorruptionError{AggregateID: aggregateID, Position: i, Want: want, Got: rec.Sequence, Reason: "duplicate or out-of-order sequence"}
		}
	}
	return nil
}
