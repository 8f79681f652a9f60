// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"errors"
	"fmt"
)

var (
	ErrConcurrencyConflict = errors.New("eventlog: concurrency conflict")
	ErrCorruptLog          = errors.New("eventlog: corrupt log")
	ErrTypeMismatch        = errors.New("eventlog: aggregate type mismatch")
	ErrInvalidAggregate    = errors.New("eventlog: invalid aggregate")
)

// ConflictError reports a lost optimistic-concurrency race.
type ConflictError struct {
	AggregateID string
	Expected    int64
	Actual      int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("eventlog: concurrency conflict on %s: expected version %d, stored version %d",
		e.AggregateID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// TypeMismatchError reports an append under a type other than the one the
// aggregate was created with.
type TypeMismatchError struct {
	AggregateID string
	Stored      string
	Requested   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("eventlog: aggregate %s has type %q, append requested type %q",
		e.AggregateID, e.Stored, e.Requested)
}

func (e *TypeMismatchError) Is(target error) bool {
	return target == ErrTypeMismatch
}

// CorruptionError reports a history that cannot be folded safely.
type CorruptionError struct {
	AggregateID string
	Position    int
	Want        int64
	Got         int64
	Reason      string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("eventlog: corrupt log for %s at position %d: %s (want sequence %d, got %d)",
		e.AggregateID, e.Position, e.Reason, e.Want, e.Got)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptLog
}

// ValidateAppend checks the arguments every Store.Append implementation
// rejects before touching storage.
func ValidateAppend(aggregateID, aggregateType string, expectedVersion int64) error {
	if aggregateID == "" {
		return fmt.Errorf("%w: empty aggregate id", ErrInvalidAggregate)
	}
	if aggregateType == "" {
		return fmt.Errorf("%w: empty aggregate type for %s", ErrInvalidAggregate, aggregateID)
	}
	if expectedVersion < 0 {
		return fmt.Errorf("%w: negative expected version %d for %s", ErrInvalidAggregate, expectedVersion, aggregateID)
	}
	return nil
}
