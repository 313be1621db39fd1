package mesh

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOutOfOrderEvent indicates an event older than the last one applied for
	// the same mesh key. Correctness cannot be guaranteed past this point.
	ErrOutOfOrderEvent = errors.New("mesh: out of order event")

	// ErrDuplicateRow indicates the aggregator emitted two rows for the same
	// key and window.
	ErrDuplicateRow = errors.New("mesh: duplicate window row")

	// ErrOwnerMismatch is returned when an event is applied under a key owned by
	// a different peer.
	ErrOwnerMismatch = errors.New("mesh: event owner does not match key")

	// ErrInvalidWidth is returned for non-positive window widths.
	ErrInvalidWidth = errors.New("mesh: window width must be positive")
)

// OutOfOrderError carries the offending key and timestamps.
type OutOfOrderError struct {
	Key  MeshKey
	Last time.Time
	Got  time.Time
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("mesh: out of order event for %s: %s precedes last applied %s",
		e.Key, e.Got.UTC().Format(time.RFC3339Nano), e.Last.UTC().Format(time.RFC3339Nano))
}

// Unwrap allows errors.Is(err, ErrOutOfOrderEvent).
func (e *OutOfOrderError) Unwrap() error { return ErrOutOfOrderEvent }

// IsOutOfOrder reports whether err denotes an ordering violation.
func IsOutOfOrder(err error) bool {
	return errors.Is(err, ErrOutOfOrderEvent)
}
