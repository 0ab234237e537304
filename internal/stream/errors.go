package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for session ids the registry does not know.
	ErrNotFound = errors.New("session not found")

	// ErrConflict is returned when a compare-and-swap transition finds a
	// different state than the caller expected. The caller must re-read
	// and decide whether to retry; it is never surfaced to HTTP clients.
	ErrConflict = errors.New("session state changed concurrently")
)

// IllegalTransitionError is returned when the requested edge does not
// exist in the state machine, independent of any concurrent activity.
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}
