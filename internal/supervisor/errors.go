package supervisor

import (
	"errors"
	"fmt"
)

// ProcessErrorKind classifies capture process failures. All kinds are
// retryable up to the configured retry limit.
type ProcessErrorKind string

const (
	KindSpawnFailed      ProcessErrorKind = "spawn_failed"
	KindCrashedNonZero   ProcessErrorKind = "crashed"
	KindHeartbeatTimeout ProcessErrorKind = "heartbeat_timeout"
	KindKillTimeout      ProcessErrorKind = "kill_timeout"
)

// ProcessError is a classified capture process failure.
type ProcessError struct {
	Kind ProcessErrorKind
	Msg  string
	Err  error
}

func (e *ProcessError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("capture: %s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("capture: %s", e.Kind)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// ProcessKindOf extracts the classification from err.
func ProcessKindOf(err error) ProcessErrorKind {
	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindCrashedNonZero
}
