package agent

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAlreadyRunning = errors.New("agent already running")
	ErrAlreadyStopped = errors.New("agent already stopped")
	ErrInvalidMode    = errors.New("invalid agent mode")
	ErrInvalidState   = errors.New("invalid state for requested transition")
	ErrStopTimeout    = errors.New("execution worker did not stop in time")
	ErrResetPending   = errors.New("forced stop left a reset pending")
	ErrNotPending     = errors.New("no pending signal with that id")
)

// FatalError marks an execution-loop failure that must end the loop and put
// the agent in the error state. Non-fatal iteration errors are logged and
// the loop continues.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal classifies an iteration error. Typed FatalError is the supported
// mechanism; the message-text match is kept for collaborator errors that
// only flag severity in their text.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "critical") || strings.Contains(msg, "fatal")
}
