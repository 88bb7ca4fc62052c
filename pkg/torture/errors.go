package torture

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/thesyncim/torture/pkg/torture/driver"
)

var (
	// ErrParticipantGone is returned by operations on a participant that
	// has already left or been closed.
	ErrParticipantGone = errors.New("participant has left the conference")

	// ErrInvalidTransition is returned when a state transition is requested
	// out of order.
	ErrInvalidTransition = errors.New("invalid participant state transition")

	// ErrFeatureUnsupported marks a capability the deployment under test
	// does not offer. Outcomes built from it are skips, not failures.
	ErrFeatureUnsupported = errors.New("feature not supported")

	// ErrMonitorNotStarted is returned when awaiting a monitor that was
	// never started.
	ErrMonitorNotStarted = errors.New("heartbeat monitor not started")
	// ErrMonitorStarted is returned when a monitor is started twice.
	ErrMonitorStarted = errors.New("heartbeat monitor already started")
	// ErrMonitorCancelled is the result of a monitor stopped by Cancel.
	ErrMonitorCancelled = errors.New("heartbeat monitor cancelled")
	// ErrMonitorRunning is returned by Await when ctx is done before the
	// monitor has finished.
	ErrMonitorRunning = errors.New("heartbeat monitor still running")

	// ErrIceDisconnected is the reason a heartbeat check fails when the
	// participant's ICE connection is not up.
	ErrIceDisconnected = errors.New("ICE not connected")
	// ErrNotInMUC is the reason a heartbeat check fails when the
	// participant is no longer in the conference room.
	ErrNotInMUC = errors.New("not in MUC")
	// ErrNoMediaFlow is the reason a heartbeat check fails when nothing is
	// being sent or received.
	ErrNoMediaFlow = errors.New("no media flowing")
)

// TimeoutError reports a polled condition that never became true.
type TimeoutError struct {
	What    string
	Timeout time.Duration
	Elapsed time.Duration
	Last    driver.Value // last value the condition observed
	LastErr error        // last transient error, if the final polls failed
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timed out after %v waiting for %s (last value: %s)", e.Elapsed.Round(time.Millisecond), e.What, e.Last)
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error {
	return e.LastErr
}

// IsTimeout reports whether err is, or wraps, a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// SessionCreationError reports a browser that could not be started for a slot.
type SessionCreationError struct {
	Slot string
	Err  error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("failed to create session for %s: %v", e.Slot, e.Err)
}

func (e *SessionCreationError) Unwrap() error {
	return e.Err
}

// HeartbeatFailure reports the first target that failed a heartbeat tick.
type HeartbeatFailure struct {
	Target string
	Tick   int
	At     time.Duration // offset from monitor start
	Reason error
}

func (e *HeartbeatFailure) Error() string {
	return fmt.Sprintf("heartbeat tick %d failed for %s after %v: %v", e.Tick, e.Target, e.At.Round(time.Millisecond), e.Reason)
}

func (e *HeartbeatFailure) Unwrap() error {
	return e.Reason
}

// CloseError is a single participant that could not be torn down.
type CloseError struct {
	Slot string
	Err  error
}

func (e *CloseError) Error() string {
	return e.Slot + ": " + e.Err.Error()
}

func (e *CloseError) Unwrap() error {
	return e.Err
}

// CloseErrors aggregates teardown failures across participants.
type CloseErrors []*CloseError

func (e CloseErrors) Error() string {
	parts := make([]string, len(e))
	for i, ce := range e {
		parts[i] = ce.Error()
	}
	return fmt.Sprintf("failed to close %d participant(s): %s", len(e), strings.Join(parts, "; "))
}

func (e CloseErrors) Unwrap() []error {
	out := make([]error, len(e))
	for i, ce := range e {
		out[i] = ce
	}
	return out
}

// Unrecoverable wraps err so that Poll returns it immediately instead of
// treating it as a transient failure. Closed sessions and scripts that threw
// in the browser are always unrecoverable.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

func isUnrecoverable(err error) bool {
	var u *unrecoverableError
	return errors.As(err, &u) || errors.Is(err, driver.ErrSessionClosed) || driver.IsScriptError(err)
}
