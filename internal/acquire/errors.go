package acquire

import (
	"errors"
	"fmt"
)

var (
	// ErrRetrievalTimeout means a device produced no frame within the
	// retrieval timeout. Recorded for the cycle; the loop continues.
	ErrRetrievalTimeout = errors.New("acquire: frame retrieval timed out")
	// ErrRetrievalFailed means the driver reported an error retrieving a
	// frame. Recorded for the cycle; the loop continues.
	ErrRetrievalFailed = errors.New("acquire: frame retrieval failed")
	// ErrIncompleteFrame marks a frame that arrived but is unusable.
	ErrIncompleteFrame = errors.New("acquire: incomplete frame")
	// ErrFailureThreshold ends a session once every device has failed for
	// more consecutive cycles than allowed.
	ErrFailureThreshold = errors.New("acquire: consecutive failure threshold exceeded")
	// ErrStopRequested is returned by a Rendezvous when the operator asks
	// the session to end. It is a normal exit.
	ErrStopRequested = errors.New("acquire: stop requested")
	// ErrRendezvousTimeout means no trigger was released within the
	// rendezvous timeout. The loop counts it and waits again.
	ErrRendezvousTimeout = errors.New("acquire: no trigger within the rendezvous timeout")
	// ErrOutstandingFrame means a retrieval was attempted while a device
	// still held an unreleased frame.
	ErrOutstandingFrame = errors.New("acquire: device has an outstanding frame")
	ErrNotReady         = errors.New("acquire: devices not acquiring")
	ErrAlreadyStarted   = errors.New("acquire: loop already started")
)

// Setup stages reported by SessionAbort.
const (
	StageInit      = "init"
	StageConfigure = "configure"
	StageMode      = "acquisition-mode"
	StageBegin     = "begin"
)

// SessionAbort reports the device and stage at which session setup
// failed. Devices started before it have been stopped again.
type SessionAbort struct {
	DeviceID string
	Stage    string
	Err      error
}

func (e *SessionAbort) Error() string {
	return fmt.Sprintf("acquire: session aborted at %s of device %s: %v", e.Stage, e.DeviceID, e.Err)
}

func (e *SessionAbort) Unwrap() error { return e.Err }
