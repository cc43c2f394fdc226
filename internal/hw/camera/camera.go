package camera

import (
	"errors"
	"time"
)

// Handle is one physical camera as exposed by its vendor SDK.
// The acquisition code only ever talks to a camera through this
// interface; each SDK gets one adapter that satisfies it.
type Handle interface {
	// ID returns the stable identity of the device (its serial number).
	ID() string

	Init() error
	DeInit() error

	// Node looks up a configuration node by name. It returns
	// ErrNodeUnavailable when the device has no such node.
	Node(name string) (Node, error)

	BeginAcquisition() error
	EndAcquisition() error

	// NextFrame blocks until the device buffer holds a frame or timeout
	// elapses (ErrTimeout). The returned frame borrows a buffer slot that
	// must be handed back with ReleaseFrame exactly once.
	NextFrame(timeout time.Duration) (Frame, error)
	ReleaseFrame(f Frame) error

	// FireSoftwareTrigger executes the TriggerSoftware command.
	FireSoftwareTrigger() error
}

// Access describes what can be done with a node right now.
type Access uint8

const (
	Available Access = 1 << iota
	Readable
	Writable
)

// Has reports whether all bits of want are set.
func (a Access) Has(want Access) bool { return a&want == want }

// Node is a single device configuration node (enumeration, boolean,
// float, string or command). Values travel as strings; enumeration
// nodes additionally expose their entries.
type Node interface {
	Name() string
	Access() Access
	Get() (string, error)
	Set(value string) error
	// HasEntry reports whether an enumeration node offers the named entry
	// and that entry is currently selectable. Non-enumeration nodes
	// return false.
	HasEntry(entry string) bool
	// Execute runs a command node.
	Execute() error
}

// ImageStatus is the completeness code reported with a frame.
type ImageStatus int

const (
	StatusOK ImageStatus = iota
	StatusTruncated
	StatusMissingPackets
	StatusBufferTooSmall
	StatusUnknown
)

func (s ImageStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTruncated:
		return "truncated"
	case StatusMissingPackets:
		return "missing-packets"
	case StatusBufferTooSmall:
		return "buffer-too-small"
	default:
		return "unknown"
	}
}

// Frame is a borrowed reference to one device buffer slot.
type Frame struct {
	DeviceID   string
	BufferID   uint64 // identifies the slot; used by ReleaseFrame
	FrameID    uint64 // device frame counter
	TraceID    string
	Status     ImageStatus
	Incomplete bool
	Width      int
	Height     int
	Data       []byte
	Timestamp  time.Time
}

var (
	ErrTimeout          = errors.New("camera: next frame timed out")
	ErrNodeUnavailable  = errors.New("camera: node unavailable")
	ErrNodeNotWritable  = errors.New("camera: node not writable")
	ErrNodeNotReadable  = errors.New("camera: node not readable")
	ErrEntryUnavailable = errors.New("camera: enumeration entry unavailable")
	ErrNotInitialized   = errors.New("camera: device not initialized")
	ErrNotAcquiring     = errors.New("camera: device not acquiring")
	ErrUnknownBuffer    = errors.New("camera: buffer not outstanding")
)
