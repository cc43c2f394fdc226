package acquire

import (
	"errors"
	"fmt"

	"github.com/cjeanneret/RigSync/internal/hw/camera"
)

// Kind classifies one device's result for one cycle.
type Kind int

const (
	Delivered Kind = iota
	Incomplete
	RetrievalFailed
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Incomplete:
		return "incomplete"
	case RetrievalFailed:
		return "retrieval-failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of one device for one cycle.
type Outcome struct {
	DeviceID string `cbor:"1,keyasint"`
	Kind     Kind   `cbor:"2,keyasint"`
	FrameID  uint64 `cbor:"3,keyasint,omitempty"`
	// Status is the device's completeness code for an Incomplete frame.
	Status  camera.ImageStatus `cbor:"4,keyasint,omitempty"`
	Timeout bool               `cbor:"5,keyasint,omitempty"`
	Reason  string             `cbor:"6,keyasint,omitempty"`
	// Err wraps ErrRetrievalTimeout, ErrRetrievalFailed or
	// ErrIncompleteFrame. Not journaled; Reason carries its text.
	Err error `cbor:"-"`
}

// Validate classifies a retrieval. err is the error NextFrame returned;
// when it is non-nil frame is ignored.
func Validate(frame camera.Frame, err error) Outcome {
	o := Outcome{DeviceID: frame.DeviceID, FrameID: frame.FrameID}
	switch {
	case err != nil && errors.Is(err, camera.ErrTimeout):
		o.Kind = RetrievalFailed
		o.Timeout = true
		o.FrameID = 0
		o.Err = fmt.Errorf("%w: %v", ErrRetrievalTimeout, err)
	case err != nil:
		o.Kind = RetrievalFailed
		o.FrameID = 0
		o.Err = fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	case frame.Incomplete || frame.Status != camera.StatusOK:
		o.Kind = Incomplete
		o.Status = frame.Status
		if o.Status == camera.StatusOK {
			o.Status = camera.StatusUnknown
		}
		o.Err = fmt.Errorf("%w: image status %s", ErrIncompleteFrame, o.Status)
	default:
		o.Kind = Delivered
	}
	if o.Err != nil {
		o.Reason = o.Err.Error()
	}
	return o
}
