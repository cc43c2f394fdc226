package acquire

import (
	"time"

	"github.com/cjeanneret/RigSync/internal/hw/camera"
)

// CycleRecord describes one trigger-and-collect cycle.
type CycleRecord struct {
	Index    uint64    `cbor:"1,keyasint"`
	At       time.Time `cbor:"2,keyasint"`
	Outcomes []Outcome `cbor:"3,keyasint"`
	// Elapsed is the time since the loop entered Running, at cycle end.
	Elapsed  time.Duration `cbor:"4,keyasint"`
	Duration time.Duration `cbor:"5,keyasint"`
	// TriggerReason is the text of TriggerErr, kept for the journal.
	TriggerReason string `cbor:"6,keyasint,omitempty"`
	TriggerErr    error  `cbor:"-"`
}

// Delivered counts the devices that delivered a complete frame.
func (r CycleRecord) Delivered() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Kind == Delivered {
			n++
		}
	}
	return n
}

// AllFailed reports whether no device produced a frame at all.
// Incomplete frames are not failures: the device is alive.
func (r CycleRecord) AllFailed() bool {
	if len(r.Outcomes) == 0 {
		return r.TriggerErr != nil
	}
	for _, o := range r.Outcomes {
		if o.Kind != RetrievalFailed {
			return false
		}
	}
	return true
}

// Consumer receives the result of every retrieval. A delivered frame is
// borrowed: it is released when OnFrameDelivered returns, so a consumer
// that keeps the pixels must copy Data.
type Consumer interface {
	OnFrameDelivered(deviceID string, frame camera.Frame, cycle uint64)
	OnFrameProblem(deviceID string, problem Outcome, cycle uint64)
}

// CycleObserver is told about every completed cycle.
type CycleObserver interface {
	OnCycle(rec CycleRecord)
}

// StopFunc is consulted after every cycle; returning true ends the loop.
type StopFunc func(last CycleRecord) bool

// StopAfter stops once n cycles have run. n <= 0 never stops.
func StopAfter(n uint64) StopFunc {
	return func(last CycleRecord) bool {
		return n > 0 && last.Index >= n
	}
}

// Observers fans a cycle record out to several observers.
type Observers []CycleObserver

func (o Observers) OnCycle(rec CycleRecord) {
	for _, obs := range o {
		if obs != nil {
			obs.OnCycle(rec)
		}
	}
}

// NopConsumer discards every frame.
type NopConsumer struct{}

func (NopConsumer) OnFrameDelivered(string, camera.Frame, uint64) {}
func (NopConsumer) OnFrameProblem(string, Outcome, uint64)        {}
