// Package rig holds the per-device record the acquisition code works on.
package rig

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/RigSync/internal/hw/camera"
)

// Role is a device's place in the trigger topology.
type Role int

const (
	Secondary Role = iota
	Primary
)

func (r Role) String() string {
	if r == Primary {
		return "primary"
	}
	return "secondary"
}

// State is a device's lifecycle position.
type State int

const (
	Uninitialized State = iota
	Configured
	Acquiring
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Configured:
		return "configured"
	case Acquiring:
		return "acquiring"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Device is one camera of the rig for the duration of a session.
type Device struct {
	ID     string
	Index  int
	Role   Role
	Handle camera.Handle
	// Source is the trigger source written at configuration time
	// ("Software" or a line name).
	Source string

	mu    sync.Mutex
	state State
}

// NewDevice wraps h. The device starts Uninitialized.
func NewDevice(index int, h camera.Handle) *Device {
	return &Device{ID: h.ID(), Index: index, Handle: h}
}

func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SetState moves the device to s. Stopped is terminal.
func (d *Device) SetState(s State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Stopped && s != Stopped {
		return fmt.Errorf("device %s: %s -> %s: device is stopped", d.ID, d.state, s)
	}
	d.state = s
	return nil
}
