// Package trigger configures the trigger topology of a rig: one primary
// device fired by software or a hardware line, every other device
// exposing on the primary's strobe.
package trigger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cjeanneret/RigSync/internal/debug"
	"github.com/cjeanneret/RigSync/internal/hw/camera"
	"github.com/cjeanneret/RigSync/internal/rig"
)

const (
	SourceSoftware = "Software"
	OverlapOff     = "Off"
	OverlapReadOut = "ReadOut"
	SelectorFrame  = "FrameStart"
)

var (
	ErrBadState    = errors.New("trigger: device not in a configurable state")
	ErrInvalidPlan = errors.New("trigger: invalid plan")
)

// ConfigError reports the node write that stopped a device's trigger
// configuration.
type ConfigError struct {
	DeviceID string
	Node     string
	Op       string
	Err      error
}

func (e *ConfigError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("trigger: device %s: %s: %v", e.DeviceID, e.Op, e.Err)
	}
	return fmt.Sprintf("trigger: device %s: %s %s: %v", e.DeviceID, e.Op, e.Node, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Options are the rig-wide trigger choices.
type Options struct {
	// PrimarySource is "Software" or the line the primary listens on.
	PrimarySource string
	// SecondaryLine is the input line wired to the primary's strobe.
	SecondaryLine string
	// LinePower enables the 3.3V line supply on a hardware-line primary.
	LinePower bool
}

func (o Options) withDefaults() Options {
	if o.PrimarySource == "" {
		o.PrimarySource = SourceSoftware
	}
	if o.SecondaryLine == "" {
		o.SecondaryLine = "Line3"
	}
	return o
}

// Setting is the trigger state written to one device.
type Setting struct {
	Role      rig.Role
	Source    string
	Overlap   string // written on secondaries only
	Selector  string
	LinePower bool
}

// IsSoftware reports whether the device is fired by a software trigger.
func (s Setting) IsSoftware() bool { return s.Source == SourceSoftware }

// Resolve returns the setting a device of the given role receives.
func (o Options) Resolve(role rig.Role) Setting {
	o = o.withDefaults()
	if role == rig.Primary {
		return Setting{
			Role:      rig.Primary,
			Source:    o.PrimarySource,
			Selector:  SelectorFrame,
			LinePower: o.LinePower && o.PrimarySource != SourceSoftware,
		}
	}
	return Setting{
		Role:     rig.Secondary,
		Source:   o.SecondaryLine,
		Overlap:  OverlapReadOut,
		Selector: SelectorFrame,
	}
}

func isLine(s string) bool {
	return strings.HasPrefix(s, "Line") && len(s) > len("Line")
}

// Configurator writes trigger settings to devices.
type Configurator struct {
	opts Options
}

func NewConfigurator(opts Options) *Configurator {
	return &Configurator{opts: opts.withDefaults()}
}

// Configure arms dev as role. The device must be Uninitialized or
// Configured (reconfiguration). On success the device is trigger-armed
// and Configured; on failure it is left where the failing write stopped
// and the error is a *ConfigError.
func (c *Configurator) Configure(dev *rig.Device, role rig.Role) (Setting, error) {
	if st := dev.State(); st != rig.Uninitialized && st != rig.Configured {
		return Setting{}, &ConfigError{DeviceID: dev.ID, Op: "configure in state " + st.String(), Err: ErrBadState}
	}
	s := c.opts.Resolve(role)
	h := dev.Handle

	steps := []struct {
		node  string
		entry string
		skip  bool
	}{
		{camera.NodeTriggerMode, "Off", false},
		{camera.NodeTriggerSource, s.Source, false},
		{camera.NodeTriggerOverlap, s.Overlap, role != rig.Secondary},
		{camera.NodeTriggerSelector, s.Selector, false},
	}
	n := 0
	for _, st := range steps {
		if st.skip {
			continue
		}
		n++
		debug.Step(n, debug.Fmt("%s: %s=%s", dev.ID, st.node, st.entry))
		if err := camera.SetEnum(h, st.node, st.entry); err != nil {
			return Setting{}, &ConfigError{DeviceID: dev.ID, Node: st.node, Op: "set", Err: err}
		}
	}
	if s.LinePower {
		n++
		debug.Step(n, debug.Fmt("%s: %s=true", dev.ID, camera.NodeLinePower))
		if err := camera.SetBool(h, camera.NodeLinePower, true); err != nil {
			return Setting{}, &ConfigError{DeviceID: dev.ID, Node: camera.NodeLinePower, Op: "set", Err: err}
		}
	}
	debug.Step(n+1, debug.Fmt("%s: %s=On", dev.ID, camera.NodeTriggerMode))
	if err := camera.SetEnum(h, camera.NodeTriggerMode, "On"); err != nil {
		return Setting{}, &ConfigError{DeviceID: dev.ID, Node: camera.NodeTriggerMode, Op: "set", Err: err}
	}

	dev.Role = role
	dev.Source = s.Source
	if err := dev.SetState(rig.Configured); err != nil {
		return Setting{}, &ConfigError{DeviceID: dev.ID, Op: "configure", Err: err}
	}
	debug.Verbose("%s configured as %s (source %s)", dev.ID, role, s.Source)
	return s, nil
}

// Reset disarms the trigger of h.
func Reset(h camera.Handle) error {
	if err := camera.SetEnum(h, camera.NodeTriggerMode, "Off"); err != nil {
		return &ConfigError{DeviceID: h.ID(), Node: camera.NodeTriggerMode, Op: "reset", Err: err}
	}
	return nil
}
