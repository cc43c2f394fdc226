package camera

import (
	"fmt"
	"slices"
	"strconv"
)

type nodeKind int

const (
	kindEnum nodeKind = iota
	kindBool
	kindFloat
	kindString
	kindCommand
)

// simNode is one entry of a Sim node map. Every method takes the owning
// camera's lock.
type simNode struct {
	sim      *Sim
	name     string
	kind     nodeKind
	value    string
	entries  []string
	readOnly bool
	// writable reports extra device-state conditions for writing; nil means
	// always writable.
	writable func() bool
	exec     func() error
}

func (n *simNode) Name() string { return n.name }

func (n *simNode) Access() Access {
	n.sim.mu.Lock()
	defer n.sim.mu.Unlock()
	return n.accessLocked()
}

func (n *simNode) accessLocked() Access {
	a := Available
	if n.kind != kindCommand {
		a |= Readable
	}
	if n.readOnly || slices.Contains(n.sim.cfg.Faults.ReadOnlyNodes, n.name) {
		return a
	}
	if n.writable == nil || n.writable() {
		a |= Writable
	}
	return a
}

func (n *simNode) Get() (string, error) {
	if n.kind == kindCommand {
		return "", fmt.Errorf("%s: %w", n.name, ErrNodeNotReadable)
	}
	n.sim.mu.Lock()
	defer n.sim.mu.Unlock()
	return n.value, nil
}

func (n *simNode) Set(value string) error {
	n.sim.mu.Lock()
	defer n.sim.mu.Unlock()
	if !n.accessLocked().Has(Writable) {
		return fmt.Errorf("%s: %w", n.name, ErrNodeNotWritable)
	}
	switch n.kind {
	case kindEnum:
		if !n.hasEntryLocked(value) {
			return fmt.Errorf("%s=%s: %w", n.name, value, ErrEntryUnavailable)
		}
	case kindBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("%s: %w", n.name, err)
		}
	case kindFloat:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("%s: %w", n.name, err)
		}
	case kindCommand:
		return fmt.Errorf("%s: command node has no value", n.name)
	}
	n.value = value
	return nil
}

func (n *simNode) HasEntry(entry string) bool {
	n.sim.mu.Lock()
	defer n.sim.mu.Unlock()
	return n.hasEntryLocked(entry)
}

func (n *simNode) hasEntryLocked(entry string) bool {
	if n.kind != kindEnum || !slices.Contains(n.entries, entry) {
		return false
	}
	return !slices.Contains(n.sim.cfg.Faults.MissingEntries[n.name], entry)
}

func (n *simNode) Execute() error {
	if n.kind != kindCommand || n.exec == nil {
		return fmt.Errorf("%s: not a command node", n.name)
	}
	n.sim.mu.Lock()
	ok := n.accessLocked().Has(Writable)
	n.sim.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", n.name, ErrNodeNotWritable)
	}
	return n.exec()
}

// buildNodes lays out the node map of a freshly powered camera: trigger
// off, sourced from software, no overlap, continuous acquisition.
func (s *Sim) buildNodes() map[string]*simNode {
	nodes := make(map[string]*simNode)
	add := func(n *simNode) {
		n.sim = s
		nodes[n.name] = n
	}
	// Trigger configuration is only writable with the trigger disabled.
	triggerOff := func() bool { return nodes[NodeTriggerMode].value == "Off" }

	add(&simNode{name: NodeTriggerMode, kind: kindEnum, value: "Off", entries: []string{"Off", "On"}})
	add(&simNode{name: NodeTriggerSource, kind: kindEnum, value: "Software",
		entries: []string{"Software", "Line0", "Line1", "Line2", "Line3"}, writable: triggerOff})
	add(&simNode{name: NodeTriggerOverlap, kind: kindEnum, value: "Off",
		entries: []string{"Off", "ReadOut"}, writable: triggerOff})
	add(&simNode{name: NodeTriggerSelector, kind: kindEnum, value: "FrameStart",
		entries: []string{"FrameStart", "AcquisitionStart"}, writable: triggerOff})
	add(&simNode{name: NodeTriggerSoftware, kind: kindCommand,
		writable: func() bool {
			return s.acquiring &&
				nodes[NodeTriggerMode].value == "On" &&
				nodes[NodeTriggerSource].value == "Software"
		},
		exec: s.softwareTrigger})
	add(&simNode{name: NodeLinePower, kind: kindBool, value: "false"})
	add(&simNode{name: NodeAcquisitionMode, kind: kindEnum, value: "Continuous",
		entries:  []string{"Continuous", "SingleFrame", "MultiFrame"},
		writable: func() bool { return !s.acquiring }})
	add(&simNode{name: NodeResultingFrameRate, kind: kindFloat, readOnly: true,
		value: strconv.FormatFloat(s.cfg.FrameRate, 'f', -1, 64)})
	add(&simNode{name: NodeDeviceSerialNumber, kind: kindString, readOnly: true, value: s.cfg.Serial})
	add(&simNode{name: NodeDeviceVendorName, kind: kindString, readOnly: true, value: "RigSync"})
	add(&simNode{name: NodeDeviceModelName, kind: kindString, readOnly: true, value: s.cfg.Model})
	add(&simNode{name: NodeDeviceFirmwareVersion, kind: kindString, readOnly: true, value: "1.0.0"})
	return nodes
}

// Setting returns the current value of node name, bypassing access
// checks. Tests use it to inspect the configured device.
func (s *Sim) Setting(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[name]; ok {
		return n.value
	}
	return ""
}
