// Package pulse drives external trigger sources for a rig whose primary
// camera listens on a hardware line instead of a software trigger.
package pulse

import (
	"fmt"
	"time"

	"github.com/cjeanneret/RigSync/internal/debug"
	"github.com/cjeanneret/RigSync/internal/hw/gpio"
)

// GPIO raises one GPIO pin for a fixed width on every Pulse. The pin is
// wired to the primary camera's trigger input line.
//
// Pulse sequence:
// 1. pin to the active level (camera exposes on the edge)
// 2. hold for the pulse width
// 3. pin back to the idle level
type GPIO struct {
	gpio      gpio.Driver
	pin       int
	width     time.Duration
	activeLow bool
}

// NewGPIO configures pin as an output and parks it at its idle level.
func NewGPIO(g gpio.Driver, pin int, width time.Duration, activeLow bool) (*GPIO, error) {
	p := &GPIO{gpio: g, pin: pin, width: width, activeLow: activeLow}
	if err := g.SetupPin(pin, gpio.Output); err != nil {
		return nil, fmt.Errorf("pulse: setup pin %d: %w", pin, err)
	}
	if err := g.WritePin(pin, p.idle()); err != nil {
		return nil, fmt.Errorf("pulse: idle pin %d: %w", pin, err)
	}
	return p, nil
}

func (p *GPIO) active() gpio.Level { return gpio.Level(!p.activeLow) }
func (p *GPIO) idle() gpio.Level   { return gpio.Level(p.activeLow) }

// Pulse emits one trigger pulse.
func (p *GPIO) Pulse() error {
	debug.Verbose("Pulse: pin %d -> %v for %v", p.pin, p.active(), p.width)
	if err := p.gpio.WritePin(p.pin, p.active()); err != nil {
		// Leave the line idle so the camera does not see a stuck trigger.
		_ = p.gpio.WritePin(p.pin, p.idle())
		return fmt.Errorf("pulse: raise pin %d: %w", p.pin, err)
	}
	time.Sleep(p.width)
	if err := p.gpio.WritePin(p.pin, p.idle()); err != nil {
		return fmt.Errorf("pulse: release pin %d: %w", p.pin, err)
	}
	return nil
}

// Close parks the pin at its idle level. The driver itself is owned by
// the caller.
func (p *GPIO) Close() error {
	return p.gpio.WritePin(p.pin, p.idle())
}

// Line pulses a named line on anything that can raise it, such as the
// simulated trigger bus.
type Line struct {
	Bus interface{ Pulse(name string) error }
	// Name of the line, e.g. "Line0".
	Name string
}

func (l Line) Pulse() error { return l.Bus.Pulse(l.Name) }

func (l Line) Close() error { return nil }
