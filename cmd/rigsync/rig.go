package main

import (
	"fmt"
	"io"

	"github.com/cjeanneret/RigSync/internal/acquire"
	"github.com/cjeanneret/RigSync/internal/config"
	"github.com/cjeanneret/RigSync/internal/hw/camera"
	"github.com/cjeanneret/RigSync/internal/hw/gpio"
	"github.com/cjeanneret/RigSync/internal/hw/pulse"
	"github.com/cjeanneret/RigSync/internal/session"
)

// buildRig creates the configured cameras on a shared line bus. The
// primary's strobe drives the secondary input line.
func buildRig(cfg *config.Config) (*camera.Line, *session.Registry) {
	line := camera.NewLine()
	handles := make([]camera.Handle, 0, len(cfg.Rig.Devices))
	for _, d := range cfg.Rig.Devices {
		handles = append(handles, camera.NewSim(camera.SimConfig{
			Serial:      d.Serial,
			Model:       d.Model,
			BufferSlots: cfg.Acquisition.BufferSlots,
			ReadoutTime: d.Readout(),
			FrameRate:   d.FrameRate,
			StrobeLine:  cfg.Trigger.SecondaryLine,
		}, line))
	}
	return line, session.NewRegistry(handles...)
}

// closablePulser is a pulse source owning a port or pin.
type closablePulser interface {
	acquire.Pulser
	io.Closer
}

// gpioPulser closes the driver along with the pulse pin.
type gpioPulser struct {
	*pulse.GPIO
	driver gpio.Driver
}

func (p gpioPulser) Close() error {
	err := p.GPIO.Close()
	if cerr := p.driver.Close(); err == nil {
		err = cerr
	}
	return err
}

// newPulser opens the external trigger source of a hardware-line
// primary. It returns nil when the line is driven from outside the rig.
func newPulser(cfg *config.Config, line *camera.Line) (closablePulser, error) {
	p := cfg.Trigger.Pulse
	switch p.Type {
	case config.PulseNone:
		return nil, nil
	case config.PulseSim:
		return pulse.Line{Bus: line, Name: cfg.Trigger.PrimarySource}, nil
	case config.PulseGPIO:
		driver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
		if err != nil {
			return nil, fmt.Errorf("init GPIO: %w", err)
		}
		g, err := pulse.NewGPIO(driver, p.Pin, cfg.PulseWidth(), p.ActiveLow)
		if err != nil {
			driver.Close()
			return nil, err
		}
		return gpioPulser{GPIO: g, driver: driver}, nil
	case config.PulseSerial:
		s, err := pulse.OpenSerial(p.Port, p.Serial, []byte(p.Command))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported pulse type: %s", p.Type)
	}
}
