package acquire

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/RigSync/internal/debug"
	"github.com/cjeanneret/RigSync/internal/hw/camera"
	"github.com/cjeanneret/RigSync/internal/rig"
	"github.com/cjeanneret/RigSync/internal/trigger"
)

// ControllerConfig describes one session.
type ControllerConfig struct {
	// Handles in configuration order.
	Handles   []camera.Handle
	PrimaryID string
	Trigger   trigger.Options
	Loop      LoopConfig
}

// Controller owns the devices of one session: it brings them up one by
// one, runs the acquisition loop and tears them down again.
type Controller struct {
	plan         trigger.Plan
	devices      []*rig.Device
	configurator *trigger.Configurator
	loop         *Loop

	mu      sync.Mutex
	running bool
	// frameRates holds what each device reported after entering
	// continuous mode.
	frameRates map[string]float64
}

// NewController resolves the trigger plan and prepares the loop. No
// device is touched until Run.
func NewController(cfg ControllerConfig) (*Controller, error) {
	ids := make([]string, len(cfg.Handles))
	byID := make(map[string]camera.Handle, len(cfg.Handles))
	for i, h := range cfg.Handles {
		ids[i] = h.ID()
		byID[h.ID()] = h
	}
	plan, err := trigger.NewPlan(ids, cfg.PrimaryID, cfg.Trigger)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}
	devices := make([]*rig.Device, 0, len(plan.Order))
	for _, id := range plan.Order {
		d := rig.NewDevice(index[id], byID[id])
		d.Role = plan.Settings[id].Role
		d.Source = plan.Settings[id].Source
		devices = append(devices, d)
	}

	loop, err := NewLoop(devices, cfg.Loop)
	if err != nil {
		return nil, err
	}
	return &Controller{
		plan:         plan,
		devices:      devices,
		configurator: trigger.NewConfigurator(cfg.Trigger),
		loop:         loop,
		frameRates:   make(map[string]float64),
	}, nil
}

func (c *Controller) Plan() trigger.Plan { return c.plan }

// Devices returns the session devices in plan order.
func (c *Controller) Devices() []*rig.Device { return c.devices }

// Loop returns the acquisition loop for state and diagnostics reads.
func (c *Controller) Loop() *Loop { return c.loop }

// FrameRate returns the resulting frame rate device id reported, or 0.
func (c *Controller) FrameRate(id string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameRates[id]
}

// Run sets up every device in plan order, runs the loop and releases the
// devices. A setup failure returns *SessionAbort after stopping and
// deinitializing the devices already brought up; devices after the
// failing one are never touched.
func (c *Controller) Run(ctx context.Context, stop StopFunc) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.running = true
	c.mu.Unlock()

	debug.Section("Session setup")
	if err := c.setup(); err != nil {
		debug.Error(err)
		return err
	}

	runErr := c.loop.Run(ctx, stop)

	for _, d := range c.devices {
		if err := d.Handle.DeInit(); err != nil {
			debug.Warn("Controller: deinit %s: %v", d.ID, err)
		}
	}
	s := c.loop.Stats()
	debug.Info("Session finished: %d cycles, %d delivered, %d incomplete, %d failed",
		s.Cycles, s.Delivered, s.Incomplete, s.Failures)
	return runErr
}

func (c *Controller) setup() error {
	var initialized, begun []*rig.Device
	abort := func(d *rig.Device, stage string, err error) error {
		c.unwind(initialized, begun)
		return &SessionAbort{DeviceID: d.ID, Stage: stage, Err: err}
	}

	for i, d := range c.devices {
		h := d.Handle
		debug.Step(i+1, debug.Fmt("%s %s", d.Role, d.ID))

		if err := h.Init(); err != nil {
			return abort(d, StageInit, err)
		}
		initialized = append(initialized, d)
		debug.Info("%s %s: %s", d.Role, d.ID, camera.Describe(h))

		if _, err := c.configurator.Configure(d, d.Role); err != nil {
			return abort(d, StageConfigure, err)
		}

		fps, err := camera.SetContinuous(h)
		if err != nil {
			return abort(d, StageMode, err)
		}
		c.mu.Lock()
		c.frameRates[d.ID] = fps
		c.mu.Unlock()
		debug.Value(d.ID+" frame rate", fps)

		if err := h.BeginAcquisition(); err != nil {
			return abort(d, StageBegin, err)
		}
		begun = append(begun, d)
		if err := d.SetState(rig.Acquiring); err != nil {
			return abort(d, StageBegin, err)
		}
	}
	return nil
}

// unwind stops what setup started, newest first.
func (c *Controller) unwind(initialized, begun []*rig.Device) {
	var errs []error
	for i := len(begun) - 1; i >= 0; i-- {
		d := begun[i]
		if err := d.Handle.EndAcquisition(); err != nil {
			errs = append(errs, fmt.Errorf("end %s: %w", d.ID, err))
		}
	}
	for i := len(initialized) - 1; i >= 0; i-- {
		d := initialized[i]
		if err := trigger.Reset(d.Handle); err != nil {
			errs = append(errs, err)
		}
		if err := d.Handle.DeInit(); err != nil {
			errs = append(errs, fmt.Errorf("deinit %s: %w", d.ID, err))
		}
		_ = d.SetState(rig.Stopped)
	}
	if err := errors.Join(errs...); err != nil {
		debug.Warn("Controller: unwind: %v", err)
	}
}
