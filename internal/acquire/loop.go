// Package acquire runs the trigger-and-collect cycle of a camera rig.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/RigSync/internal/debug"
	"github.com/cjeanneret/RigSync/internal/hw/camera"
	"github.com/cjeanneret/RigSync/internal/rig"
	"github.com/cjeanneret/RigSync/internal/trigger"
)

// State is the loop's position in Idle -> Running -> Draining -> Stopped.
type State int32

const (
	Idle State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	defaultDrainLimit        = 64
	DefaultRendezvousTimeout = 30 * time.Second
)

// LoopConfig tunes the acquisition loop.
type LoopConfig struct {
	// RetrievalTimeout bounds every NextFrame call. Required.
	RetrievalTimeout time.Duration
	// MaxConsecutiveFailures ends the loop once every device has failed
	// for more consecutive cycles than this. Zero disables the check.
	MaxConsecutiveFailures int
	// Rendezvous gates software and pulsed triggers. Nil fires at once.
	Rendezvous Rendezvous
	// RendezvousTimeout bounds every rendezvous wait. A wait that runs
	// out fires nothing and the loop goes back to its stop checks. Zero
	// means DefaultRendezvousTimeout.
	RendezvousTimeout time.Duration
	// Pulser fires the line of a hardware-line primary. Nil means the
	// line is driven by something outside the rig.
	Pulser   Pulser
	Consumer Consumer
	Observer CycleObserver
	// DrainLimit caps the stale frames discarded per device before the
	// first cycle.
	DrainLimit int
}

// Loop fires the primary trigger and collects one frame per device per
// cycle, round-robin in plan order, from a single goroutine.
type Loop struct {
	cfg     LoopConfig
	devices []*rig.Device
	state   atomic.Int32
	started atomic.Bool
	ledger  *Ledger
	stats   *statsTracker
}

// NewLoop builds a loop over devices, which must be in plan order
// (primary first).
func NewLoop(devices []*rig.Device, cfg LoopConfig) (*Loop, error) {
	if len(devices) == 0 {
		return nil, errors.New("acquire: no devices")
	}
	if cfg.RetrievalTimeout <= 0 {
		return nil, errors.New("acquire: retrieval timeout must be positive")
	}
	if cfg.MaxConsecutiveFailures < 0 {
		return nil, errors.New("acquire: negative failure threshold")
	}
	if devices[0].Role != rig.Primary {
		return nil, fmt.Errorf("acquire: first device %s is not the primary", devices[0].ID)
	}
	for _, d := range devices[1:] {
		if d.Role == rig.Primary {
			return nil, fmt.Errorf("acquire: second primary %s", d.ID)
		}
	}
	if cfg.Rendezvous == nil {
		cfg.Rendezvous = Immediate{}
	}
	if cfg.RendezvousTimeout < 0 {
		return nil, errors.New("acquire: negative rendezvous timeout")
	}
	if cfg.RendezvousTimeout == 0 {
		cfg.RendezvousTimeout = DefaultRendezvousTimeout
	}
	if cfg.Consumer == nil {
		cfg.Consumer = NopConsumer{}
	}
	if cfg.DrainLimit <= 0 {
		cfg.DrainLimit = defaultDrainLimit
	}
	return &Loop{
		cfg:     cfg,
		devices: devices,
		ledger:  NewLedger(),
		stats:   newStatsTracker(),
	}, nil
}

// State is safe to call from any goroutine.
func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) setState(s State) {
	debug.Verbose("Loop: %s -> %s", l.State(), s)
	l.state.Store(int32(s))
}

// Stats returns a diagnostics snapshot; safe from any goroutine.
func (l *Loop) Stats() Stats { return l.stats.snapshot() }

// Ledger exposes the per-device buffer balance.
func (l *Loop) Ledger() *Ledger { return l.ledger }

// Run cycles until stop returns true, ctx is cancelled, the rendezvous
// reports an operator stop, or the failure threshold is exceeded. Stop
// conditions are honoured between cycles only, and after every
// rendezvous wait that timed out. Whatever ends the loop,
// every device is taken out of acquisition and disarmed before Run
// returns.
//
// Run returns nil for a requested stop, ctx.Err() for cancellation and
// ErrFailureThreshold when the rig stopped producing frames.
func (l *Loop) Run(ctx context.Context, stop StopFunc) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	for _, d := range l.devices {
		if st := d.State(); st != rig.Acquiring {
			return fmt.Errorf("%w: %s is %s", ErrNotReady, d.ID, st)
		}
	}

	l.drainStale()
	l.setState(Running)
	debug.Plan(len(l.devices), l.devices[0].ID, l.devices[0].Source)

	runErr := l.run(ctx, stop)

	l.setState(Draining)
	l.drain()
	l.setState(Stopped)
	return runErr
}

func (l *Loop) run(ctx context.Context, stop StopFunc) error {
	start := time.Now()
	failures := 0
	var last CycleRecord
	for cycle := uint64(1); ; cycle++ {
		select {
		case <-ctx.Done():
			debug.Info("Loop: cancelled after %d cycles", cycle-1)
			return ctx.Err()
		default:
		}

		rec, err := l.cycle(ctx, cycle, start)
		if errors.Is(err, ErrStopRequested) {
			debug.Info("Loop: operator stop after %d cycles", cycle-1)
			return nil
		}
		if errors.Is(err, ErrRendezvousTimeout) {
			// The cycle never happened; its index is reused.
			l.stats.rendezvousTimeout()
			debug.Live("Loop: no trigger for cycle %d within %s", cycle, l.cfg.RendezvousTimeout)
			cycle--
			if stop != nil && stop(last) {
				return nil
			}
			continue
		}
		if err != nil {
			return err
		}
		last = rec

		l.stats.record(rec)
		if l.cfg.Observer != nil {
			l.cfg.Observer.OnCycle(rec)
		}
		debug.Cycle(rec.Index, rec.Delivered(), len(l.devices))

		if rec.AllFailed() {
			failures++
		} else {
			failures = 0
		}
		if l.cfg.MaxConsecutiveFailures > 0 && failures > l.cfg.MaxConsecutiveFailures {
			debug.Warn("Loop: %d consecutive cycles without a frame", failures)
			return fmt.Errorf("%w: %d cycles", ErrFailureThreshold, failures)
		}
		if stop != nil && stop(rec) {
			return nil
		}
	}
}

// cycle runs one trigger-and-collect pass. It only returns an error when
// the rendezvous ends the loop before the trigger fired.
func (l *Loop) cycle(ctx context.Context, index uint64, loopStart time.Time) (CycleRecord, error) {
	start := time.Now()
	rec := CycleRecord{Index: index, At: start}
	primary := l.devices[0]

	software := primary.Source == trigger.SourceSoftware
	if software || l.cfg.Pulser != nil {
		if err := l.wait(ctx, index); err != nil {
			return rec, err
		}
	}

	var fireErr error
	switch {
	case software:
		fireErr = primary.Handle.FireSoftwareTrigger()
	case l.cfg.Pulser != nil:
		fireErr = l.cfg.Pulser.Pulse()
	}
	if fireErr != nil {
		rec.TriggerErr = fireErr
		rec.TriggerReason = fireErr.Error()
		debug.Warn("Loop: trigger on %s failed: %v", primary.ID, fireErr)
		for _, d := range l.devices {
			o := Outcome{
				DeviceID: d.ID,
				Kind:     RetrievalFailed,
				Err:      fmt.Errorf("%w: trigger not fired: %v", ErrRetrievalFailed, fireErr),
			}
			o.Reason = o.Err.Error()
			rec.Outcomes = append(rec.Outcomes, o)
			l.cfg.Consumer.OnFrameProblem(d.ID, o, index)
		}
	} else {
		debug.Trigger(primary.ID, primary.Source, index)
		for _, d := range l.devices {
			rec.Outcomes = append(rec.Outcomes, l.collect(d, index))
		}
	}

	end := time.Now()
	rec.Duration = end.Sub(start)
	rec.Elapsed = end.Sub(loopStart)
	return rec, nil
}

// wait runs the rendezvous under the rendezvous timeout. Only the
// timeout's own expiry maps to ErrRendezvousTimeout; ctx errors pass
// through.
func (l *Loop) wait(ctx context.Context, index uint64) error {
	wctx, cancel := context.WithTimeout(ctx, l.cfg.RendezvousTimeout)
	defer cancel()
	err := l.cfg.Rendezvous.Wait(wctx, index)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return ErrRendezvousTimeout
	}
	return err
}

// collect retrieves, validates, hands out and releases one frame.
func (l *Loop) collect(d *rig.Device, index uint64) Outcome {
	if err := l.ledger.CanRetrieve(d.ID); err != nil {
		o := Outcome{DeviceID: d.ID, Kind: RetrievalFailed, Err: err, Reason: err.Error()}
		l.cfg.Consumer.OnFrameProblem(d.ID, o, index)
		return o
	}

	f, err := d.Handle.NextFrame(l.cfg.RetrievalTimeout)
	o := Validate(f, err)
	o.DeviceID = d.ID
	if err != nil {
		debug.Warn("Loop: cycle %d: %s: %v", index, d.ID, o.Err)
		l.cfg.Consumer.OnFrameProblem(d.ID, o, index)
		return o
	}

	l.ledger.Retrieved(d.ID, f)
	if o.Kind == Delivered {
		debug.Frame(d.ID, f.FrameID, index)
		l.cfg.Consumer.OnFrameDelivered(d.ID, f, index)
	} else {
		debug.Warn("Loop: cycle %d: %s: %v", index, d.ID, o.Err)
		l.cfg.Consumer.OnFrameProblem(d.ID, o, index)
	}
	l.release(d, f)
	return o
}

func (l *Loop) release(d *rig.Device, f camera.Frame) {
	if err := d.Handle.ReleaseFrame(f); err != nil {
		l.stats.releaseError()
		debug.Warn("Loop: release of %s buffer %d: %v", d.ID, f.BufferID, err)
	}
	if err := l.ledger.Released(d.ID); err != nil {
		debug.Error(err)
	}
}

// drainStale discards frames queued before the first trigger.
func (l *Loop) drainStale() {
	for _, d := range l.devices {
		for i := 0; i < l.cfg.DrainLimit; i++ {
			f, err := d.Handle.NextFrame(0)
			if err != nil {
				break
			}
			l.ledger.Retrieved(d.ID, f)
			l.stats.stale(d.ID)
			debug.Verbose("Loop: discarding stale frame %d from %s", f.FrameID, d.ID)
			l.release(d, f)
		}
	}
}

// drain ends acquisition on every device, whatever happened before, then
// disarms its trigger. Failures are logged and do not stop the drain.
func (l *Loop) drain() {
	for _, d := range l.devices {
		if err := d.Handle.EndAcquisition(); err != nil {
			debug.Warn("Loop: end acquisition on %s: %v", d.ID, err)
		}
		if err := trigger.Reset(d.Handle); err != nil {
			debug.Warn("Loop: %v", err)
		}
		_ = d.SetState(rig.Stopped)
	}
}
