package acquire

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/RigSync/internal/hw/camera"
)

type delivery struct {
	Cycle   uint64
	Device  string
	FrameID uint64
}

// recorder is a Consumer and CycleObserver that keeps everything it sees.
type recorder struct {
	mu         sync.Mutex
	deliveries []delivery
	problems   []Outcome
	cycles     []CycleRecord
}

func (r *recorder) OnFrameDelivered(id string, f camera.Frame, cycle uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, delivery{Cycle: cycle, Device: id, FrameID: f.FrameID})
}

func (r *recorder) OnFrameProblem(id string, o Outcome, cycle uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.problems = append(r.problems, o)
}

func (r *recorder) OnCycle(rec CycleRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles = append(r.cycles, rec)
}

func (r *recorder) records() []CycleRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CycleRecord(nil), r.cycles...)
}

// newRig builds simulated cameras on one shared line. Every camera's
// strobe drives Line3, the default secondary input.
func newRig(cfgs ...camera.SimConfig) ([]*camera.Sim, []camera.Handle) {
	line := camera.NewLine()
	sims := make([]*camera.Sim, len(cfgs))
	handles := make([]camera.Handle, len(cfgs))
	for i, c := range cfgs {
		if c.StrobeLine == "" {
			c.StrobeLine = "Line3"
		}
		sims[i] = camera.NewSim(c, line)
		handles[i] = sims[i]
	}
	return sims, handles
}

func newController(t *testing.T, handles []camera.Handle, primary string, loop LoopConfig) *Controller {
	t.Helper()
	c, err := NewController(ControllerConfig{Handles: handles, PrimaryID: primary, Loop: loop})
	require.NoError(t, err)
	return c
}
