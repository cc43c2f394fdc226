package camera

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/RigSync/internal/debug"
)

// SimConfig describes one simulated camera.
type SimConfig struct {
	Serial      string
	Model       string
	BufferSlots int           // frames the device can hold unreleased (default 10)
	ReadoutTime time.Duration // sensor readout after each exposure
	FrameRate   float64       // reported AcquisitionResultingFrameRate (default 30)
	Width       int           // default 64
	Height      int           // default 48
	// StrobeLine is the line this camera's output is wired to. Each
	// exposure raises it for the rest of the rig.
	StrobeLine string
	Faults     Faults
	Journal    *Journal
}

// Faults injects failures into a simulated camera. Frame and trigger
// numbers are 1-based and count per acquisition.
type Faults struct {
	MissingNodes   []string
	ReadOnlyNodes  []string
	MissingEntries map[string][]string // node -> entries the device does not offer
	InitErr        error
	BeginErr       error
	EndErr         error
	TriggerErr     error
	LostTriggers   []uint64 // exposures that never produce a frame
	Incomplete     []uint64 // produced frames flagged incomplete
	FailRetrievals []uint64 // NextFrame calls (positive timeout) that fail outright
	StaleFrames    int      // frames already queued when acquisition begins
}

// SimStats is a snapshot of a simulated camera's counters.
type SimStats struct {
	Inits            int
	DeInits          int
	Begins           int
	Ends             int
	SoftwareTriggers int
	Exposures        uint64
	Retrieved        int
	Released         int
	Dropped          int // frames lost because every buffer slot was taken
	Missed           int // pulses ignored (lost, or overlapping a readout)
	Queued           int
	Outstanding      int
}

// Sim is an in-memory camera satisfying Handle. It models a trigger
// input, a fixed pool of buffer slots and the readout overlap policy,
// which is enough to exercise the acquisition loop without hardware.
type Sim struct {
	cfg  SimConfig
	line *Line

	mu           sync.Mutex
	nodes        map[string]*simNode
	initialized  bool
	acquiring    bool
	queue        []Frame
	outstanding  map[uint64]Frame
	nextBuffer   uint64
	frameCounter uint64
	exposures    uint64
	retrievals   uint64
	lastExposure time.Time
	stats        SimStats
	ready        chan struct{}
}

// NewSim creates a simulated camera attached to line (which may be nil
// for a standalone device).
func NewSim(cfg SimConfig, line *Line) *Sim {
	if cfg.BufferSlots <= 0 {
		cfg.BufferSlots = 10
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}
	if cfg.Width <= 0 {
		cfg.Width = 64
	}
	if cfg.Height <= 0 {
		cfg.Height = 48
	}
	if cfg.Model == "" {
		cfg.Model = "SimCam"
	}
	s := &Sim{
		cfg:         cfg,
		line:        line,
		outstanding: make(map[uint64]Frame),
		ready:       make(chan struct{}, 1),
	}
	s.nodes = s.buildNodes()
	if line != nil {
		line.attach(s)
	}
	return s
}

func (s *Sim) ID() string { return s.cfg.Serial }

func (s *Sim) Init() error {
	s.record("init")
	if s.cfg.Faults.InitErr != nil {
		return s.cfg.Faults.InitErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	s.stats.Inits++
	return nil
}

func (s *Sim) DeInit() error {
	s.record("deinit")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	s.acquiring = false
	s.stats.DeInits++
	return nil
}

func (s *Sim) Node(name string) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	if slices.Contains(s.cfg.Faults.MissingNodes, name) {
		return nil, ErrNodeUnavailable
	}
	n, ok := s.nodes[name]
	if !ok {
		return nil, ErrNodeUnavailable
	}
	return n, nil
}

func (s *Sim) BeginAcquisition() error {
	s.record("begin")
	if s.cfg.Faults.BeginErr != nil {
		return s.cfg.Faults.BeginErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	s.acquiring = true
	s.exposures = 0
	s.retrievals = 0
	s.stats.Begins++
	for i := 0; i < s.cfg.Faults.StaleFrames; i++ {
		s.enqueueLocked(time.Now())
	}
	return nil
}

func (s *Sim) EndAcquisition() error {
	s.record("end")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Ends++
	s.acquiring = false
	s.queue = nil
	if s.cfg.Faults.EndErr != nil {
		return s.cfg.Faults.EndErr
	}
	return nil
}

func (s *Sim) NextFrame(timeout time.Duration) (Frame, error) {
	s.record("next")
	s.mu.Lock()
	if !s.acquiring {
		s.mu.Unlock()
		return Frame{}, ErrNotAcquiring
	}
	if timeout > 0 {
		s.retrievals++
	}
	if timeout > 0 && slices.Contains(s.cfg.Faults.FailRetrievals, s.retrievals) {
		// The transfer is lost with the frame it carried.
		if len(s.queue) > 0 {
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()
		return Frame{}, fmt.Errorf("sim %s: stream error on retrieval %d", s.cfg.Serial, s.retrievals)
	}
	s.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			f := s.queue[0]
			s.queue = s.queue[1:]
			s.outstanding[f.BufferID] = f
			s.stats.Retrieved++
			s.mu.Unlock()
			return f, nil
		}
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Frame{}, ErrTimeout
		}
		timer := time.NewTimer(remaining)
		select {
		case <-s.ready:
			timer.Stop()
		case <-timer.C:
			return Frame{}, ErrTimeout
		}
	}
}

func (s *Sim) ReleaseFrame(f Frame) error {
	s.record("release")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outstanding[f.BufferID]; !ok {
		return fmt.Errorf("buffer %d: %w", f.BufferID, ErrUnknownBuffer)
	}
	delete(s.outstanding, f.BufferID)
	s.stats.Released++
	return nil
}

func (s *Sim) FireSoftwareTrigger() error {
	if s.cfg.Faults.TriggerErr != nil {
		return s.cfg.Faults.TriggerErr
	}
	return Execute(s, NodeTriggerSoftware)
}

// Stats returns a snapshot of the camera counters.
func (s *Sim) Stats() SimStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Exposures = s.exposures
	st.Queued = len(s.queue)
	st.Outstanding = len(s.outstanding)
	return st
}

func (s *Sim) softwareTrigger() error {
	s.mu.Lock()
	s.stats.SoftwareTriggers++
	strobe := s.exposeLocked() && s.strobesLocked()
	s.mu.Unlock()
	if strobe {
		s.line.pulse(s.cfg.StrobeLine, s)
	}
	return nil
}

// onLine is called by the Line when a hardware line is raised.
func (s *Sim) onLine(name string) {
	s.mu.Lock()
	strobe := s.nodes[NodeTriggerSource].value == name && s.exposeLocked() && s.strobesLocked()
	s.mu.Unlock()
	if strobe {
		s.line.pulse(s.cfg.StrobeLine, s)
	}
}

// strobesLocked reports whether an exposure drives the strobe output. A
// camera listening on its own strobe line never re-emits it.
func (s *Sim) strobesLocked() bool {
	return s.line != nil && s.cfg.StrobeLine != "" &&
		s.nodes[NodeTriggerSource].value != s.cfg.StrobeLine
}

func (s *Sim) exposeLocked() bool {
	if !s.acquiring || s.nodes[NodeTriggerMode].value != "On" {
		return false
	}
	now := time.Now()
	if s.cfg.ReadoutTime > 0 && !s.lastExposure.IsZero() &&
		s.nodes[NodeTriggerOverlap].value != "ReadOut" &&
		now.Sub(s.lastExposure) < s.cfg.ReadoutTime {
		s.stats.Missed++
		debug.Trace("sim %s: trigger ignored during readout", s.cfg.Serial)
		return false
	}
	s.exposures++
	if slices.Contains(s.cfg.Faults.LostTriggers, s.exposures) {
		s.stats.Missed++
		return false
	}
	s.lastExposure = now
	s.enqueueLocked(now)
	return true
}

func (s *Sim) enqueueLocked(now time.Time) {
	if len(s.queue)+len(s.outstanding) >= s.cfg.BufferSlots {
		s.stats.Dropped++
		return
	}
	s.frameCounter++
	s.nextBuffer++
	f := Frame{
		DeviceID:  s.cfg.Serial,
		BufferID:  s.nextBuffer,
		FrameID:   s.frameCounter,
		TraceID:   uuid.NewString(),
		Status:    StatusOK,
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Data:      make([]byte, s.cfg.Width*s.cfg.Height),
		Timestamp: now,
	}
	for i := range f.Data {
		f.Data[i] = byte(f.FrameID)
	}
	if slices.Contains(s.cfg.Faults.Incomplete, f.FrameID) {
		f.Incomplete = true
		f.Status = StatusMissingPackets
		f.Data = f.Data[:len(f.Data)/2]
	}
	s.queue = append(s.queue, f)
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *Sim) record(op string) {
	if s.cfg.Journal != nil {
		s.cfg.Journal.add(op + " " + s.cfg.Serial)
	}
}

// Line models the hardware trigger lines shared by the cameras of a rig.
type Line struct {
	mu   sync.Mutex
	cams []*Sim
}

// NewLine returns an empty set of trigger lines.
func NewLine() *Line { return &Line{} }

func (l *Line) attach(s *Sim) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cams = append(l.cams, s)
}

// Pulse raises the named line ("Line0".."Line3") once on every attached
// camera, as an external pulse generator would.
func (l *Line) Pulse(name string) error {
	if name == "" {
		return errors.New("sim line: empty line name")
	}
	l.pulse(name, nil)
	return nil
}

func (l *Line) pulse(name string, from *Sim) {
	l.mu.Lock()
	cams := slices.Clone(l.cams)
	l.mu.Unlock()
	for _, c := range cams {
		if c != from {
			c.onLine(name)
		}
	}
}

// Journal records device calls across cameras in the order they happen.
type Journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *Journal) add(e string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
}

// Entries returns a copy of the recorded calls ("next A", "release B", ...).
func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.entries)
}
