package camera

import (
	"errors"
	"testing"
	"time"
)

func armed(t *testing.T, s *Sim, source string, overlap string) {
	t.Helper()
	steps := []struct{ node, entry string }{
		{NodeTriggerMode, "Off"},
		{NodeTriggerSource, source},
		{NodeTriggerOverlap, overlap},
		{NodeTriggerSelector, "FrameStart"},
		{NodeTriggerMode, "On"},
	}
	for _, st := range steps {
		if err := SetEnum(s, st.node, st.entry); err != nil {
			t.Fatalf("SetEnum(%s=%s): %v", st.node, st.entry, err)
		}
	}
}

func TestSim_NodesRequireInit(t *testing.T) {
	s := NewSim(SimConfig{Serial: "A"}, nil)
	if _, err := s.Node(NodeTriggerMode); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Node before Init = %v, want ErrNotInitialized", err)
	}
}

func TestSim_TriggerSourceLockedWhileTriggerOn(t *testing.T) {
	s := NewSim(SimConfig{Serial: "A"}, nil)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	if err := SetEnum(s, NodeTriggerMode, "On"); err != nil {
		t.Fatal(err)
	}
	err := SetEnum(s, NodeTriggerSource, "Line3")
	if !errors.Is(err, ErrNodeNotWritable) {
		t.Errorf("source change with trigger on = %v, want ErrNodeNotWritable", err)
	}
}

func TestSim_FaultsOnNodes(t *testing.T) {
	s := NewSim(SimConfig{Serial: "A", Faults: Faults{
		MissingNodes:   []string{NodeTriggerOverlap},
		ReadOnlyNodes:  []string{NodeTriggerSelector},
		MissingEntries: map[string][]string{NodeTriggerSource: {"Line3"}},
	}}, nil)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		node  string
		entry string
		want  error
	}{
		{"missing node", NodeTriggerOverlap, "ReadOut", ErrNodeUnavailable},
		{"read-only node", NodeTriggerSelector, "FrameStart", ErrNodeNotWritable},
		{"missing entry", NodeTriggerSource, "Line3", ErrEntryUnavailable},
		{"unknown entry", NodeTriggerMode, "Maybe", ErrEntryUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := SetEnum(s, tt.node, tt.entry); !errors.Is(err, tt.want) {
				t.Errorf("SetEnum(%s=%s) = %v, want %v", tt.node, tt.entry, err, tt.want)
			}
		})
	}
}

func TestSim_SoftwareTriggerStrobesSecondaries(t *testing.T) {
	line := NewLine()
	primary := NewSim(SimConfig{Serial: "P", StrobeLine: "Line3"}, line)
	secondary := NewSim(SimConfig{Serial: "S", StrobeLine: "Line3"}, line)
	for _, s := range []*Sim{primary, secondary} {
		if err := s.Init(); err != nil {
			t.Fatal(err)
		}
	}
	armed(t, primary, "Software", "Off")
	armed(t, secondary, "Line3", "ReadOut")
	for _, s := range []*Sim{primary, secondary} {
		if err := s.BeginAcquisition(); err != nil {
			t.Fatal(err)
		}
	}

	if err := primary.FireSoftwareTrigger(); err != nil {
		t.Fatalf("FireSoftwareTrigger: %v", err)
	}

	for _, s := range []*Sim{primary, secondary} {
		f, err := s.NextFrame(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("%s NextFrame: %v", s.ID(), err)
		}
		if f.DeviceID != s.ID() || f.FrameID != 1 || f.Status != StatusOK {
			t.Errorf("%s frame = %+v", s.ID(), f)
		}
		if f.TraceID == "" {
			t.Errorf("%s frame has no trace id", s.ID())
		}
		if err := s.ReleaseFrame(f); err != nil {
			t.Errorf("%s ReleaseFrame: %v", s.ID(), err)
		}
	}
	if st := secondary.Stats(); st.Exposures != 1 || st.SoftwareTriggers != 0 {
		t.Errorf("secondary stats = %+v", st)
	}
}

func TestSim_SoftwareTriggerRequiresArmedSoftwareSource(t *testing.T) {
	s := NewSim(SimConfig{Serial: "A"}, nil)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	armed(t, s, "Line3", "ReadOut")
	if err := s.BeginAcquisition(); err != nil {
		t.Fatal(err)
	}
	if err := s.FireSoftwareTrigger(); !errors.Is(err, ErrNodeNotWritable) {
		t.Errorf("FireSoftwareTrigger on line source = %v, want ErrNodeNotWritable", err)
	}
}

func TestSim_NextFrameTimesOut(t *testing.T) {
	s := NewSim(SimConfig{Serial: "A"}, nil)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.NextFrame(time.Millisecond); !errors.Is(err, ErrNotAcquiring) {
		t.Errorf("NextFrame before begin = %v, want ErrNotAcquiring", err)
	}
	armed(t, s, "Software", "Off")
	if err := s.BeginAcquisition(); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if _, err := s.NextFrame(5 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("NextFrame on empty buffer = %v, want ErrTimeout", err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Error("NextFrame returned before its timeout")
	}
}

func TestSim_BufferSlotsDropWhenFull(t *testing.T) {
	s := NewSim(SimConfig{Serial: "A", BufferSlots: 2}, nil)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	armed(t, s, "Software", "ReadOut")
	if err := s.BeginAcquisition(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if err := s.FireSoftwareTrigger(); err != nil {
			t.Fatal(err)
		}
	}
	st := s.Stats()
	if st.Queued != 2 || st.Dropped != 2 {
		t.Errorf("queued=%d dropped=%d, want 2 and 2", st.Queued, st.Dropped)
	}
}

func TestSim_OverlapOffIgnoresPulseDuringReadout(t *testing.T) {
	for _, tt := range []struct {
		overlap string
		want    uint64
	}{
		{"Off", 1},
		{"ReadOut", 2},
	} {
		t.Run(tt.overlap, func(t *testing.T) {
			line := NewLine()
			s := NewSim(SimConfig{Serial: "S", ReadoutTime: time.Hour}, line)
			if err := s.Init(); err != nil {
				t.Fatal(err)
			}
			armed(t, s, "Line3", tt.overlap)
			if err := s.BeginAcquisition(); err != nil {
				t.Fatal(err)
			}
			_ = line.Pulse("Line3")
			_ = line.Pulse("Line3")
			if got := s.Stats().Exposures; got != tt.want {
				t.Errorf("exposures = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSim_InjectedFrameFaults(t *testing.T) {
	s := NewSim(SimConfig{Serial: "A", Faults: Faults{
		LostTriggers: []uint64{2},
		Incomplete:   []uint64{2},
	}}, nil)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	armed(t, s, "Software", "Off")
	if err := s.BeginAcquisition(); err != nil {
		t.Fatal(err)
	}

	// Exposure 1 -> frame 1 ok; exposure 2 lost; exposure 3 -> frame 2 incomplete.
	want := []struct {
		timeout    bool
		incomplete bool
	}{{false, false}, {true, false}, {false, true}}
	for i, w := range want {
		if err := s.FireSoftwareTrigger(); err != nil {
			t.Fatal(err)
		}
		f, err := s.NextFrame(2 * time.Millisecond)
		if w.timeout {
			if !errors.Is(err, ErrTimeout) {
				t.Errorf("cycle %d: err = %v, want timeout", i+1, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("cycle %d: %v", i+1, err)
		}
		if f.Incomplete != w.incomplete {
			t.Errorf("cycle %d: incomplete = %v, want %v", i+1, f.Incomplete, w.incomplete)
		}
		_ = s.ReleaseFrame(f)
	}
}

func TestSim_ReleaseUnknownBuffer(t *testing.T) {
	s := NewSim(SimConfig{Serial: "A"}, nil)
	if err := s.ReleaseFrame(Frame{BufferID: 42}); !errors.Is(err, ErrUnknownBuffer) {
		t.Errorf("ReleaseFrame = %v, want ErrUnknownBuffer", err)
	}
}

func TestSim_StaleFramesQueuedAtBegin(t *testing.T) {
	s := NewSim(SimConfig{Serial: "A", Faults: Faults{StaleFrames: 3}}, nil)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	if err := s.BeginAcquisition(); err != nil {
		t.Fatal(err)
	}
	if got := s.Stats().Queued; got != 3 {
		t.Errorf("queued = %d, want 3", got)
	}
	if err := s.EndAcquisition(); err != nil {
		t.Fatal(err)
	}
	if got := s.Stats().Queued; got != 0 {
		t.Errorf("queued after end = %d, want 0", got)
	}
}

func TestDescribeAndSetContinuous(t *testing.T) {
	s := NewSim(SimConfig{Serial: "19061234", Model: "BFS-U3", FrameRate: 42.5}, nil)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	info := Describe(s)
	if info.Serial != "19061234" || info.Model != "BFS-U3" || info.Vendor != "RigSync" {
		t.Errorf("Describe = %+v", info)
	}
	if err := SetEnum(s, NodeAcquisitionMode, "SingleFrame"); err != nil {
		t.Fatal(err)
	}
	fps, err := SetContinuous(s)
	if err != nil {
		t.Fatalf("SetContinuous: %v", err)
	}
	if fps != 42.5 {
		t.Errorf("fps = %v, want 42.5", fps)
	}
	if got := s.Setting(NodeAcquisitionMode); got != "Continuous" {
		t.Errorf("AcquisitionMode = %q", got)
	}
}

func TestSetContinuous_MissingRateIsNotFatal(t *testing.T) {
	s := NewSim(SimConfig{Serial: "A", Faults: Faults{MissingNodes: []string{NodeResultingFrameRate, NodeDeviceModelName}}}, nil)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	fps, err := SetContinuous(s)
	if err != nil || fps != 0 {
		t.Errorf("SetContinuous = %v, %v; want 0, nil", fps, err)
	}
	if info := Describe(s); info.Model != "" || info.Serial != "A" {
		t.Errorf("Describe = %+v", info)
	}
}

func TestSetContinuous_UnwritableModeFails(t *testing.T) {
	s := NewSim(SimConfig{Serial: "A", Faults: Faults{ReadOnlyNodes: []string{NodeAcquisitionMode}}}, nil)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	if _, err := SetContinuous(s); !errors.Is(err, ErrNodeNotWritable) {
		t.Errorf("SetContinuous = %v, want ErrNodeNotWritable", err)
	}
}

func TestJournalRecordsCallOrder(t *testing.T) {
	j := &Journal{}
	a := NewSim(SimConfig{Serial: "A", Journal: j}, nil)
	b := NewSim(SimConfig{Serial: "B", Journal: j}, nil)
	_ = a.Init()
	_ = b.Init()
	_ = b.DeInit()
	got := j.Entries()
	want := []string{"init A", "init B", "deinit B"}
	if len(got) != len(want) {
		t.Fatalf("entries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}
}
