package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/RigSync/internal/acquire"
	"github.com/cjeanneret/RigSync/internal/config"
	"github.com/cjeanneret/RigSync/internal/cyclelog"
	"github.com/cjeanneret/RigSync/internal/hw/pulse"
	"github.com/cjeanneret/RigSync/internal/session"
)

// ---------- validateCLIOverrides ----------

func TestValidateCLIOverrides_AllZero(t *testing.T) {
	if err := validateCLIOverrides(cliOverrides{}); err != nil {
		t.Errorf("all zeros should be valid (use config defaults), got: %v", err)
	}
}

func TestValidateCLIOverrides_ValidBoundary(t *testing.T) {
	cases := []struct {
		name string
		o    cliOverrides
	}{
		{"min_timeout", cliOverrides{RetrievalTimeoutMs: 1}},
		{"max_timeout", cliOverrides{RetrievalTimeoutMs: maxRetrievalTimeoutMs}},
		{"one_cycle", cliOverrides{MaxCycles: 1}},
		{"max_cycles", cliOverrides{MaxCycles: 100_000_000}},
		{"primary_only", cliOverrides{Primary: "B"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := validateCLIOverrides(tc.o); err != nil {
				t.Errorf("expected valid, got: %v", err)
			}
		})
	}
}

func TestValidateCLIOverrides_OutOfRange(t *testing.T) {
	cases := []struct {
		name string
		o    cliOverrides
	}{
		{"negative_timeout", cliOverrides{RetrievalTimeoutMs: -1}},
		{"timeout_too_large", cliOverrides{RetrievalTimeoutMs: maxRetrievalTimeoutMs + 1}},
		{"cycles_too_large", cliOverrides{MaxCycles: 100_000_001}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := validateCLIOverrides(tc.o); err == nil {
				t.Error("expected error for out-of-range value, got nil")
			}
		})
	}
}

// ---------- webPortFlag ----------

func TestWebPortFlag_EmptyString(t *testing.T) {
	w := &webPortFlag{defaultPort: 8080}
	if err := w.Set(""); err != nil {
		t.Fatalf("Set(\"\") error: %v", err)
	}
	if w.port() != 8080 {
		t.Errorf("expected default port 8080, got %d", w.port())
	}
}

func TestWebPortFlag_ValidPorts(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{"8080", 8080},
		{"1", 1},
		{"65535", 65535},
		{"3000", 3000},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(tc.input); err != nil {
				t.Fatalf("Set(%q) error: %v", tc.input, err)
			}
			if w.port() != tc.want {
				t.Errorf("port() = %d, want %d", w.port(), tc.want)
			}
		})
	}
}

func TestWebPortFlag_InvalidPorts(t *testing.T) {
	cases := []string{"0", "65536", "-1", "abc", "8080.5"}
	for _, input := range cases {
		t.Run(input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(input); err == nil {
				t.Errorf("Set(%q) should fail, got nil", input)
			}
		})
	}
}

func TestWebPortFlag_String(t *testing.T) {
	w := &webPortFlag{val: 0}
	if s := w.String(); s != "0" {
		t.Errorf("String() = %q, want \"0\"", s)
	}
	w.val = 9090
	if s := w.String(); s != "9090" {
		t.Errorf("String() = %q, want \"9090\"", s)
	}
}

// ---------- applyOverrides ----------

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Rig: config.RigConfig{Devices: []config.DeviceConfig{
			{Serial: "A", Model: "SimCam"},
			{Serial: "B"},
			{Serial: "C"},
		}},
		Acquisition: config.AcquisitionConfig{
			RetrievalTimeoutMs: 200,
			MaxCycles:          5,
			Rendezvous:         config.RendezvousImmediate,
		},
		Defaults: config.DefaultsConfig{MockGPIO: true},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	return cfg
}

func TestApplyOverrides_NonZero(t *testing.T) {
	cfg := newTestConfig(t)
	err := applyOverrides(cfg, cliOverrides{MaxCycles: 9, Primary: "C", RetrievalTimeoutMs: 750})
	if err != nil {
		t.Fatalf("applyOverrides() error: %v", err)
	}
	if cfg.Acquisition.MaxCycles != 9 {
		t.Errorf("MaxCycles = %d, want 9", cfg.Acquisition.MaxCycles)
	}
	if cfg.Rig.Primary != "C" {
		t.Errorf("Primary = %q, want C", cfg.Rig.Primary)
	}
	if cfg.RetrievalTimeout() != 750*time.Millisecond {
		t.Errorf("RetrievalTimeout() = %v, want 750ms", cfg.RetrievalTimeout())
	}
}

func TestApplyOverrides_ZeroLeavesUnchanged(t *testing.T) {
	cfg := newTestConfig(t)
	if err := applyOverrides(cfg, cliOverrides{}); err != nil {
		t.Fatalf("applyOverrides() error: %v", err)
	}
	if cfg.Acquisition.MaxCycles != 5 || cfg.Rig.Primary != "A" || cfg.Acquisition.RetrievalTimeoutMs != 200 {
		t.Errorf("config changed: %+v / %+v", cfg.Rig, cfg.Acquisition)
	}
}

func TestApplyOverrides_UnknownPrimary(t *testing.T) {
	cfg := newTestConfig(t)
	if err := applyOverrides(cfg, cliOverrides{Primary: "Z"}); err == nil {
		t.Error("expected error for a primary outside the rig, got nil")
	}
}

// ---------- rig wiring ----------

func TestBuildRig(t *testing.T) {
	cfg := newTestConfig(t)
	_, reg := buildRig(cfg)
	if got := strings.Join(reg.IDs(), ","); got != "A,B,C" {
		t.Errorf("IDs() = %s, want A,B,C", got)
	}
	if _, err := reg.Handle("B"); err != nil {
		t.Errorf("Handle(B) error: %v", err)
	}
}

func TestNewPulser(t *testing.T) {
	cfg := newTestConfig(t)
	line, _ := buildRig(cfg)

	p, err := newPulser(cfg, line)
	if err != nil || p != nil {
		t.Fatalf("pulse none: got %v, %v; want nil, nil", p, err)
	}

	cfg.Trigger.PrimarySource = "Line0"
	cfg.Trigger.Pulse = config.PulseConfig{Type: config.PulseSim}
	p, err = newPulser(cfg, line)
	if err != nil {
		t.Fatalf("pulse sim: %v", err)
	}
	if l, ok := p.(pulse.Line); !ok || l.Name != "Line0" {
		t.Errorf("pulse sim = %#v, want a Line0 line pulser", p)
	}

	cfg.Trigger.Pulse = config.PulseConfig{Type: config.PulseGPIO, Pin: 17, WidthUs: 10}
	p, err = newPulser(cfg, line)
	if err != nil {
		t.Fatalf("pulse gpio: %v", err)
	}
	if err := p.Pulse(); err != nil {
		t.Errorf("Pulse() error: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}

	cfg.Trigger.Pulse = config.PulseConfig{Type: config.PulseSerial, Port: filepath.Join(t.TempDir(), "no-such-tty"), Command: "T\n"}
	if _, err := newPulser(cfg, line); err == nil {
		t.Error("pulse serial on a missing port: expected error, got nil")
	}
}

func TestCLIRendezvous(t *testing.T) {
	cfg := newTestConfig(t)

	rv, closeRV, err := cliRendezvous(cfg)
	if err != nil {
		t.Fatalf("immediate: %v", err)
	}
	closeRV()
	if _, ok := rv.(acquire.Immediate); !ok {
		t.Errorf("immediate rendezvous = %T", rv)
	}

	cfg.Acquisition.Rendezvous = config.RendezvousInterval
	cfg.Acquisition.IntervalMs = 5
	rv, closeRV, err = cliRendezvous(cfg)
	if err != nil {
		t.Fatalf("interval: %v", err)
	}
	closeRV()
	if _, ok := rv.(*acquire.Interval); !ok {
		t.Errorf("interval rendezvous = %T", rv)
	}

	cfg.Acquisition.Rendezvous = config.RendezvousWeb
	if _, _, err := cliRendezvous(cfg); err == nil {
		t.Error("web rendezvous without -web: expected error, got nil")
	}
}

func TestWebRendezvous(t *testing.T) {
	cfg := newTestConfig(t)
	for _, mode := range []string{config.RendezvousWeb, config.RendezvousOperator} {
		cfg.Acquisition.Rendezvous = mode
		if f := webRendezvous(cfg); f != nil {
			t.Errorf("%s: expected nil factory (per-session gate)", mode)
		}
	}
	cfg.Acquisition.Rendezvous = config.RendezvousInterval
	cfg.Acquisition.IntervalMs = 5
	f := webRendezvous(cfg)
	if f == nil {
		t.Fatal("interval: expected a factory")
	}
	if f("s1") == f("s2") {
		t.Error("interval sessions must not share a pacer")
	}
}

func TestRigInfo(t *testing.T) {
	info := rigInfo(newTestConfig(t))
	if len(info.Devices) != 3 || info.Primary != "A" || info.MaxCycles != 5 || info.RetrievalTimeoutMs != 200 {
		t.Errorf("rigInfo() = %+v", info)
	}
}

// ---------- end to end ----------

func TestRunSession_JournalAndSummary(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Defaults.CycleLog = filepath.Join(t.TempDir(), "cycles.cbor")
	_, reg := buildRig(cfg)

	journal, err := cyclelog.Open(cfg.Defaults.CycleLog)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	mgr := session.NewManager(session.Config{
		Devices:        reg,
		DefaultPrimary: cfg.Rig.Primary,
		Trigger:        cfg.TriggerOptions(),
		Loop: acquire.LoopConfig{
			RetrievalTimeout:       cfg.RetrievalTimeout(),
			MaxConsecutiveFailures: cfg.FailureThreshold(),
			RendezvousTimeout:      cfg.RendezvousTimeout(),
		},
		NewRendezvous: func(string) acquire.Rendezvous { return acquire.Immediate{} },
		Journal:       session.Journals{journal},
	})

	st, err := runSession(context.Background(), mgr, cfg)
	if err != nil {
		t.Fatalf("runSession() error: %v", err)
	}
	if err := journal.Close(); err != nil {
		t.Fatalf("close journal: %v", err)
	}
	if st.State != session.Stopped {
		t.Fatalf("state = %s (%s), want stopped", st.State, st.Reason)
	}
	if st.Diagnostics.Cycles != 5 || st.Diagnostics.Delivered != 15 {
		t.Errorf("diagnostics = %+v, want 5 cycles, 15 frames", st.Diagnostics)
	}
	report(st)

	var out bytes.Buffer
	if err := summarizeJournal(&out, cfg.Defaults.CycleLog); err != nil {
		t.Fatalf("summarizeJournal() error: %v", err)
	}
	for _, id := range []string{"A", "B", "C"} {
		if !strings.Contains(out.String(), id) {
			t.Errorf("summary misses device %s:\n%s", id, out.String())
		}
	}
}

func TestRunSession_CancelStops(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Acquisition.MaxCycles = 0
	_, reg := buildRig(cfg)
	mgr := session.NewManager(session.Config{
		Devices: reg,
		Loop:    acquire.LoopConfig{RetrievalTimeout: cfg.RetrievalTimeout()},
		NewRendezvous: func(string) acquire.Rendezvous {
			return acquire.NewInterval(2 * time.Millisecond)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	st, err := runSession(ctx, mgr, cfg)
	if err != nil {
		t.Fatalf("runSession() error: %v", err)
	}
	if st.State != session.Stopped {
		t.Errorf("state = %s (%s), want stopped", st.State, st.Reason)
	}
	if st.Diagnostics.Cycles == 0 {
		t.Error("expected some cycles before the stop")
	}
}

func TestSummarizeJournal_MissingFile(t *testing.T) {
	if err := summarizeJournal(&bytes.Buffer{}, filepath.Join(t.TempDir(), "nope.cbor")); err == nil {
		t.Error("expected error for a missing journal, got nil")
	}
}

// ---------- run ----------

func writeRunConfig(t *testing.T, rendezvous, cycleLog string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "configs")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "rig.yaml")
	data := fmt.Sprintf(`
rig:
  devices: [{serial: "A"}, {serial: "B"}]
acquisition:
  retrieval_timeout_ms: 200
  max_cycles: 3
  rendezvous: %s
defaults:
  debug_level: 0
  cycle_log: %q
`, rendezvous, cycleLog)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_CompletesAndClosesJournal(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "cycles.cbor")
	path := writeRunConfig(t, config.RendezvousImmediate, logPath)

	if err := run(context.Background(), path, cliOverrides{}, 0); err != nil {
		t.Fatalf("run() error: %v", err)
	}
	entries, err := cyclelog.ReadAll(logPath)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("journal has %d entries, want 3", len(entries))
	}
}

func TestRun_ReturnsErrorsInsteadOfExiting(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "cycles.cbor")
	cases := []struct {
		name      string
		path      string
		overrides cliOverrides
		want      string
	}{
		{"missing config", filepath.Join(t.TempDir(), "configs", "none.yaml"), cliOverrides{}, "load config"},
		{"bad override", writeRunConfig(t, config.RendezvousImmediate, logPath), cliOverrides{Primary: "Z"}, "invalid CLI override"},
		// The journal is already open when the rendezvous fails.
		{"web rendezvous without server", writeRunConfig(t, config.RendezvousWeb, logPath), cliOverrides{}, "needs the web server"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := run(context.Background(), tc.path, tc.overrides, 0)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("run() error = %v, want it to mention %q", err, tc.want)
			}
		})
	}
}
