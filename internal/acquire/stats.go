package acquire

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// rateWindow is the number of recent cycles the throughput is computed on.
const rateWindow = 10

// DeviceStats are the per-device outcome totals of a session.
type DeviceStats struct {
	Delivered  int `json:"delivered"`
	Incomplete int `json:"incomplete"`
	Timeouts   int `json:"timeouts"`
	Failures   int `json:"failures"`
	Stale      int `json:"stale"`
}

// Stats is a diagnostics snapshot of a running or finished loop.
type Stats struct {
	Cycles        uint64 `json:"cycles"`
	Delivered     int    `json:"delivered"`
	Incomplete    int    `json:"incomplete"`
	Timeouts      int    `json:"timeouts"`
	Failures      int    `json:"failures"`
	TriggerErrors int    `json:"trigger_errors"`
	ReleaseErrors int    `json:"release_errors"`
	Stale         int    `json:"stale"`
	// RendezvousTimeouts counts trigger waits that ran out. They are not
	// cycles.
	RendezvousTimeouts int                    `json:"rendezvous_timeouts"`
	Rate               float64                `json:"rate_hz"`
	MeanCycle          time.Duration          `json:"mean_cycle_ns"`
	StdCycle           time.Duration          `json:"std_cycle_ns"`
	Devices            map[string]DeviceStats `json:"devices"`
}

type statsTracker struct {
	mu     sync.Mutex
	s      Stats
	window []float64 // seconds, most recent last
}

func newStatsTracker() *statsTracker {
	return &statsTracker{s: Stats{Devices: make(map[string]DeviceStats)}}
}

func (t *statsTracker) stale(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.s.Devices[id]
	d.Stale++
	t.s.Devices[id] = d
	t.s.Stale++
}

func (t *statsTracker) rendezvousTimeout() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.RendezvousTimeouts++
}

func (t *statsTracker) releaseError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.ReleaseErrors++
}

func (t *statsTracker) record(r CycleRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.Cycles++
	if r.TriggerErr != nil {
		t.s.TriggerErrors++
	}
	for _, o := range r.Outcomes {
		d := t.s.Devices[o.DeviceID]
		switch o.Kind {
		case Delivered:
			d.Delivered++
			t.s.Delivered++
		case Incomplete:
			d.Incomplete++
			t.s.Incomplete++
		case RetrievalFailed:
			d.Failures++
			t.s.Failures++
			if o.Timeout {
				d.Timeouts++
				t.s.Timeouts++
			}
		}
		t.s.Devices[o.DeviceID] = d
	}

	t.window = append(t.window, r.Duration.Seconds())
	if len(t.window) > rateWindow {
		t.window = t.window[len(t.window)-rateWindow:]
	}
	mean, std := stat.MeanStdDev(t.window, nil)
	if len(t.window) < 2 {
		std = 0
	}
	t.s.MeanCycle = time.Duration(mean * float64(time.Second))
	t.s.StdCycle = time.Duration(std * float64(time.Second))
	if mean > 0 {
		t.s.Rate = 1 / mean
	}
}

func (t *statsTracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.s
	s.Devices = make(map[string]DeviceStats, len(t.s.Devices))
	for id, d := range t.s.Devices {
		s.Devices[id] = d
	}
	return s
}
