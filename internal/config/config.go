package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/RigSync/internal/hw/pulse"
	"github.com/cjeanneret/RigSync/internal/trigger"
)

// MaxConfigFileBytes caps the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// Rendezvous modes: what releases each software (or pulsed) trigger.
const (
	RendezvousOperator  = "operator"  // Enter on the console
	RendezvousInterval  = "interval"  // fixed period
	RendezvousWeb       = "web"       // POST /sessions/{id}/trigger
	RendezvousImmediate = "immediate" // as fast as the rig drains
)

// Pulse source types for a hardware-line primary.
const (
	PulseNone   = "none"
	PulseGPIO   = "gpio"
	PulseSerial = "serial"
	PulseSim    = "sim" // raises the line on the simulated bus
)

// DeviceConfig describes one camera of the rig.
type DeviceConfig struct {
	Serial    string  `yaml:"serial" json:"serial"`
	Model     string  `yaml:"model" json:"model,omitempty"`
	FrameRate float64 `yaml:"frame_rate" json:"frame_rate,omitempty"` // sim only
	ReadoutMs int     `yaml:"readout_ms" json:"readout_ms,omitempty"` // sim only
}

// RigConfig lists the cameras and which one leads.
type RigConfig struct {
	Adapter string         `yaml:"adapter" json:"adapter"` // only "sim" is shipped
	Primary string         `yaml:"primary" json:"primary"` // defaults to the first device
	Devices []DeviceConfig `yaml:"devices" json:"devices"`
}

// PulseConfig describes the external trigger source of a hardware-line
// primary.
type PulseConfig struct {
	Type      string            `yaml:"type" json:"type"`
	Pin       int               `yaml:"pin" json:"pin,omitempty"`           // GPIO (BCM)
	WidthUs   int               `yaml:"width_us" json:"width_us,omitempty"` // GPIO pulse width
	ActiveLow bool              `yaml:"active_low" json:"active_low"`       // GPIO polarity
	Port      string            `yaml:"port" json:"port,omitempty"`         // serial device path
	Command   string            `yaml:"command" json:"command,omitempty"`   // bytes written per pulse
	Serial    pulse.PortOptions `yaml:"serial" json:"serial"`
}

// TriggerConfig is the rig-wide trigger topology.
type TriggerConfig struct {
	PrimarySource string      `yaml:"primary_source" json:"primary_source"` // "Software" or "LineN"
	SecondaryLine string      `yaml:"secondary_line" json:"secondary_line"`
	LinePower     bool        `yaml:"line_power" json:"line_power"`
	Pulse         PulseConfig `yaml:"pulse" json:"pulse"`
}

// AcquisitionConfig tunes the acquisition loop.
type AcquisitionConfig struct {
	RetrievalTimeoutMs int `yaml:"retrieval_timeout_ms" json:"retrieval_timeout_ms"`
	// MaxConsecutiveFailures defaults to 10 when absent; 0 disables the
	// check.
	MaxConsecutiveFailures *int   `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
	MaxCycles              uint64 `yaml:"max_cycles" json:"max_cycles"` // 0 = until stopped
	BufferSlots            int    `yaml:"buffer_slots" json:"buffer_slots"`
	Rendezvous             string `yaml:"rendezvous" json:"rendezvous"`
	IntervalMs             int    `yaml:"interval_ms" json:"interval_ms"`
	// RendezvousTimeoutMs bounds each wait for a trigger.
	RendezvousTimeoutMs int `yaml:"rendezvous_timeout_ms" json:"rendezvous_timeout_ms"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int    `yaml:"debug_level" json:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool   `yaml:"mock_gpio" json:"mock_gpio"`     // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	CycleLog   string `yaml:"cycle_log" json:"cycle_log"`     // CBOR cycle journal path, empty = off
}

// Config aggregates all application configuration.
type Config struct {
	Rig         RigConfig         `yaml:"rig" json:"rig"`
	Trigger     TriggerConfig     `yaml:"trigger" json:"trigger"`
	Acquisition AcquisitionConfig `yaml:"acquisition" json:"acquisition"`
	Defaults    DefaultsConfig    `yaml:"defaults" json:"defaults"`
}

// ValidateConfigPath accepts only .yaml files directly inside a
// directory named "configs", with no parent-directory traversal.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if slices.Contains(strings.Split(filepath.ToSlash(path), "/"), "..") {
		return fmt.Errorf("config path %q must not contain '..'", path)
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file is %d bytes, limit is %d", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies defaults and checks the configuration. It is also
// run after CLI overrides are applied.
func (c *Config) Validate() error {
	if c.Rig.Adapter == "" {
		c.Rig.Adapter = "sim"
	}
	if c.Rig.Adapter != "sim" {
		return fmt.Errorf("rig.adapter %q is not supported (only \"sim\")", c.Rig.Adapter)
	}
	if len(c.Rig.Devices) == 0 {
		return errors.New("rig.devices must list at least one camera")
	}
	seen := make(map[string]bool)
	for i, d := range c.Rig.Devices {
		if d.Serial == "" {
			return fmt.Errorf("rig.devices[%d].serial is required", i)
		}
		if seen[d.Serial] {
			return fmt.Errorf("rig.devices[%d]: serial %s listed twice", i, d.Serial)
		}
		seen[d.Serial] = true
		if d.ReadoutMs < 0 {
			return fmt.Errorf("rig.devices[%d].readout_ms must be >= 0", i)
		}
	}
	if c.Rig.Primary == "" {
		c.Rig.Primary = c.Rig.Devices[0].Serial
	}
	if !seen[c.Rig.Primary] {
		return fmt.Errorf("rig.primary %s is not one of rig.devices", c.Rig.Primary)
	}

	if c.Trigger.PrimarySource == "" {
		c.Trigger.PrimarySource = trigger.SourceSoftware
	}
	if c.Trigger.SecondaryLine == "" {
		c.Trigger.SecondaryLine = "Line3"
	}
	if err := c.validatePulse(); err != nil {
		return err
	}

	a := &c.Acquisition
	if a.RetrievalTimeoutMs <= 0 {
		a.RetrievalTimeoutMs = 1000
	}
	if a.MaxConsecutiveFailures == nil {
		n := 10
		a.MaxConsecutiveFailures = &n
	}
	if *a.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("acquisition.max_consecutive_failures must be >= 0, got %d", *a.MaxConsecutiveFailures)
	}
	if a.BufferSlots <= 0 {
		a.BufferSlots = 10
	}
	if a.Rendezvous == "" {
		a.Rendezvous = RendezvousOperator
	}
	switch a.Rendezvous {
	case RendezvousOperator, RendezvousInterval, RendezvousWeb, RendezvousImmediate:
	default:
		return fmt.Errorf("acquisition.rendezvous %q must be operator, interval, web or immediate", a.Rendezvous)
	}
	if a.IntervalMs < 0 {
		return fmt.Errorf("acquisition.interval_ms must be >= 0, got %d", a.IntervalMs)
	}
	if a.Rendezvous == RendezvousInterval && a.IntervalMs == 0 {
		a.IntervalMs = 100
	}
	if a.RendezvousTimeoutMs < 0 {
		return fmt.Errorf("acquisition.rendezvous_timeout_ms must be >= 0, got %d", a.RendezvousTimeoutMs)
	}
	if a.RendezvousTimeoutMs == 0 {
		a.RendezvousTimeoutMs = 30000
	}
	if a.Rendezvous == RendezvousInterval && a.IntervalMs >= a.RendezvousTimeoutMs {
		return fmt.Errorf("acquisition.interval_ms (%d) must be shorter than rendezvous_timeout_ms (%d)", a.IntervalMs, a.RendezvousTimeoutMs)
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}

	_, err := trigger.NewPlan(c.DeviceIDs(), c.Rig.Primary, c.TriggerOptions())
	return err
}

func (c *Config) validatePulse() error {
	p := &c.Trigger.Pulse
	if p.Type == "" {
		p.Type = PulseNone
	}
	switch p.Type {
	case PulseNone, PulseSim:
	case PulseGPIO:
		if p.Pin <= 0 {
			return errors.New("trigger.pulse.pin is required for a gpio pulse")
		}
		if p.WidthUs <= 0 {
			p.WidthUs = 100
		}
	case PulseSerial:
		if p.Port == "" {
			return errors.New("trigger.pulse.port is required for a serial pulse")
		}
		if p.Command == "" {
			p.Command = "T\n"
		}
		opts, err := p.Serial.Normalize()
		if err != nil {
			return fmt.Errorf("trigger.pulse.serial: %w", err)
		}
		p.Serial = opts
	default:
		return fmt.Errorf("trigger.pulse.type %q must be none, gpio, serial or sim", p.Type)
	}
	if p.Type != PulseNone && c.Trigger.PrimarySource == trigger.SourceSoftware {
		return fmt.Errorf("trigger.pulse.type %s needs a hardware primary_source", p.Type)
	}
	return nil
}

// DeviceIDs returns the configured serial numbers in order.
func (c *Config) DeviceIDs() []string {
	ids := make([]string, len(c.Rig.Devices))
	for i, d := range c.Rig.Devices {
		ids[i] = d.Serial
	}
	return ids
}

// TriggerOptions returns the trigger topology options.
func (c *Config) TriggerOptions() trigger.Options {
	return trigger.Options{
		PrimarySource: c.Trigger.PrimarySource,
		SecondaryLine: c.Trigger.SecondaryLine,
		LinePower:     c.Trigger.LinePower,
	}
}

// RetrievalTimeout returns the per-frame retrieval timeout.
func (c *Config) RetrievalTimeout() time.Duration {
	return time.Duration(c.Acquisition.RetrievalTimeoutMs) * time.Millisecond
}

// RendezvousTimeout returns the bound on each wait for a trigger.
func (c *Config) RendezvousTimeout() time.Duration {
	return time.Duration(c.Acquisition.RendezvousTimeoutMs) * time.Millisecond
}

// FailureThreshold returns the consecutive failure limit, 0 when
// disabled.
func (c *Config) FailureThreshold() int {
	if c.Acquisition.MaxConsecutiveFailures == nil {
		return 0
	}
	return *c.Acquisition.MaxConsecutiveFailures
}

// Interval returns the trigger period of the interval rendezvous.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Acquisition.IntervalMs) * time.Millisecond
}

// PulseWidth returns the GPIO trigger pulse width.
func (c *Config) PulseWidth() time.Duration {
	return time.Duration(c.Trigger.Pulse.WidthUs) * time.Microsecond
}

// Readout returns the simulated readout time of a device.
func (d DeviceConfig) Readout() time.Duration {
	return time.Duration(d.ReadoutMs) * time.Millisecond
}
