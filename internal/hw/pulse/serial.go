package pulse

import (
	"fmt"
	"io"
	"strings"

	"go.bug.st/serial"

	"github.com/cjeanneret/RigSync/internal/debug"
)

// PortOptions describes the serial connection to a trigger box.
type PortOptions struct {
	BaudRate int    `yaml:"baud_rate" json:"baud_rate"`
	DataBits int    `yaml:"data_bits" json:"data_bits"`
	StopBits int    `yaml:"stop_bits" json:"stop_bits"`
	Parity   string `yaml:"parity" json:"parity"`
}

// Normalize validates the options and applies defaults for unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	return opts, nil
}

// SerialMode converts the options into the mode go.bug.st/serial opens
// a port with.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// Serial fires a trigger box over a serial link by writing a fixed
// command for each pulse.
type Serial struct {
	port    io.WriteCloser
	command []byte
}

// NewSerial wraps an already opened port.
func NewSerial(port io.WriteCloser, command []byte) (*Serial, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("pulse: empty serial trigger command")
	}
	return &Serial{port: port, command: command}, nil
}

// OpenSerial opens the trigger box at path.
func OpenSerial(path string, opts PortOptions, command []byte) (*Serial, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("pulse: open %s: %w", path, err)
	}
	debug.Info("Trigger box on %s (%d baud)", path, mode.BaudRate)
	return NewSerial(port, command)
}

func (s *Serial) Pulse() error {
	n, err := s.port.Write(s.command)
	if err != nil {
		return fmt.Errorf("pulse: serial write: %w", err)
	}
	if n != len(s.command) {
		return fmt.Errorf("pulse: serial short write (%d of %d bytes)", n, len(s.command))
	}
	debug.Trace("Pulse: serial command %q", s.command)
	return nil
}

func (s *Serial) Close() error { return s.port.Close() }
