package pulse

import (
	"bytes"
	"errors"
	"testing"

	"go.bug.st/serial"
)

type fakePort struct {
	buf      bytes.Buffer
	short    bool
	writeErr error
	closed   bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	if p.short {
		return len(b) - 1, nil
	}
	return p.buf.Write(b)
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func TestPortOptions_NormalizeDefaults(t *testing.T) {
	got, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	want := PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}
	if got != want {
		t.Errorf("Normalize() = %+v, want %+v", got, want)
	}
}

func TestPortOptions_NormalizeRejects(t *testing.T) {
	tests := []struct {
		name string
		opts PortOptions
	}{
		{"data bits", PortOptions{DataBits: 9}},
		{"stop bits", PortOptions{StopBits: 3}},
		{"parity", PortOptions{Parity: "mark"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.opts.Normalize(); err == nil {
				t.Errorf("Normalize(%+v) should fail", tt.opts)
			}
		})
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 9600, StopBits: 2, Parity: "even"}.SerialMode()
	if err != nil {
		t.Fatal(err)
	}
	if mode.BaudRate != 9600 || mode.DataBits != 8 {
		t.Errorf("mode = %+v", mode)
	}
	if mode.StopBits != serial.TwoStopBits {
		t.Errorf("StopBits = %v, want TwoStopBits", mode.StopBits)
	}
	if mode.Parity != serial.EvenParity {
		t.Errorf("Parity = %v, want EvenParity", mode.Parity)
	}
}

func TestSerial_PulseWritesCommand(t *testing.T) {
	port := &fakePort{}
	s, err := NewSerial(port, []byte("T\n"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Pulse(); err != nil {
			t.Fatalf("Pulse: %v", err)
		}
	}
	if got := port.buf.String(); got != "T\nT\n" {
		t.Errorf("port saw %q", got)
	}
	if err := s.Close(); err != nil || !port.closed {
		t.Errorf("Close: err=%v closed=%v", err, port.closed)
	}
}

func TestSerial_PulseErrors(t *testing.T) {
	if _, err := NewSerial(&fakePort{}, nil); err == nil {
		t.Error("NewSerial with empty command should fail")
	}

	s, _ := NewSerial(&fakePort{short: true}, []byte("T"))
	if err := s.Pulse(); err == nil {
		t.Error("short write should fail")
	}

	boom := errors.New("unplugged")
	s, _ = NewSerial(&fakePort{writeErr: boom}, []byte("T"))
	if err := s.Pulse(); !errors.Is(err, boom) {
		t.Errorf("Pulse = %v, want wrapped %v", err, boom)
	}
}
