package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// DefaultBaud is the line rate for the Firehose serial COM link.
const DefaultBaud = 115200

// serialReadTimeout bounds a single blocking read; reads return short with
// whatever arrived within the window.
const serialReadTimeout = 100 * time.Millisecond

// serialPort is a Transport over a standard 8N1 serial COM port.
type serialPort struct {
	port serial.Port
	baud int
}

func (s *serialPort) Kind() Kind { return KindSerial }

func (s *serialPort) Open(path string) error {
	if s.port != nil {
		return ErrInvalidParameter
	}
	mode := &serial.Mode{
		BaudRate: DefaultBaud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrOpen, path, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("%w: %s: %v", ErrOpen, path, err)
	}
	s.port = port
	s.baud = DefaultBaud
	return nil
}

func (s *serialPort) Read(p []byte) (int, error) {
	if s.port == nil {
		return 0, ErrNotInitialized
	}
	n, err := s.port.Read(p)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrRead, err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return n, nil
}

func (s *serialPort) Write(p []byte) error {
	if s.port == nil {
		return ErrNotInitialized
	}
	off := 0
	for attempt := 0; attempt < writeRetryBudget && off < len(p); attempt++ {
		n, err := s.port.Write(p[off:])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
		off += n
	}
	if off < len(p) {
		return fmt.Errorf("%w: short write %d/%d", ErrWrite, off, len(p))
	}
	return nil
}

func (s *serialPort) SetBaud(baud int) error {
	if s.port == nil {
		return ErrNotInitialized
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := s.port.SetMode(mode); err != nil {
		return fmt.Errorf("%w: set baud %d: %v", ErrWrite, baud, err)
	}
	s.baud = baud
	return nil
}

func (s *serialPort) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	if err != nil {
		return fmt.Errorf("transport: close: %w", err)
	}
	return nil
}

// ListPorts enumerates candidate serial device paths. Sessions never scan
// hardware themselves; callers feed these paths back into Open.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: enumerate: %w", err)
	}
	return ports, nil
}
