//go:build linux

package transport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// HSUARTBaud is the line rate of the high-speed UART link.
const HSUARTBaud = 3_000_000

// hsuartPort drives the HSUART link through raw termios2 so the non-standard
// 3 Mbaud rate (BOTHER) and RTS/CTS hardware flow control can be set.
type hsuartPort struct {
	fd   int
	open bool
}

func newHSUART() Transport { return &hsuartPort{fd: -1} }

func (h *hsuartPort) Kind() Kind { return KindHSUART }

func (h *hsuartPort) Open(path string) error {
	if h.open {
		return ErrInvalidParameter
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrOpen, path, err)
	}
	if err := configureHSUART(fd, HSUARTBaud); err != nil {
		unix.Close(fd)
		return fmt.Errorf("%w: %s: %v", ErrOpen, path, err)
	}
	h.fd = fd
	h.open = true
	return nil
}

// configureHSUART programs raw 8N1 at the given rate with RTS/CTS.
// VMIN=1 VTIME=5: reads block for the first byte, then return once the line
// goes quiet for half a second.
func configureHSUART(fd, baud int) error {
	tio := unix.Termios{
		Cflag:  unix.CS8 | unix.CREAD | unix.CLOCAL | unix.CRTSCTS | unix.BOTHER,
		Ispeed: uint32(baud),
		Ospeed: uint32(baud),
	}
	tio.Cc[unix.VMIN] = 1
	tio.Cc[unix.VTIME] = 5
	if err := unix.IoctlSetTermios(fd, unix.TCSETS2, &tio); err != nil {
		return err
	}
	return unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH)
}

func (h *hsuartPort) Read(p []byte) (int, error) {
	if !h.open {
		return 0, ErrNotInitialized
	}
	n, err := unix.Read(h.fd, p)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRead, err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return n, nil
}

func (h *hsuartPort) Write(p []byte) error {
	if !h.open {
		return ErrNotInitialized
	}
	off := 0
	for attempt := 0; attempt < writeRetryBudget && off < len(p); attempt++ {
		n, err := unix.Write(h.fd, p[off:])
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

func (h *hsuartPort) SetBaud(baud int) error {
	if !h.open {
		return ErrNotInitialized
	}
	if err := configureHSUART(h.fd, baud); err != nil {
		return fmt.Errorf("%w: set baud %d: %v", ErrWrite, baud, err)
	}
	return nil
}

func (h *hsuartPort) Close() error {
	if !h.open {
		return nil
	}
	h.open = false
	err := unix.Close(h.fd)
	h.fd = -1
	if err != nil {
		return fmt.Errorf("transport: close: %w", err)
	}
	return nil
}
