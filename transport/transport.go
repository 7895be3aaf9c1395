// Package transport provides the byte-stream links the protocol sessions run
// on: standard serial ports, the high-speed HSUART link, and an in-process
// pipe pair for deterministic tests. A transport is exclusive to one session;
// nothing here is safe for concurrent use across sessions.
package transport

import "errors"

// Kind tags the link flavor a transport was built for.
type Kind int

const (
	KindSerial Kind = iota // 115200 8N1 serial COM
	KindHSUART             // 3 Mbaud serial with RTS/CTS
	KindVIP                // not a link: VIP policy lives in the session layer
	KindPipe               // in-process simulator pair
)

func (k Kind) String() string {
	switch k {
	case KindSerial:
		return "serial"
	case KindHSUART:
		return "hsuart"
	case KindVIP:
		return "vip"
	case KindPipe:
		return "pipe"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidParameter = errors.New("transport: invalid parameter")
	ErrNotInitialized   = errors.New("transport: not initialized")
	ErrOpen             = errors.New("transport: open failed")
	ErrRead             = errors.New("transport: read error")
	ErrWrite            = errors.New("transport: write error")
	ErrTimeout          = errors.New("transport: timeout")
	ErrNotSupported     = errors.New("transport: not supported")
)

// Transport is a blocking byte-stream link.
type Transport interface {
	// Open configures and opens the underlying handle. Opening an
	// already-open transport fails with ErrInvalidParameter.
	Open(path string) error

	// Read blocks until at least one byte is available or the link's short
	// timeout elapses. A short read is a normal result; an idle period with
	// no bytes at all is ErrTimeout. Read never spins.
	Read(p []byte) (int, error)

	// Write blocks until the entire buffer has been accepted by the link,
	// retrying short writes within a bounded budget. A partial write is an
	// error, not a short result.
	Write(p []byte) error

	Close() error
	Kind() Kind
}

// BaudSetter is implemented by links whose line rate can be changed after
// open. Sessions probe for it the same way they would for any optional
// transport capability.
type BaudSetter interface {
	SetBaud(baud int) error
}

// writeRetryBudget bounds the short-write retry loop in Write.
const writeRetryBudget = 100

// New constructs a transport of the given kind. KindVIP is rejected here:
// the VIP hash-table policy is orthogonal to the link and belongs to the
// Firehose session layer. KindPipe transports only exist in cross-connected
// pairs; use Pipe.
func New(kind Kind) (Transport, error) {
	switch kind {
	case KindSerial:
		return &serialPort{}, nil
	case KindHSUART:
		return newHSUART(), nil
	case KindVIP:
		return nil, ErrInvalidParameter
	case KindPipe:
		return nil, ErrInvalidParameter
	default:
		return nil, ErrInvalidParameter
	}
}
