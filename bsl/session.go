// Package bsl implements the two-stage bootloader protocol client: BROM
// handshake, FDL1/FDL2 download and execution, and partition I/O on top of
// the HDLC framing layer. Framing parameters (checksum algorithm,
// endianness, chunk size, transcoding) change at exactly the protocol
// transitions the device expects; keeping the two in lockstep is this
// package's main job.
package bsl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/xx25/go-edl/hdlc"
	"github.com/xx25/go-edl/transport"
)

// State is the session's position in the download sequence. Error is
// absorbing; the only way back from a loaded state is an explicit
// Disconnect.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateFdl1Loaded
	StateFdl2Loaded
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateFdl1Loaded:
		return "fdl1-loaded"
	case StateFdl2Loaded:
		return "fdl2-loaded"
	default:
		return "error"
	}
}

// Mode is the peer's protocol phase. It must match the framer settings at
// all times: BROM speaks big-endian CRC16 in 528-byte chunks, FDL agents
// speak the additive checksum in 2112-byte chunks.
type Mode int

const (
	ModeBROM Mode = iota
	ModeFDL
)

const (
	bromChunkSize = 528
	fdlChunkSize  = 2112

	handshakeTimeout = 2 * time.Second
	responseTimeout  = 5 * time.Second
	eraseTimeout     = 60 * time.Second

	// reopenRounds bounds both the port-reopen loop after EXEC_DATA and the
	// CHECK_BAUD probing that follows it.
	reopenRounds = 20

	// altBaud is tried while probing a freshly-executed FDL that may have
	// come up at the other common rate.
	altBaud = 921600
)

var (
	ErrHandshakeFailed   = errors.New("bsl: handshake failed")
	ErrIncompatibleState = errors.New("bsl: incompatible session state")
	ErrDeviceNak         = errors.New("bsl: device nak")
)

// Config controls session behavior.
type Config struct {
	// Meta resolves chip metadata; optional, only needed by callers using
	// LoadFDLsFor.
	Meta MetaProvider
	// Bypass is an opaque signature-bypass payload sent between FDL1
	// download and execution; nil to skip. BypassAddr is its execution
	// address, usually from ChipMeta.
	Bypass     []byte
	BypassAddr uint32
	// Reopen reconnects the transport after the device resets its endpoint
	// on EXEC_DATA. Optional; without it the session assumes the port
	// survives exec.
	Reopen func() (transport.Transport, error)
	Logger *slog.Logger
}

// Session drives one device through the bootloader protocol. Not safe for
// concurrent use; the session owns its framer, which borrows the transport.
type Session struct {
	tr     transport.Transport
	fr     *hdlc.Framer
	cfg    Config
	logger *slog.Logger

	state   State
	mode    Mode
	chunk   int
	version string
}

// NewSession wraps an open transport in a disconnected session with
// BROM-phase framing.
func NewSession(tr transport.Transport, cfg *Config) *Session {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		tr:     tr,
		fr:     hdlc.NewFramer(tr, logger),
		cfg:    c,
		logger: logger,
		state:  StateDisconnected,
		mode:   ModeBROM,
		chunk:  bromChunkSize,
	}
}

// State reports the session state.
func (s *Session) State() State { return s.state }

// Mode reports the peer protocol phase the framer is configured for.
func (s *Session) Mode() Mode { return s.mode }

// Version returns the version string most recently reported by the peer
// (BROM or FDL), empty if none was seen.
func (s *Session) Version() string { return s.version }

// Framer exposes the framing layer, mainly so tests can inspect mode bits.
func (s *Session) Framer() *hdlc.Framer { return s.fr }

// fail marks the session unusable and returns err. State-machine violations
// and failed downloads land here; partition I/O errors do not, since the
// caller may retry those whole operations.
func (s *Session) fail(err error) error {
	s.state = StateError
	return err
}

func (s *Session) setBROMFraming() {
	s.fr.BigEndian = true
	s.fr.Transcode = true
	s.fr.SetMode(hdlc.ChecksumCRC16)
	s.chunk = bromChunkSize
	s.mode = ModeBROM
}

func (s *Session) setFDLFraming() {
	s.fr.BigEndian = false
	s.fr.SetMode(hdlc.ChecksumAdditive)
	s.chunk = fdlChunkSize
	s.mode = ModeFDL
	s.fr.DiscardPending()
}

// readFrame reads the next frame within the given window.
func (s *Session) readFrame(ctx context.Context, timeout time.Duration) (hdlc.Frame, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.fr.ReadFrame(rctx)
}

// exchange writes one command frame and returns the peer's response.
func (s *Session) exchange(ctx context.Context, typ uint16, payload []byte, timeout time.Duration) (hdlc.Frame, error) {
	if err := s.fr.WriteFrame(typ, payload); err != nil {
		return hdlc.Frame{}, err
	}
	return s.readFrame(ctx, timeout)
}

// command is exchange with an ACK-or-error contract.
func (s *Session) command(ctx context.Context, typ uint16, payload []byte, timeout time.Duration) error {
	resp, err := s.exchange(ctx, typ, payload, timeout)
	if err != nil {
		return err
	}
	if resp.Type != RespAck {
		return &UnexpectedResponseError{Code: resp.Type}
	}
	return nil
}

// Connect performs the initial handshake: a bare flag probe, escalating to
// a flag burst and then a CONNECT command if the device stays silent.
func (s *Session) Connect(ctx context.Context) error {
	if s.state != StateDisconnected {
		return s.fail(fmt.Errorf("%w: connect from %s", ErrIncompatibleState, s.state))
	}

	if err := s.fr.WriteRaw([]byte{hdlc.Flag}); err != nil {
		return err
	}
	resp, err := s.readFrame(ctx, handshakeTimeout)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		s.logger.Debug("handshake: silent, retrying with flag burst")
		if err := s.fr.WriteRaw([]byte{hdlc.Flag, hdlc.Flag, hdlc.Flag}); err != nil {
			return err
		}
		resp, err = s.readFrame(ctx, handshakeTimeout)
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		s.logger.Debug("handshake: still silent, sending CONNECT")
		resp, err = s.exchange(ctx, CmdConnect, nil, handshakeTimeout)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	switch resp.Type {
	case RespVer:
		// BROM announces itself with an ASCII version string.
		s.version = asciiz(resp.Payload)
		s.setBROMFraming()
		s.logger.Debug("handshake: BROM", "version", s.version)
	case RespAck:
		// An ACK without a prior download means the device is already past
		// BROM; match the FDL framing it expects.
		s.setFDLFraming()
		s.logger.Debug("handshake: device already past BROM")
	default:
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, &UnexpectedResponseError{Code: resp.Type})
	}
	s.state = StateConnected
	return nil
}

// Disconnect returns the session to its initial state. This is the only
// path out of a loaded state.
func (s *Session) Disconnect() {
	s.state = StateDisconnected
	s.version = ""
	s.setBROMFraming()
}

// attachTransport swaps in a reopened transport, preserving framer mode bits.
func (s *Session) attachTransport(tr transport.Transport) {
	fr := hdlc.NewFramer(tr, s.logger)
	fr.BigEndian = s.fr.BigEndian
	fr.Transcode = s.fr.Transcode
	fr.SetMode(s.fr.Mode())
	s.tr = tr
	s.fr = fr
}

// reopenTransport retries cfg.Reopen under backoff for up to reopenRounds.
func (s *Session) reopenTransport(ctx context.Context) error {
	if s.cfg.Reopen == nil {
		return nil
	}
	op := func() error {
		tr, err := s.cfg.Reopen()
		if err != nil {
			s.logger.Debug("reopen attempt failed", "err", err)
			return err
		}
		s.attachTransport(tr)
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, reopenRounds), ctx))
}

// setBaud changes the line rate when the transport supports it.
func (s *Session) setBaud(baud int) {
	if bs, ok := s.tr.(transport.BaudSetter); ok {
		if err := bs.SetBaud(baud); err != nil {
			s.logger.Debug("baud change failed", "baud", baud, "err", err)
		}
	}
}

func asciiz(p []byte) string {
	for i, b := range p {
		if b == 0 {
			return string(p[:i])
		}
	}
	return string(p)
}
