// Package hsuart implements the framing layer of the high-speed UART link:
// COBS-stuffed, CRC-protected packets with acknowledgement-based reliability
// and READY_TO_READ flow gating.
package hsuart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xx25/go-edl/checksum"
	"github.com/xx25/go-edl/internal/ring"
	"github.com/xx25/go-edl/transport"
)

var (
	ErrVersionMismatch  = errors.New("hsuart: protocol version mismatch")
	ErrInvalidPacketID  = errors.New("hsuart: invalid packet id")
	ErrCRC              = errors.New("hsuart: crc mismatch")
	ErrRetriesExhausted = errors.New("hsuart: retries exhausted")
	ErrBufferOverflow   = errors.New("hsuart: stage buffer overflow")
)

// Retry triggers inside the ACK wait; they never escape the framer.
var (
	errNak        = errors.New("hsuart: peer nak")
	errAckTimeout = errors.New("hsuart: ack timeout")
)

// stageCapacity bounds data buffered while waiting for flow-control or
// acknowledgement packets.
const stageCapacity = 1 << 20

// maxWire bounds the terminator scan: a full fragment plus stuffing overhead
// and trailer.
const maxWire = MaxPayload + MaxPayload/cobsMaxRun + 8

// Config controls framer behavior.
type Config struct {
	// MaxRetries: send attempts per packet before giving up (default 3)
	MaxRetries int
	// AckTimeout: how long to wait for an ACK before retransmitting (default 2s)
	AckTimeout time.Duration
	Logger     *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 2 * time.Second
	}
}

type packet struct {
	id      byte
	payload []byte
}

// Framer delivers reliable, ordered payload blocks over a byte-stream
// transport. It is not safe for concurrent use.
type Framer struct {
	tr     transport.Transport
	cfg    Config
	logger *slog.Logger
	scan   []byte       // raw bytes accumulated while hunting a terminator
	stage  *ring.Buffer // payloads received ahead of a raw read request
}

// NewFramer wraps tr. The framer borrows the transport for the duration of
// each call; it does not own or close it.
func NewFramer(tr transport.Transport, cfg *Config) *Framer {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Framer{
		tr:     tr,
		cfg:    c,
		logger: logger,
		stage:  ring.New(stageCapacity),
	}
}

// encodePacket builds the on-wire form:
// id || payload || crc16 (big-endian), COBS-stuffed, 0x00-terminated.
// ACK and NAK ship the single id byte raw, terminator only.
func encodePacket(id byte, payload []byte) []byte {
	if id == PktAck || id == PktNak {
		return []byte{id, 0}
	}
	plain := make([]byte, 0, len(payload)+3)
	plain = append(plain, id)
	plain = append(plain, payload...)
	if id != PktReadyToRead {
		crc := checksum.CCITT16(payload)
		plain = append(plain, byte(crc>>8), byte(crc))
	}
	return Stuff(plain)
}

// decodeBlock interprets one terminator-delimited block.
func (f *Framer) decodeBlock(block []byte) (packet, error) {
	if len(block) == 2 && (block[0] == PktAck || block[0] == PktNak) {
		return packet{id: block[0]}, nil
	}
	dst := make([]byte, maxWire)
	n, err := Unstuff(dst, block)
	if err != nil {
		return packet{}, err
	}
	if n == 0 {
		return packet{}, fmt.Errorf("%w: empty packet", ErrInvalidPacketID)
	}
	id := dst[0]
	switch id {
	case PktAck, PktNak, PktReadyToRead:
		return packet{id: id}, nil
	case PktProtocol, PktEndOfTransfer, PktVersion:
		if n < 3 {
			return packet{}, fmt.Errorf("%w: %s packet too short", ErrCRC, packetName(id))
		}
		if !checksum.VerifyCCITT16(dst[1:n]) {
			return packet{}, fmt.Errorf("%w: %s", ErrCRC, packetName(id))
		}
		payload := make([]byte, n-3)
		copy(payload, dst[1:n-2])
		return packet{id: id, payload: payload}, nil
	default:
		return packet{}, fmt.Errorf("%w: 0x%02x", ErrInvalidPacketID, id)
	}
}

// readPacket returns the next decoded packet. It surfaces transport.ErrTimeout
// when the line is idle so callers can apply their own wait budgets.
func (f *Framer) readPacket(ctx context.Context) (packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return packet{}, err
		}
		for i, b := range f.scan {
			if b != 0 {
				continue
			}
			block := f.scan[:i+1]
			p, err := f.decodeBlock(block)
			f.scan = append(f.scan[:0], f.scan[i+1:]...)
			if err != nil {
				return packet{}, err
			}
			f.logger.Debug("rx packet", "id", packetName(p.id), "len", len(p.payload))
			return p, nil
		}
		if len(f.scan) > maxWire {
			f.scan = f.scan[:0]
			return packet{}, fmt.Errorf("%w: no terminator within %d bytes", ErrInvalidStuffing, maxWire)
		}
		buf := make([]byte, 512)
		n, err := f.tr.Read(buf)
		if err != nil {
			return packet{}, err
		}
		f.scan = append(f.scan, buf[:n]...)
	}
}

// stagePacket buffers a payload-carrying packet received while the framer
// was waiting for something else.
func (f *Framer) stagePacket(p packet) error {
	if len(p.payload) == 0 {
		return nil
	}
	if err := f.stage.Append(p.payload); err != nil {
		return fmt.Errorf("%w: %d pending + %d new", ErrBufferOverflow, f.stage.Len(), len(p.payload))
	}
	return nil
}

func (f *Framer) writeControl(id byte) error {
	return f.tr.Write(encodePacket(id, nil))
}

// Send transmits data as ceil(len/4000) fragments: PROTOCOL packets closed
// by an END_OF_TRANSFER packet, each individually acknowledged. It first
// waits for the peer's READY_TO_READ; packets arriving in that window are
// staged for a later RecvRaw.
func (f *Framer) Send(ctx context.Context, data []byte) error {
	if err := f.waitReady(ctx); err != nil {
		return err
	}
	for off := 0; ; {
		end := off + MaxPayload
		id := byte(PktProtocol)
		if end >= len(data) {
			end = len(data)
			id = PktEndOfTransfer
		}
		if err := f.sendReliable(ctx, id, data[off:end]); err != nil {
			return err
		}
		if id == PktEndOfTransfer {
			return nil
		}
		off = end
	}
}

// waitReady blocks until the peer signals READY_TO_READ. Anything else that
// arrives is staged and acknowledged (payload packets), version-checked and
// acknowledged (VERSION), or ignored (ACK, NAK).
func (f *Framer) waitReady(ctx context.Context) error {
	for {
		p, err := f.readPacket(ctx)
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrTimeout):
			continue
		case errors.Is(err, ErrCRC), errors.Is(err, ErrInvalidStuffing):
			if werr := f.writeControl(PktNak); werr != nil {
				return werr
			}
			continue
		default:
			return err
		}
		switch p.id {
		case PktReadyToRead:
			return nil
		case PktProtocol, PktEndOfTransfer:
			if err := f.stagePacket(p); err != nil {
				return err
			}
			if err := f.writeControl(PktAck); err != nil {
				return err
			}
		case PktVersion:
			if err := f.checkVersion(p); err != nil {
				return err
			}
			if err := f.writeControl(PktAck); err != nil {
				return err
			}
		}
	}
}

// sendReliable writes one packet and waits for its ACK, retransmitting on
// NAK, garble, or silence within the retry budget.
func (f *Framer) sendReliable(ctx context.Context, id byte, payload []byte) error {
	wire := encodePacket(id, payload)
	for attempt := 1; attempt <= f.cfg.MaxRetries; attempt++ {
		if err := f.tr.Write(wire); err != nil {
			return err
		}
		f.logger.Debug("tx packet", "id", packetName(id), "len", len(payload), "attempt", attempt)
		err := f.awaitAck(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errNak) && !errors.Is(err, errAckTimeout) {
			return err
		}
		f.logger.Debug("retransmit", "id", packetName(id), "cause", err)
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrRetriesExhausted, packetName(id), f.cfg.MaxRetries)
}

func (f *Framer) awaitAck(ctx context.Context) error {
	deadline := time.Now().Add(f.cfg.AckTimeout)
	for {
		p, err := f.readPacket(ctx)
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrTimeout):
			if time.Now().After(deadline) {
				return errAckTimeout
			}
			continue
		case errors.Is(err, ErrCRC), errors.Is(err, ErrInvalidStuffing):
			// Garbled response; treat like a NAK.
			return errNak
		default:
			return err
		}
		switch p.id {
		case PktAck:
			return nil
		case PktNak:
			return errNak
		case PktProtocol, PktEndOfTransfer:
			if err := f.stagePacket(p); err != nil {
				return err
			}
			if err := f.writeControl(PktAck); err != nil {
				return err
			}
		}
		if time.Now().After(deadline) {
			return errAckTimeout
		}
	}
}

// Recv reassembles one block: successive PROTOCOL payloads concatenated up
// to and including the END_OF_TRANSFER payload. CRC-valid packets are
// acknowledged, invalid ones NAKed for retransmission.
func (f *Framer) Recv(ctx context.Context) ([]byte, error) {
	var out []byte
	for {
		p, err := f.readPacket(ctx)
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrTimeout):
			continue
		case errors.Is(err, ErrCRC), errors.Is(err, ErrInvalidStuffing):
			if werr := f.writeControl(PktNak); werr != nil {
				return nil, werr
			}
			continue
		default:
			return nil, err
		}
		switch p.id {
		case PktProtocol:
			if err := f.writeControl(PktAck); err != nil {
				return nil, err
			}
			out = append(out, p.payload...)
		case PktEndOfTransfer:
			if err := f.writeControl(PktAck); err != nil {
				return nil, err
			}
			return append(out, p.payload...), nil
		case PktVersion:
			if err := f.checkVersion(p); err != nil {
				return nil, err
			}
			if err := f.writeControl(PktAck); err != nil {
				return nil, err
			}
		}
	}
}

func (f *Framer) checkVersion(p packet) error {
	if len(p.payload) != 2 || p.payload[0] != VersionMajor || p.payload[1] != VersionMinor {
		return fmt.Errorf("%w: got %v, want (%d, %d)",
			ErrVersionMismatch, p.payload, VersionMajor, VersionMinor)
	}
	return nil
}

// SignalReady tells the peer this side is ready to accept payload fragments.
func (f *Framer) SignalReady() error {
	return f.writeControl(PktReadyToRead)
}

// SendVersion announces the protocol version and waits for the ACK.
func (f *Framer) SendVersion(ctx context.Context) error {
	return f.sendReliable(ctx, PktVersion, []byte{VersionMajor, VersionMinor})
}

// RecvRaw drains bytes in arrival order: staged payloads first, then fresh
// frames from the wire.
func (f *Framer) RecvRaw(ctx context.Context, p []byte) (int, error) {
	for {
		if f.stage.Len() > 0 {
			return f.stage.Read(p), nil
		}
		pkt, err := f.readPacket(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrCRC), errors.Is(err, ErrInvalidStuffing):
			if werr := f.writeControl(PktNak); werr != nil {
				return 0, werr
			}
			continue
		default:
			return 0, err
		}
		switch pkt.id {
		case PktProtocol, PktEndOfTransfer:
			if err := f.stagePacket(pkt); err != nil {
				return 0, err
			}
			if err := f.writeControl(PktAck); err != nil {
				return 0, err
			}
		}
	}
}

// StagedLen reports how many bytes are buffered ahead of the next RecvRaw.
func (f *Framer) StagedLen() int { return f.stage.Len() }
