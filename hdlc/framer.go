// Package hdlc implements the 0x7E-delimited, byte-stuffed framing used by
// the bootloader protocol. Endianness of the header words, the checksum
// algorithm, and body transcoding are all runtime-switchable because the
// peer changes them at download-agent execution boundaries.
package hdlc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xx25/go-edl/checksum"
	"github.com/xx25/go-edl/transport"
)

// Flag delimits frames; Esc introduces an escaped body byte.
const (
	Flag   = 0x7E
	Esc    = 0x7D
	escXOR = 0x20
)

var (
	ErrFrameTooShort    = errors.New("hdlc: frame too short")
	ErrInvalidDelimiter = errors.New("hdlc: invalid delimiter")
	ErrFrameIncomplete  = errors.New("hdlc: frame incomplete")
	ErrPayloadMismatch  = errors.New("hdlc: payload length mismatch")
	ErrChecksumMismatch = errors.New("hdlc: checksum mismatch")
)

// ChecksumMode selects the frame check algorithm.
type ChecksumMode int

const (
	ChecksumCRC16    ChecksumMode = iota // CRC-16/CCITT, BROM phase
	ChecksumAdditive                     // Spreadtrum additive, FDL phase
)

func (m ChecksumMode) String() string {
	if m == ChecksumCRC16 {
		return "crc16"
	}
	return "additive"
}

// Frame is one decoded unit: a 16-bit type word and its payload.
type Frame struct {
	Type    uint16
	Payload []byte
}

// Framer frames and deframes over a byte-stream transport. The mode bits
// are session-private; the owning session flips them at protocol phase
// transitions.
type Framer struct {
	tr     transport.Transport
	logger *slog.Logger

	// BigEndian controls the byte order of the type, length, and checksum
	// header words. BROM speaks big-endian; FDL agents speak little-endian.
	BigEndian bool
	// Transcode enables {0x7E, 0x7D} body escaping.
	Transcode bool
	// Raw makes BuildFrame the identity on payload, for bulk transfers once
	// the peer is in raw-data mode.
	Raw bool

	mode ChecksumMode
	rx   []byte // residual bytes carried between scans
}

// NewFramer wraps tr in BROM-phase defaults: big-endian, CRC16, transcoding.
func NewFramer(tr transport.Transport, logger *slog.Logger) *Framer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Framer{
		tr:        tr,
		logger:    logger,
		BigEndian: true,
		Transcode: true,
		mode:      ChecksumCRC16,
	}
}

// Mode reports the current checksum algorithm.
func (f *Framer) Mode() ChecksumMode { return f.mode }

// SetMode selects the checksum algorithm.
func (f *Framer) SetMode(m ChecksumMode) { f.mode = m }

func (f *Framer) order() binary.ByteOrder {
	if f.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (f *Framer) check(m ChecksumMode, body []byte) uint16 {
	if m == ChecksumCRC16 {
		return checksum.CCITT16(body)
	}
	return checksum.Additive(body)
}

// escapeBody stuffs flag and escape bytes as {0x7D, b^0x20}.
func escapeBody(body []byte) []byte {
	out := make([]byte, 0, len(body)+len(body)/8)
	for _, b := range body {
		if b == Flag || b == Esc {
			out = append(out, Esc, b^escXOR)
			continue
		}
		out = append(out, b)
	}
	return out
}

// unescapeBody reverses escapeBody. A dangling escape at the end of the
// body means the frame was cut short.
func unescapeBody(body []byte) ([]byte, error) {
	out := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		b := body[i]
		if b != Esc {
			out = append(out, b)
			continue
		}
		i++
		if i >= len(body) {
			return nil, ErrFrameIncomplete
		}
		out = append(out, body[i]^escXOR)
	}
	return out, nil
}

// BuildFrame serializes one frame:
// 0x7E || type16 || len16 || payload || check16 || 0x7E
// with the three header words in the framer's byte order, the body escaped
// when transcoding, and the checksum taken over the unescaped body. In raw
// mode the payload passes through untouched.
func (f *Framer) BuildFrame(typ uint16, payload []byte) []byte {
	if f.Raw {
		return payload
	}
	body := make([]byte, 4+len(payload)+2)
	f.order().PutUint16(body[0:2], typ)
	f.order().PutUint16(body[2:4], uint16(len(payload)))
	copy(body[4:], payload)
	f.order().PutUint16(body[4+len(payload):], f.check(f.mode, body[:4+len(payload)]))

	if f.Transcode {
		body = escapeBody(body)
	}
	out := make([]byte, 0, len(body)+2)
	out = append(out, Flag)
	out = append(out, body...)
	return append(out, Flag)
}

// decodeBody validates one flag-to-flag body (escapes already reversed).
// On a checksum mismatch it tries the other algorithm and, if that one
// matches, adopts it — the peer flipped modes without telling us.
func (f *Framer) decodeBody(body []byte) (Frame, error) {
	if len(body) < 6 {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(body))
	}
	typ := f.order().Uint16(body[0:2])
	length := f.order().Uint16(body[2:4])
	if int(length) != len(body)-6 {
		return Frame{}, fmt.Errorf("%w: header %d, actual %d", ErrPayloadMismatch, length, len(body)-6)
	}
	got := f.order().Uint16(body[len(body)-2:])
	want := f.check(f.mode, body[:len(body)-2])
	if got != want {
		other := ChecksumAdditive
		if f.mode == ChecksumAdditive {
			other = ChecksumCRC16
		}
		if f.check(other, body[:len(body)-2]) == got {
			f.logger.Debug("checksum algorithm switch", "from", f.mode, "to", other)
			f.mode = other
		} else {
			return Frame{}, fmt.Errorf("%w: got 0x%04x, want 0x%04x", ErrChecksumMismatch, got, want)
		}
	}
	payload := make([]byte, len(body)-6)
	copy(payload, body[4:len(body)-2])
	return Frame{Type: typ, Payload: payload}, nil
}

// ReadFrame scans the stream for the next complete frame. Bytes before the
// opening flag are discarded; empty flag-to-flag gaps (back-to-back
// delimiters) are skipped. The closing flag is consumed with its frame, so a
// flag shared between two frames is not reused as the next opening flag.
func (f *Framer) ReadFrame(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if frame, ok, err := f.scanBuffered(); err != nil {
			return Frame{}, err
		} else if ok {
			return frame, nil
		}
		buf := make([]byte, 512)
		n, err := f.tr.Read(buf)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			return Frame{}, err
		}
		f.rx = append(f.rx, buf[:n]...)
	}
}

// scanBuffered attempts to cut one frame out of the residual buffer.
func (f *Framer) scanBuffered() (Frame, bool, error) {
	for {
		start := indexByte(f.rx, Flag)
		if start < 0 {
			if len(f.rx) > 0 {
				f.logger.Debug("discarding bytes before flag", "count", len(f.rx))
			}
			f.rx = f.rx[:0]
			return Frame{}, false, nil
		}
		end := indexByte(f.rx[start+1:], Flag)
		if end < 0 {
			// Keep from the opening flag; the rest of the frame is still
			// in flight.
			f.rx = append(f.rx[:0], f.rx[start:]...)
			return Frame{}, false, nil
		}
		end += start + 1
		body := f.rx[start+1 : end]
		f.rx = append(f.rx[:0], f.rx[end+1:]...)
		if len(body) == 0 {
			continue // back-to-back flags
		}
		decoded := body
		if f.Transcode {
			var err error
			decoded, err = unescapeBody(body)
			if err != nil {
				return Frame{}, false, err
			}
		}
		frame, err := f.decodeBody(decoded)
		if err != nil {
			return Frame{}, false, err
		}
		return frame, true, nil
	}
}

func indexByte(p []byte, b byte) int {
	for i, c := range p {
		if c == b {
			return i
		}
	}
	return -1
}

// WriteFrame serializes and transmits one frame.
func (f *Framer) WriteFrame(typ uint16, payload []byte) error {
	return f.tr.Write(f.BuildFrame(typ, payload))
}

// WriteRaw bypasses framing entirely; used for bare flag probes.
func (f *Framer) WriteRaw(p []byte) error {
	return f.tr.Write(p)
}

// DiscardPending drops any residual unparsed bytes, for use at phase
// transitions where stale BROM-era bytes would confuse the new framing.
func (f *Framer) DiscardPending() {
	f.rx = f.rx[:0]
}
