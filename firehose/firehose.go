// Package firehose implements the XML flashing protocol session: command
// documents out, response documents back, with interleaved device log
// records routed to a callback and, when VIP is enabled, signed hash-table
// deliveries interposed on the transmit path.
package firehose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xx25/go-edl/transport"
)

// rxBufCap bounds the receive scan buffer; a response record never
// legitimately exceeds it.
const rxBufCap = 4096

// DefaultTimeout is the total inactivity budget while waiting for a
// response. Device logs reset it; silence exhausts it.
const DefaultTimeout = 120 * time.Second

var (
	ErrTimeout          = errors.New("firehose: response timeout")
	ErrTargetNak        = errors.New("firehose: target nak")
	ErrVipState         = errors.New("firehose: vip state violation")
	ErrInvalidParameter = errors.New("firehose: invalid parameter")
	ErrResponseTooLarge = errors.New("firehose: response exceeds buffer")
)

// LogFunc receives the quoted value of each device log record.
type LogFunc func(msg string)

// Config controls session behavior.
type Config struct {
	// Timeout: total inactivity budget per response wait (default 120s).
	Timeout time.Duration
	// Log receives interleaved device log records; nil discards them.
	Log LogFunc
	// VIP enables validated image programming on the transmit path.
	VIP    *VIPConfig
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Session is one Firehose conversation over a transport. Not safe for
// concurrent use. The log callback must not re-enter the session.
type Session struct {
	tr     transport.Transport
	cfg    Config
	logger *slog.Logger
	rx     []byte
	vip    *vipSender
}

// NewSession wraps an open transport.
func NewSession(tr transport.Transport, cfg *Config) (*Session, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		tr:     tr,
		cfg:    c,
		logger: logger,
		rx:     make([]byte, 0, rxBufCap),
	}
	if c.VIP != nil {
		vip, err := newVIPSender(c.VIP)
		if err != nil {
			return nil, err
		}
		s.vip = vip
	}
	return s, nil
}

// Command transmits one XML document and returns the raw response record.
func (s *Session) Command(ctx context.Context, req []byte) ([]byte, error) {
	if err := s.send(ctx, req); err != nil {
		return nil, err
	}
	return s.ReadResponse(ctx)
}

// send pushes payload through the VIP interposer when enabled, straight to
// the transport otherwise.
func (s *Session) send(ctx context.Context, payload []byte) error {
	if s.vip != nil {
		return s.vip.send(ctx, s, payload)
	}
	return s.tr.Write(payload)
}

// RawWrite sends bulk data without waiting for a response, for the raw-data
// phase following an accepted program command. VIP accounting still applies:
// every raw frame is a payload frame.
func (s *Session) RawWrite(ctx context.Context, data []byte) error {
	return s.send(ctx, data)
}

// ReadResponse scans the receive stream for the next response record.
// Junk before the XML marker is discarded, log records are routed to the
// callback and reset the inactivity budget, and only a response record is
// returned to the caller.
func (s *Session) ReadResponse(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(s.cfg.Timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, ok, err := s.cutRecord()
		if err != nil {
			return nil, err
		}
		if ok {
			tag, value := parseRecord(rec)
			switch {
			case strings.HasPrefix(tag, "log"):
				if s.cfg.Log != nil {
					s.cfg.Log(value)
				}
				deadline = time.Now().Add(s.cfg.Timeout)
				continue
			case strings.HasPrefix(tag, "response"):
				return rec, nil
			default:
				s.logger.Debug("unrecognized record", "tag", tag)
				continue
			}
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		buf := make([]byte, 1024)
		n, err := s.tr.Read(buf)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			return nil, err
		}
		s.rx = append(s.rx, buf[:n]...)
	}
}

var (
	xmlMarker  = []byte("<?xml")
	dataCloser = []byte("</data>")
)

// cutRecord extracts one complete XML record from the scan buffer,
// discarding any bytes before the marker.
func (s *Session) cutRecord() ([]byte, bool, error) {
	idx := bytes.Index(s.rx, xmlMarker)
	if idx < 0 {
		// No marker yet. Keep a potential partial marker at the tail, drop
		// the rest as line noise.
		if len(s.rx) > len(xmlMarker) {
			s.logger.Debug("discarding bytes before xml marker", "count", len(s.rx)-len(xmlMarker))
			s.rx = append(s.rx[:0], s.rx[len(s.rx)-len(xmlMarker):]...)
		}
		return nil, false, nil
	}
	if idx > 0 {
		s.logger.Debug("discarding bytes before xml marker", "count", idx)
		s.rx = append(s.rx[:0], s.rx[idx:]...)
	}
	end := bytes.Index(s.rx, dataCloser)
	if end < 0 {
		if len(s.rx) >= rxBufCap {
			return nil, false, ErrResponseTooLarge
		}
		return nil, false, nil
	}
	end += len(dataCloser)
	rec := make([]byte, end)
	copy(rec, s.rx[:end])
	s.rx = append(s.rx[:0], s.rx[end:]...)
	return rec, true, nil
}

// parseRecord pulls the first inner element's tag name and its value
// attribute out of one record. The record is already cut from the scan
// buffer; routing is by this tag alone, so logs are never miscounted as
// response content.
func parseRecord(rec []byte) (tag, value string) {
	body := rec
	if i := bytes.Index(body, []byte("<data")); i >= 0 {
		if j := bytes.IndexByte(body[i:], '>'); j >= 0 {
			body = body[i+j+1:]
		}
	}
	i := bytes.IndexByte(body, '<')
	if i < 0 {
		return "", ""
	}
	body = body[i+1:]
	end := bytes.IndexAny(body, " \t\r\n/>")
	if end < 0 {
		return string(body), ""
	}
	tag = string(body[:end])

	elem := body
	if j := bytes.IndexByte(body, '>'); j >= 0 {
		elem = body[:j]
	}
	if k := bytes.Index(elem, []byte(`value="`)); k >= 0 {
		rest := elem[k+len(`value="`):]
		if q := bytes.IndexByte(rest, '"'); q >= 0 {
			value = string(rest[:q])
		}
	}
	return tag, value
}

// ResponseValue returns the value attribute of a response record.
func ResponseValue(rec []byte) (string, error) {
	tag, value := parseRecord(rec)
	if !strings.HasPrefix(tag, "response") {
		return "", fmt.Errorf("firehose: record %q is not a response", tag)
	}
	return value, nil
}

// IsAck reports whether a response record acknowledges the command.
func IsAck(rec []byte) bool {
	v, err := ResponseValue(rec)
	return err == nil && v == "ACK"
}
