// Package diag implements the HDLC-framed diagnostic channel: version
// query, NV item read/write (including the BCD-packed IMEI), AT
// pass-through, and the mode switches that hand the device to a bootloader.
// The framing shares the flag-and-escape shape of the bootloader channel
// but uses the reflected CRC variant.
package diag

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xx25/go-edl/checksum"
	"github.com/xx25/go-edl/transport"
)

const (
	flag   = 0x7E
	esc    = 0x7D
	escXOR = 0x20
)

// Diagnostic command bytes.
const (
	CmdVersion  byte = 0x00
	CmdNVRead   byte = 0x26
	CmdNVWrite  byte = 0x27
	CmdReset    byte = 0x29
	CmdPowerOff byte = 0x2A
	CmdAT       byte = 0x68
)

// NV item ids.
const (
	NVIMEI1 uint16 = 0x0005
)

// switchDownloadSequence triggers re-enumeration into download mode. It is
// a fixed byte string, not a framed command.
var switchDownloadSequence = []byte{0x7E, 0x00, 0x00, 0x00, 0x00, 0x08, 0x00, 0xFE, 0x81, 0x7E}

var (
	ErrChecksumMismatch = errors.New("diag: checksum mismatch")
	ErrFrameIncomplete  = errors.New("diag: frame incomplete")
	ErrRejected         = errors.New("diag: command rejected")
	ErrNotConnected     = errors.New("diag: not connected")
)

// Config controls client behavior.
type Config struct {
	// Timeout: per-command response window (default 5s).
	Timeout time.Duration
	Logger  *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// Client is one diagnostic conversation over a transport. Not safe for
// concurrent use.
type Client struct {
	tr        transport.Transport
	cfg       Config
	logger    *slog.Logger
	rx        []byte
	connected bool
}

// NewClient wraps an open transport.
func NewClient(tr transport.Transport, cfg *Config) *Client {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{tr: tr, cfg: c, logger: logger, connected: true}
}

// Connected reports whether the client still owns a live diagnostic
// channel; a mode switch drops it.
func (c *Client) Connected() bool { return c.connected }

// buildFrame serializes one command:
// 0x7E || cmd || payload || crc16 (reflected, little-endian) || 0x7E
// with flag and escape bytes stuffed as {0x7D, b^0x20}.
func buildFrame(cmd byte, payload []byte) []byte {
	body := make([]byte, 0, len(payload)+3)
	body = append(body, cmd)
	body = append(body, payload...)
	crc := checksum.Reflected16(body)
	body = append(body, byte(crc), byte(crc>>8))

	out := make([]byte, 0, len(body)+8)
	out = append(out, flag)
	for _, b := range body {
		if b == flag || b == esc {
			out = append(out, esc, b^escXOR)
			continue
		}
		out = append(out, b)
	}
	return append(out, flag)
}

// readFrame scans for the next flag-delimited frame and returns the command
// byte and payload after CRC verification.
func (c *Client) readFrame(ctx context.Context) (byte, []byte, error) {
	deadline := time.Now().Add(c.cfg.Timeout)
	for {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		if cmd, payload, ok, err := c.scanBuffered(); err != nil {
			return 0, nil, err
		} else if ok {
			return cmd, payload, nil
		}
		if time.Now().After(deadline) {
			return 0, nil, transport.ErrTimeout
		}
		buf := make([]byte, 512)
		n, err := c.tr.Read(buf)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			return 0, nil, err
		}
		c.rx = append(c.rx, buf[:n]...)
	}
}

func (c *Client) scanBuffered() (byte, []byte, bool, error) {
	for {
		start := -1
		for i, b := range c.rx {
			if b == flag {
				start = i
				break
			}
		}
		if start < 0 {
			c.rx = c.rx[:0]
			return 0, nil, false, nil
		}
		end := -1
		for i := start + 1; i < len(c.rx); i++ {
			if c.rx[i] == flag {
				end = i
				break
			}
		}
		if end < 0 {
			c.rx = append(c.rx[:0], c.rx[start:]...)
			return 0, nil, false, nil
		}
		raw := c.rx[start+1 : end]
		c.rx = append(c.rx[:0], c.rx[end+1:]...)
		if len(raw) == 0 {
			continue // back-to-back flags
		}
		body := make([]byte, 0, len(raw))
		for i := 0; i < len(raw); i++ {
			b := raw[i]
			if b != esc {
				body = append(body, b)
				continue
			}
			i++
			if i >= len(raw) {
				return 0, nil, false, ErrFrameIncomplete
			}
			body = append(body, raw[i]^escXOR)
		}
		if len(body) < 3 {
			return 0, nil, false, ErrFrameIncomplete
		}
		if !checksum.VerifyReflected16(body) {
			return 0, nil, false, ErrChecksumMismatch
		}
		payload := make([]byte, len(body)-3)
		copy(payload, body[1:len(body)-2])
		return body[0], payload, true, nil
	}
}

// exchange sends one command and returns the response payload. A response
// echoing the command byte is success; anything else is a rejection.
func (c *Client) exchange(ctx context.Context, cmd byte, payload []byte) ([]byte, error) {
	if !c.connected {
		return nil, ErrNotConnected
	}
	if err := c.tr.Write(buildFrame(cmd, payload)); err != nil {
		return nil, err
	}
	respCmd, respPayload, err := c.readFrame(ctx)
	if err != nil {
		return nil, err
	}
	if respCmd != cmd {
		return nil, fmt.Errorf("%w: command 0x%02x answered 0x%02x", ErrRejected, cmd, respCmd)
	}
	return respPayload, nil
}

// Version queries the firmware version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	payload, err := c.exchange(ctx, CmdVersion, nil)
	if err != nil {
		return "", err
	}
	for i, b := range payload {
		if b == 0 {
			return string(payload[:i]), nil
		}
	}
	return string(payload), nil
}

// ReadNV reads length bytes of the numbered NV item.
// Wire: id (LE) || length (LE); the response echoes the id before the data.
func (c *Client) ReadNV(ctx context.Context, id, length uint16) ([]byte, error) {
	req := make([]byte, 4)
	binary.LittleEndian.PutUint16(req[0:2], id)
	binary.LittleEndian.PutUint16(req[2:4], length)
	payload, err := c.exchange(ctx, CmdNVRead, req)
	if err != nil {
		return nil, err
	}
	if len(payload) < 2 || binary.LittleEndian.Uint16(payload[0:2]) != id {
		return nil, fmt.Errorf("%w: nv read echo mismatch", ErrRejected)
	}
	return payload[2:], nil
}

// WriteNV replaces the numbered NV item.
// Wire: id (LE) || data.
func (c *Client) WriteNV(ctx context.Context, id uint16, data []byte) error {
	req := make([]byte, 2, 2+len(data))
	binary.LittleEndian.PutUint16(req, id)
	req = append(req, data...)
	_, err := c.exchange(ctx, CmdNVWrite, req)
	return err
}

// ReadIMEI reads and decodes the IMEI stored in the given NV item.
func (c *Client) ReadIMEI(ctx context.Context, id uint16) (string, error) {
	data, err := c.ReadNV(ctx, id, imeiEncodedLength)
	if err != nil {
		return "", err
	}
	return DecodeIMEI(data)
}

// WriteIMEI encodes and stores an IMEI into the given NV item.
func (c *Client) WriteIMEI(ctx context.Context, id uint16, imei string) error {
	data, err := EncodeIMEI(imei)
	if err != nil {
		return err
	}
	return c.WriteNV(ctx, id, data)
}

// SendAT passes an AT command through the diagnostic channel.
func (c *Client) SendAT(ctx context.Context, cmd string) (string, error) {
	payload, err := c.exchange(ctx, CmdAT, append([]byte(cmd), '\r'))
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// Reset reboots the device.
func (c *Client) Reset(ctx context.Context) error {
	_, err := c.exchange(ctx, CmdReset, nil)
	return err
}

// PowerOff shuts the device down.
func (c *Client) PowerOff(ctx context.Context) error {
	_, err := c.exchange(ctx, CmdPowerOff, nil)
	return err
}

// SwitchToDownload emits the fixed download-mode sequence. The device
// re-enumerates; this client is disconnected afterwards and the caller must
// open a fresh transport to whatever appears.
func (c *Client) SwitchToDownload() error {
	if !c.connected {
		return ErrNotConnected
	}
	if err := c.tr.Write(switchDownloadSequence); err != nil {
		return err
	}
	c.connected = false
	return nil
}
