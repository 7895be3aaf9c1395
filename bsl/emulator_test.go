package bsl

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/xx25/go-edl/hdlc"
	"github.com/xx25/go-edl/transport"
)

// emulator plays the device side of the bootloader protocol over a pipe.
// Scripts drive it step by step from a goroutine; failures surface through
// the err channel so the test goroutine can assert on them.
type emulator struct {
	tr  *transport.PipeEnd
	fr  *hdlc.Framer
	ctx context.Context
	err chan error

	version string
	blocks  [][]byte          // MIDST payloads of the current block transfer
	store   map[string][]byte // partition contents
}

func newEmulator(ctx context.Context, end *transport.PipeEnd) *emulator {
	return &emulator{
		tr:      end,
		fr:      hdlc.NewFramer(end, nil),
		ctx:     ctx,
		err:     make(chan error, 16),
		version: "SPRD3",
		store:   make(map[string][]byte),
	}
}

// expectProbe consumes raw bytes until a bare flag shows up.
func (e *emulator) expectProbe() bool {
	buf := make([]byte, 64)
	for {
		if e.ctx.Err() != nil {
			e.err <- e.ctx.Err()
			return false
		}
		n, err := e.tr.Read(buf)
		if err == transport.ErrTimeout {
			continue
		}
		if err != nil {
			e.err <- err
			return false
		}
		for _, b := range buf[:n] {
			if b == hdlc.Flag {
				return true
			}
		}
	}
}

func (e *emulator) next() (hdlc.Frame, bool) {
	f, err := e.fr.ReadFrame(e.ctx)
	if err != nil {
		e.err <- err
		return hdlc.Frame{}, false
	}
	return f, true
}

func (e *emulator) reply(typ uint16, payload []byte) bool {
	if err := e.fr.WriteFrame(typ, payload); err != nil {
		e.err <- err
		return false
	}
	return true
}

// expect reads one frame, verifies its type, and answers.
func (e *emulator) expect(want uint16, respType uint16, respPayload []byte) (hdlc.Frame, bool) {
	f, ok := e.next()
	if !ok {
		return hdlc.Frame{}, false
	}
	if f.Type != want {
		e.err <- &UnexpectedResponseError{Code: f.Type}
		return hdlc.Frame{}, false
	}
	if !e.reply(respType, respPayload) {
		return hdlc.Frame{}, false
	}
	return f, true
}

// serveBlock accepts one START/MIDST/END transfer, collecting chunks.
func (e *emulator) serveBlock() ([]byte, bool) {
	e.blocks = nil
	if _, ok := e.expect(CmdStartData, RespAck, nil); !ok {
		return nil, false
	}
	var data []byte
	for {
		f, ok := e.next()
		if !ok {
			return nil, false
		}
		switch f.Type {
		case CmdMidstData:
			e.blocks = append(e.blocks, f.Payload)
			data = append(data, f.Payload...)
			if !e.reply(RespAck, nil) {
				return nil, false
			}
		case CmdEndData:
			if !e.reply(RespAck, nil) {
				return nil, false
			}
			return data, true
		default:
			e.err <- &UnexpectedResponseError{Code: f.Type}
			return nil, false
		}
	}
}

// serveBROMHandshake answers the opening probe with the version banner.
func (e *emulator) serveBROMHandshake() bool {
	if !e.expectProbe() {
		return false
	}
	return e.reply(RespVer, append([]byte(e.version), 0))
}

// serveFDL1 plays BROM through a complete FDL1 download: CONNECT, the
// image transfer, EXEC, then the post-exec framing switch and CHECK_BAUD.
func (e *emulator) serveFDL1() ([]byte, bool) {
	if _, ok := e.expect(CmdConnect, RespAck, nil); !ok {
		return nil, false
	}
	image, ok := e.serveBlock()
	if !ok {
		return nil, false
	}
	if _, ok := e.expect(CmdExecData, RespAck, nil); !ok {
		return nil, false
	}
	// The executed agent speaks little-endian additive framing.
	e.fr.BigEndian = false
	e.fr.SetMode(hdlc.ChecksumAdditive)
	e.fr.DiscardPending()
	if !e.expectProbe() {
		return nil, false
	}
	if !e.reply(RespVer, append([]byte(e.version), 0)) {
		return nil, false
	}
	return image, true
}

// serveFDL2 plays FDL1 through a complete FDL2 download. EXEC is answered
// with INCOMPATIBLE_PARTITION, the empty-table case.
func (e *emulator) serveFDL2() ([]byte, bool) {
	if _, ok := e.expect(CmdConnect, RespAck, nil); !ok {
		return nil, false
	}
	image, ok := e.serveBlock()
	if !ok {
		return nil, false
	}
	if _, ok := e.expect(CmdExecData, RespIncompatiblePartition, nil); !ok {
		return nil, false
	}
	if _, ok := e.expect(CmdDisableTranscode, RespAck, nil); !ok {
		return nil, false
	}
	e.fr.Transcode = false
	return image, true
}

// servePartitionOps answers partition I/O until the context ends.
func (e *emulator) servePartitionOps() {
	var (
		readName string
		readData []byte
	)
	for {
		f, err := e.fr.ReadFrame(e.ctx)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			e.err <- err
			return
		}
		switch f.Type {
		case CmdStartData:
			name := decodeName(f.Payload[:nameFieldLen])
			data, ok := e.serveWrite()
			if !ok {
				return
			}
			e.store[name] = data
		case CmdReadStart:
			readName = decodeName(f.Payload[:nameFieldLen])
			readData = e.store[readName]
			e.reply(RespAck, nil)
		case CmdReadMidst:
			want := binary.LittleEndian.Uint32(f.Payload[0:4])
			off := binary.LittleEndian.Uint32(f.Payload[4:8])
			end := int(off) + int(want)
			if end > len(readData) {
				end = len(readData)
			}
			if int(off) >= len(readData) {
				e.reply(RespReadFlash, nil)
				continue
			}
			e.reply(RespReadFlash, readData[off:end])
		case CmdReadEnd:
			e.reply(RespAck, nil)
		case CmdEraseFlash:
			delete(e.store, decodeName(f.Payload))
			e.reply(RespAck, nil)
		case CmdReadPartition:
			var table []byte
			for name, data := range e.store {
				field, _ := encodeName(name)
				table = append(table, field...)
				var sz [4]byte
				binary.LittleEndian.PutUint32(sz[:], uint32(len(data)))
				table = append(table, sz[:]...)
			}
			e.reply(RespPartition, table)
		default:
			e.err <- &UnexpectedResponseError{Code: f.Type}
			return
		}
	}
}

// serveWrite continues a partition write after its START_DATA: it
// acknowledges the START_DATA, then collects MIDST chunks until END_DATA.
func (e *emulator) serveWrite() ([]byte, bool) {
	if !e.reply(RespAck, nil) {
		return nil, false
	}
	var data []byte
	for {
		f, ok := e.next()
		if !ok {
			return nil, false
		}
		switch f.Type {
		case CmdMidstData:
			data = append(data, f.Payload...)
			if !e.reply(RespAck, nil) {
				return nil, false
			}
		case CmdEndData:
			e.reply(RespAck, nil)
			return data, true
		default:
			e.err <- &UnexpectedResponseError{Code: f.Type}
			return nil, false
		}
	}
}

// sessionPair wires a session to a fresh emulator.
func sessionPair(t *testing.T) (*Session, *emulator, context.Context) {
	t.Helper()
	host, dev := transport.Pipe()
	host.SetReadTimeout(20 * time.Millisecond)
	dev.SetReadTimeout(20 * time.Millisecond)
	t.Cleanup(func() { host.Close(); dev.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	return NewSession(host, nil), newEmulator(ctx, dev), ctx
}

// drainEmulatorErrors fails the test on any error the emulator reported.
func drainEmulatorErrors(t *testing.T, e *emulator) {
	t.Helper()
	for {
		select {
		case err := <-e.err:
			t.Fatalf("emulator: %v", err)
		default:
			return
		}
	}
}
