package bsl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"

	"github.com/xx25/go-edl/hdlc"
)

// nameFieldLen is the fixed UTF-16LE partition-name field size.
const nameFieldLen = 72

// partRecordLen is one READ_PARTITION table entry: name field + 32-bit size.
const partRecordLen = nameFieldLen + 4

// fourGiB is the threshold past which start payloads grow a 32-bit high word.
const fourGiB = uint64(1) << 32

// probeTimeoutBudget aborts partition probing after this many consecutive
// silent names.
const probeTimeoutBudget = 5

// writeChunkAttempts: one send plus two retries per partition-write chunk.
const writeChunkAttempts = 3

// consecutiveChunkFailLimit aborts a partition write once this many chunks
// in a row failed outright.
const consecutiveChunkFailLimit = 3

// PartitionInfo is one entry of the device partition table. Size is zero
// when the entry came from probe fallback, which only proves existence.
type PartitionInfo struct {
	Name string
	Size uint64
}

// ProbeNames is the curated list used when the device cannot enumerate its
// own partition table.
var ProbeNames = []string{
	"prodnv", "miscdata", "recovery", "misc", "trustos", "sml", "uboot",
	"boot", "system", "cache", "userdata", "logo", "fbootlogo",
	"l_fixnv1", "l_fixnv2", "l_runtimenv1", "l_runtimenv2", "nvitem",
	"vbmeta", "dtb", "dtbo", "super", "vendor", "persist", "wcnmodem",
	"l_modem", "l_ldsp", "l_gdsp", "pm_sys",
}

// encodeName packs a partition name as UTF-16LE padded with zeros to the
// fixed field width.
func encodeName(name string) ([]byte, error) {
	units := utf16.Encode([]rune(name))
	if len(units)*2 >= nameFieldLen {
		return nil, fmt.Errorf("bsl: partition name %q too long", name)
	}
	out := make([]byte, nameFieldLen)
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[i*2:], u)
	}
	return out, nil
}

// decodeName reverses encodeName, stopping at the first NUL unit.
func decodeName(p []byte) string {
	var units []uint16
	for i := 0; i+1 < len(p); i += 2 {
		u := binary.LittleEndian.Uint16(p[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

// startPayload builds the shared START_DATA/READ_START payload: the name
// field, the 32-bit size, and a high word when the size needs 64 bits.
func startPayload(name string, size uint64) ([]byte, error) {
	field, err := encodeName(name)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, nameFieldLen+8)
	out = append(out, field...)
	var sz [4]byte
	binary.LittleEndian.PutUint32(sz[:], uint32(size))
	out = append(out, sz[:]...)
	if size >= fourGiB {
		binary.LittleEndian.PutUint32(sz[:], uint32(size>>32))
		out = append(out, sz[:]...)
	}
	return out, nil
}

func (s *Session) requireFdl2(op string) error {
	if s.state != StateFdl2Loaded {
		return s.fail(fmt.Errorf("%w: %s from %s", ErrIncompatibleState, op, s.state))
	}
	return nil
}

// WritePartition streams data into the named partition through acknowledged
// MIDST_DATA chunks.
func (s *Session) WritePartition(ctx context.Context, name string, data []byte) error {
	if err := s.requireFdl2("write partition"); err != nil {
		return err
	}
	start, err := startPayload(name, uint64(len(data)))
	if err != nil {
		return err
	}
	if err := s.command(ctx, CmdStartData, start, responseTimeout); err != nil {
		return fmt.Errorf("bsl: write %s: start: %w", name, err)
	}

	consecutiveFails := 0
	for off := 0; off < len(data); {
		end := off + s.chunk
		if end > len(data) {
			end = len(data)
		}
		var cerr error
		sent := false
		for attempt := 1; attempt <= writeChunkAttempts; attempt++ {
			if cerr = s.command(ctx, CmdMidstData, data[off:end], responseTimeout); cerr == nil {
				sent = true
				break
			}
			s.logger.Debug("partition chunk resend", "name", name, "offset", off, "attempt", attempt, "err", cerr)
		}
		if !sent {
			consecutiveFails++
			if consecutiveFails >= consecutiveChunkFailLimit {
				return fmt.Errorf("bsl: write %s: %d consecutive chunk failures: %w",
					name, consecutiveFails, cerr)
			}
			continue
		}
		consecutiveFails = 0
		off = end
	}

	if err := s.command(ctx, CmdEndData, nil, responseTimeout); err != nil {
		return fmt.Errorf("bsl: write %s: end: %w", name, err)
	}
	return nil
}

// ReadPartition pulls size bytes out of the named partition.
func (s *Session) ReadPartition(ctx context.Context, name string, size uint64) ([]byte, error) {
	if err := s.requireFdl2("read partition"); err != nil {
		return nil, err
	}
	start, err := startPayload(name, size)
	if err != nil {
		return nil, err
	}
	if err := s.command(ctx, CmdReadStart, start, responseTimeout); err != nil {
		return nil, fmt.Errorf("bsl: read %s: start: %w", name, err)
	}

	wide := size >= fourGiB
	out := make([]byte, 0, size)
	for off := uint64(0); off < size; {
		want := uint64(s.chunk)
		if size-off < want {
			want = size - off
		}
		req := make([]byte, 8, 12)
		binary.LittleEndian.PutUint32(req[0:4], uint32(want))
		binary.LittleEndian.PutUint32(req[4:8], uint32(off))
		if wide {
			var hi [4]byte
			binary.LittleEndian.PutUint32(hi[:], uint32(off>>32))
			req = append(req, hi[:]...)
		}

		chunk, err := s.readChunk(ctx, req, name)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			return nil, fmt.Errorf("bsl: read %s: empty chunk at offset %d", name, off)
		}
		out = append(out, chunk...)
		off += uint64(len(chunk))
	}

	if err := s.command(ctx, CmdReadEnd, nil, responseTimeout); err != nil {
		return nil, fmt.Errorf("bsl: read %s: end: %w", name, err)
	}
	return out, nil
}

// readChunk issues one READ_MIDST, retrying on line corruption.
func (s *Session) readChunk(ctx context.Context, req []byte, name string) ([]byte, error) {
	var err error
	for attempt := 1; attempt <= chunkAttempts; attempt++ {
		var resp hdlc.Frame
		resp, err = s.exchange(ctx, CmdReadMidst, req, responseTimeout)
		if err != nil {
			if errors.Is(err, hdlc.ErrChecksumMismatch) {
				s.logger.Debug("read chunk crc retry", "name", name, "attempt", attempt)
				continue
			}
			return nil, fmt.Errorf("bsl: read %s: midst: %w", name, err)
		}
		if resp.Type != RespReadFlash {
			return nil, fmt.Errorf("bsl: read %s: midst: %w", name, &UnexpectedResponseError{Code: resp.Type})
		}
		return resp.Payload, nil
	}
	return nil, fmt.Errorf("bsl: read %s: midst after %d attempts: %w", name, chunkAttempts, err)
}

// ErasePartition wipes the named partition. Flash erase is slow; the
// response window stretches to a minute, and the caller may retry the whole
// operation.
func (s *Session) ErasePartition(ctx context.Context, name string) error {
	if err := s.requireFdl2("erase partition"); err != nil {
		return err
	}
	field, err := encodeName(name)
	if err != nil {
		return err
	}
	if err := s.command(ctx, CmdEraseFlash, field, eraseTimeout); err != nil {
		return fmt.Errorf("bsl: erase %s: %w", name, err)
	}
	return nil
}

// ListPartitions enumerates the device partition table. Devices whose FDL2
// lacks READ_PARTITION are probed name-by-name instead.
func (s *Session) ListPartitions(ctx context.Context) ([]PartitionInfo, error) {
	if err := s.requireFdl2("list partitions"); err != nil {
		return nil, err
	}

	resp, err := s.exchange(ctx, CmdReadPartition, nil, responseTimeout)
	if err == nil && resp.Type == RespPartition {
		return parsePartitionTable(resp.Payload)
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("bsl: read partition table: %w", err)
	}
	s.logger.Debug("READ_PARTITION unsupported, falling back to probing")
	return s.probePartitions(ctx)
}

func parsePartitionTable(p []byte) ([]PartitionInfo, error) {
	if len(p)%partRecordLen != 0 {
		return nil, fmt.Errorf("bsl: partition table size %d not a record multiple", len(p))
	}
	var out []PartitionInfo
	for off := 0; off < len(p); off += partRecordLen {
		rec := p[off : off+partRecordLen]
		name := decodeName(rec[:nameFieldLen])
		if name == "" {
			continue
		}
		out = append(out, PartitionInfo{
			Name: name,
			Size: uint64(binary.LittleEndian.Uint32(rec[nameFieldLen:])),
		})
	}
	return out, nil
}

// probePartitions tests each curated name with a minimal 8-byte read. A
// clean 8-byte payload proves the partition exists; a run of silent probes
// means the agent is wedged and the scan stops.
func (s *Session) probePartitions(ctx context.Context) ([]PartitionInfo, error) {
	var out []PartitionInfo
	timeouts := 0
	for _, name := range ProbeNames {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		ok, err := s.probeOne(ctx, name)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				timeouts++
				if timeouts >= probeTimeoutBudget {
					return out, fmt.Errorf("bsl: partition probing aborted after %d consecutive timeouts", timeouts)
				}
				continue
			}
			return out, err
		}
		timeouts = 0
		if ok {
			out = append(out, PartitionInfo{Name: name})
		}
	}
	return out, nil
}

func (s *Session) probeOne(ctx context.Context, name string) (bool, error) {
	start, err := startPayload(name, 8)
	if err != nil {
		return false, err
	}
	if err := s.command(ctx, CmdReadStart, start, responseTimeout); err != nil {
		var ur *UnexpectedResponseError
		if errors.As(err, &ur) {
			return false, nil
		}
		return false, err
	}
	req := make([]byte, 8)
	binary.LittleEndian.PutUint32(req[0:4], 8)
	resp, err := s.exchange(ctx, CmdReadMidst, req, responseTimeout)
	if err != nil {
		return false, err
	}
	exists := resp.Type == RespReadFlash && len(resp.Payload) == 8
	// READ_END regardless, to leave the agent in a clean state.
	if err := s.command(ctx, CmdReadEnd, nil, responseTimeout); err != nil {
		s.logger.Debug("probe read-end failed", "name", name, "err", err)
	}
	return exists, nil
}
