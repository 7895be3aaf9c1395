package firehose

import (
	"context"
	"fmt"
	"io"
)

// VIP framing constants. The signed table opens the session; chained tables
// are interposed on a fixed payload-frame cadence so the target always
// holds the digests for the frames in flight.
const (
	// MaxSignedTableSize bounds the signed opening table.
	MaxSignedTableSize = 16 * 1024
	// ChainedTableSize is one chained-table delivery.
	ChainedTableSize = 8192
	// DigestSize is one SHA-256 digest entry.
	DigestSize = 32
	// MaxDigestsPerTable bounds the digests a single table may carry.
	MaxDigestsPerTable = 256
	// InitialTableBudget is the payload-frame count covered by the signed
	// table before the first chained table is due.
	InitialTableBudget = 53
	// ChainedTableBudget is the payload-frame count covered by each chained
	// table: one digest per frame, minus the digest chaining to the next
	// table.
	ChainedTableBudget = ChainedTableSize/DigestSize - 1
)

// VIPConfig supplies the hash-table material for validated image
// programming.
type VIPConfig struct {
	// SignedTable is the signed opening table, at most MaxSignedTableSize.
	SignedTable io.Reader
	// ChainedTables supplies successive ChainedTableSize deliveries.
	ChainedTables io.Reader
	// DigestsPerTable is the digest capacity the tables were generated
	// with; at most MaxDigestsPerTable. Zero means the maximum. Note that
	// the frame cadence is fixed by InitialTableBudget/ChainedTableBudget
	// regardless.
	DigestsPerTable int
}

type vipState int

const (
	vipInit vipState = iota
	vipSendData
	vipSendNextTable
)

// vipSender interposes table deliveries between caller payload frames. The
// state only advances forward through send-data/send-next-table cycles;
// init happens once at the first transmit.
type vipSender struct {
	cfg               VIPConfig
	state             vipState
	framesSent        int
	framesToNextTable int
}

func newVIPSender(cfg *VIPConfig) (*vipSender, error) {
	if cfg.SignedTable == nil {
		return nil, fmt.Errorf("%w: vip signed table missing", ErrInvalidParameter)
	}
	if cfg.DigestsPerTable < 0 || cfg.DigestsPerTable > MaxDigestsPerTable {
		return nil, fmt.Errorf("%w: digests per table %d", ErrInvalidParameter, cfg.DigestsPerTable)
	}
	return &vipSender{cfg: *cfg, state: vipInit}, nil
}

// send transmits one caller payload frame, delivering whichever table is
// due first. The caller's frames are never reordered; tables only slot in
// between them.
func (v *vipSender) send(ctx context.Context, s *Session, payload []byte) error {
	if v.state == vipInit {
		if err := v.sendSignedTable(ctx, s); err != nil {
			return err
		}
		v.state = vipSendData
		v.framesSent = 0
		v.framesToNextTable = InitialTableBudget
	}

	if v.framesSent >= v.framesToNextTable {
		v.state = vipSendNextTable
		if err := v.sendChainedTable(ctx, s); err != nil {
			return err
		}
		v.state = vipSendData
		v.framesSent = 0
		v.framesToNextTable = ChainedTableBudget
	}

	if err := s.tr.Write(payload); err != nil {
		return err
	}
	v.framesSent++
	return nil
}

func (v *vipSender) sendSignedTable(ctx context.Context, s *Session) error {
	table, err := io.ReadAll(io.LimitReader(v.cfg.SignedTable, MaxSignedTableSize+1))
	if err != nil {
		return fmt.Errorf("firehose: read signed table: %w", err)
	}
	if len(table) == 0 {
		return fmt.Errorf("%w: empty signed table", ErrVipState)
	}
	if len(table) > MaxSignedTableSize {
		return fmt.Errorf("%w: signed table exceeds %d bytes", ErrVipState, MaxSignedTableSize)
	}
	s.logger.Debug("vip: sending signed table", "len", len(table))
	if err := s.tr.Write(table); err != nil {
		return err
	}
	return v.expectAck(ctx, s, "signed table")
}

func (v *vipSender) sendChainedTable(ctx context.Context, s *Session) error {
	table := make([]byte, ChainedTableSize)
	n, err := io.ReadFull(v.cfg.ChainedTables, table)
	if err == io.ErrUnexpectedEOF {
		table = table[:n] // final short table
	} else if err != nil {
		return fmt.Errorf("%w: chained tables exhausted: %v", ErrVipState, err)
	}
	s.logger.Debug("vip: sending chained table", "len", len(table))
	if err := s.tr.Write(table); err != nil {
		return err
	}
	return v.expectAck(ctx, s, "chained table")
}

func (v *vipSender) expectAck(ctx context.Context, s *Session, what string) error {
	resp, err := s.ReadResponse(ctx)
	if err != nil {
		return fmt.Errorf("firehose: %s response: %w", what, err)
	}
	if !IsAck(resp) {
		val, _ := ResponseValue(resp)
		return fmt.Errorf("%w: %s rejected with %q", ErrTargetNak, what, val)
	}
	return nil
}
