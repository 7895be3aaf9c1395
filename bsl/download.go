package bsl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/xx25/go-edl/hdlc"
	"github.com/xx25/go-edl/transport"
)

// chunkAttempts bounds per-chunk MIDST_DATA sends during FDL download.
const chunkAttempts = 3

// LoadFDL1 downloads and executes the first download agent. The device must
// be freshly connected in BROM mode. On success the framer has switched to
// FDL-phase settings and the peer answered a CHECK_BAUD probe.
func (s *Session) LoadFDL1(ctx context.Context, image []byte, addr uint32) error {
	if s.state != StateConnected || s.mode != ModeBROM {
		return s.fail(fmt.Errorf("%w: load fdl1 from %s/%d", ErrIncompatibleState, s.state, s.mode))
	}
	s.setBROMFraming()

	// CONNECT may be answered by ACK or by a repeated version banner.
	resp, err := s.exchange(ctx, CmdConnect, nil, responseTimeout)
	if err != nil {
		return s.fail(err)
	}
	if resp.Type != RespAck && resp.Type != RespVer {
		return s.fail(&UnexpectedResponseError{Code: resp.Type})
	}

	if err := s.sendBlock(ctx, addr, image); err != nil {
		return s.fail(err)
	}

	if len(s.cfg.Bypass) > 0 {
		if err := s.sendBlock(ctx, s.cfg.BypassAddr, s.cfg.Bypass); err != nil {
			return s.fail(err)
		}
	}

	// EXEC_DATA hands control to the agent. A BROM device may reset its
	// USB endpoint right here, so a missing or garbled response is
	// tolerated and the port reopened.
	if err := s.fr.WriteFrame(CmdExecData, nil); err != nil {
		if rerr := s.reopenTransport(ctx); rerr != nil {
			return s.fail(fmt.Errorf("exec: %w (reopen: %v)", err, rerr))
		}
	} else if _, err := s.readFrame(ctx, handshakeTimeout); err != nil {
		s.logger.Debug("no exec response, assuming endpoint reset", "err", err)
		if rerr := s.reopenTransport(ctx); rerr != nil {
			return s.fail(fmt.Errorf("exec reopen: %w", rerr))
		}
	}

	s.setFDLFraming()
	if err := s.probeFDL(ctx); err != nil {
		return s.fail(err)
	}
	s.state = StateFdl1Loaded
	return nil
}

// probeFDL sends CHECK_BAUD flags until the freshly-executed agent answers.
// The first probe routinely fails while the agent boots; retries may also
// swing the line rate and the checksum algorithm.
func (s *Session) probeFDL(ctx context.Context) error {
	round := 0
	op := func() error {
		round++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if err := s.fr.WriteRaw([]byte{hdlc.Flag}); err != nil {
			return err
		}
		resp, err := s.readFrame(ctx, handshakeTimeout)
		if err != nil {
			// Vary line rate and checksum algorithm across rounds; the
			// agent's framing is not always what the chunk tables promise.
			switch round % 3 {
			case 1:
				s.setBaud(altBaud)
			case 2:
				s.setBaud(transport.DefaultBaud)
			default:
				if s.fr.Mode() == hdlc.ChecksumAdditive {
					s.fr.SetMode(hdlc.ChecksumCRC16)
				} else {
					s.fr.SetMode(hdlc.ChecksumAdditive)
				}
			}
			return err
		}
		switch resp.Type {
		case RespVer:
			s.version = asciiz(resp.Payload)
			return nil
		case RespAck:
			return nil
		default:
			return &UnexpectedResponseError{Code: resp.Type}
		}
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, reopenRounds), ctx)); err != nil {
		return fmt.Errorf("bsl: check-baud probing failed after %d rounds: %w", round, err)
	}
	return nil
}

// LoadFDL2 downloads and executes the second download agent on top of FDL1.
// EXEC_DATA may be answered by INCOMPATIBLE_PARTITION, which only means the
// partition table is empty and counts as success. Transcoding is disabled
// afterwards for bulk throughput.
func (s *Session) LoadFDL2(ctx context.Context, image []byte, addr uint32) error {
	if s.state != StateFdl1Loaded {
		return s.fail(fmt.Errorf("%w: load fdl2 from %s", ErrIncompatibleState, s.state))
	}

	resp, err := s.exchange(ctx, CmdConnect, nil, responseTimeout)
	if err != nil {
		return s.fail(err)
	}
	if resp.Type != RespAck && resp.Type != RespVer {
		return s.fail(&UnexpectedResponseError{Code: resp.Type})
	}

	if err := s.sendBlock(ctx, addr, image); err != nil {
		return s.fail(err)
	}

	resp, err = s.exchange(ctx, CmdExecData, nil, responseTimeout)
	if err != nil {
		return s.fail(err)
	}
	if resp.Type != RespAck && resp.Type != RespIncompatiblePartition {
		return s.fail(&UnexpectedResponseError{Code: resp.Type})
	}

	resp, err = s.exchange(ctx, CmdDisableTranscode, nil, responseTimeout)
	if err != nil {
		return s.fail(err)
	}
	if resp.Type != RespAck && resp.Type != RespUnsupportedCommand {
		return s.fail(&UnexpectedResponseError{Code: resp.Type})
	}
	s.fr.Transcode = false

	s.state = StateFdl2Loaded
	return nil
}

// LoadFDLsFor runs both downloads with addresses from the chip-metadata
// provider.
func (s *Session) LoadFDLsFor(ctx context.Context, hwCode uint16, fdl1, fdl2 []byte) error {
	if s.cfg.Meta == nil {
		return errors.New("bsl: no metadata provider configured")
	}
	meta, err := s.cfg.Meta.Lookup(hwCode)
	if err != nil {
		return fmt.Errorf("bsl: chip metadata: %w", err)
	}
	if len(s.cfg.Bypass) > 0 && s.cfg.BypassAddr == 0 {
		s.cfg.BypassAddr = meta.BypassAddr
	}
	if err := s.LoadFDL1(ctx, fdl1, meta.FDL1Addr); err != nil {
		return err
	}
	return s.LoadFDL2(ctx, fdl2, meta.FDL2Addr)
}

// sendBlock streams one memory image: START_DATA with the big-endian base
// address and total size, acknowledged MIDST_DATA chunks, END_DATA.
func (s *Session) sendBlock(ctx context.Context, addr uint32, data []byte) error {
	start := make([]byte, 8)
	binary.BigEndian.PutUint32(start[0:4], addr)
	binary.BigEndian.PutUint32(start[4:8], uint32(len(data)))

	// One retry permitted if START_DATA goes unanswered.
	err := s.command(ctx, CmdStartData, start, responseTimeout)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = s.command(ctx, CmdStartData, start, responseTimeout)
	}
	if err != nil {
		return fmt.Errorf("bsl: start-data: %w", err)
	}

	for off := 0; off < len(data); {
		end := off + s.chunk
		if end > len(data) {
			end = len(data)
		}
		if err := s.sendChunk(ctx, data[off:end]); err != nil {
			return err
		}
		off = end
	}

	if err := s.command(ctx, CmdEndData, nil, responseTimeout); err != nil {
		return fmt.Errorf("bsl: end-data: %w", err)
	}
	return nil
}

func (s *Session) sendChunk(ctx context.Context, chunk []byte) error {
	var err error
	for attempt := 1; attempt <= chunkAttempts; attempt++ {
		if err = s.command(ctx, CmdMidstData, chunk, responseTimeout); err == nil {
			return nil
		}
		var ur *UnexpectedResponseError
		if errors.As(err, &ur) {
			// A definite error response will not improve on resend.
			return fmt.Errorf("bsl: midst-data: %w", err)
		}
		s.logger.Debug("chunk resend", "attempt", attempt, "err", err)
	}
	return fmt.Errorf("bsl: midst-data after %d attempts: %w", chunkAttempts, err)
}
