package bsl

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Reset reboots the device and returns the session to its initial state.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.command(ctx, CmdReset, nil, responseTimeout); err != nil {
		return fmt.Errorf("bsl: reset: %w", err)
	}
	s.Disconnect()
	return nil
}

// PowerOff shuts the device down and returns the session to its initial
// state.
func (s *Session) PowerOff(ctx context.Context) error {
	if err := s.command(ctx, CmdPowerOff, nil, responseTimeout); err != nil {
		return fmt.Errorf("bsl: power off: %w", err)
	}
	s.Disconnect()
	return nil
}

// KeepCharge keeps the charger path active while the agent runs, so long
// flashes on a weak battery survive.
func (s *Session) KeepCharge(ctx context.Context) error {
	if err := s.command(ctx, CmdKeepCharge, nil, responseTimeout); err != nil {
		return fmt.Errorf("bsl: keep charge: %w", err)
	}
	return nil
}

// ReadVersion queries the running agent's version banner.
func (s *Session) ReadVersion(ctx context.Context) (string, error) {
	resp, err := s.exchange(ctx, CmdReadVersion, nil, responseTimeout)
	if err != nil {
		return "", fmt.Errorf("bsl: read version: %w", err)
	}
	if resp.Type != RespVer && resp.Type != RespAck {
		return "", &UnexpectedResponseError{Code: resp.Type}
	}
	s.version = asciiz(resp.Payload)
	return s.version, nil
}

// EndProcess tells the agent to finish up; the device usually drops the
// link afterwards.
func (s *Session) EndProcess(ctx context.Context) error {
	if err := s.command(ctx, CmdEndProcess, nil, responseTimeout); err != nil {
		return fmt.Errorf("bsl: end process: %w", err)
	}
	s.Disconnect()
	return nil
}

// ReadChipType returns the raw chip-type payload.
func (s *Session) ReadChipType(ctx context.Context) ([]byte, error) {
	resp, err := s.exchange(ctx, CmdReadChipType, nil, responseTimeout)
	if err != nil {
		return nil, fmt.Errorf("bsl: read chip type: %w", err)
	}
	if resp.Type != RespAck && resp.Type != RespFlashInfo {
		return nil, &UnexpectedResponseError{Code: resp.Type}
	}
	return resp.Payload, nil
}

// ReadFlashInfo returns the raw flash-geometry payload.
func (s *Session) ReadFlashInfo(ctx context.Context) ([]byte, error) {
	resp, err := s.exchange(ctx, CmdReadFlashInfo, nil, responseTimeout)
	if err != nil {
		return nil, fmt.Errorf("bsl: read flash info: %w", err)
	}
	if resp.Type != RespFlashInfo {
		return nil, &UnexpectedResponseError{Code: resp.Type}
	}
	return resp.Payload, nil
}

// ChangeBaud asks the agent to move to a new line rate and follows it on
// the local side when the transport allows.
func (s *Session) ChangeBaud(ctx context.Context, baud int) error {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], uint32(baud))
	if err := s.command(ctx, CmdChangeBaud, payload[:], responseTimeout); err != nil {
		return fmt.Errorf("bsl: change baud: %w", err)
	}
	s.setBaud(baud)
	return nil
}

// ReadPubkey returns the device public-key blob.
func (s *Session) ReadPubkey(ctx context.Context) ([]byte, error) {
	resp, err := s.exchange(ctx, CmdReadPubkey, nil, responseTimeout)
	if err != nil {
		return nil, fmt.Errorf("bsl: read pubkey: %w", err)
	}
	if resp.Type != RespAck {
		return nil, &UnexpectedResponseError{Code: resp.Type}
	}
	return resp.Payload, nil
}

// SendSignature forwards an opaque signature blob to the agent.
func (s *Session) SendSignature(ctx context.Context, blob []byte) error {
	if err := s.command(ctx, CmdSendSignature, blob, responseTimeout); err != nil {
		return fmt.Errorf("bsl: send signature: %w", err)
	}
	return nil
}

// ReadEfuse returns the raw efuse block at the given index.
func (s *Session) ReadEfuse(ctx context.Context, block uint32) ([]byte, error) {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], block)
	resp, err := s.exchange(ctx, CmdReadEfuse, payload[:], responseTimeout)
	if err != nil {
		return nil, fmt.Errorf("bsl: read efuse: %w", err)
	}
	if resp.Type != RespAck {
		return nil, &UnexpectedResponseError{Code: resp.Type}
	}
	return resp.Payload, nil
}
