package firehose

import (
	"context"
	"encoding/xml"
	"fmt"
)

// xmlHeader opens every command document.
const xmlHeader = `<?xml version="1.0" encoding="UTF-8" ?>`

// Configure negotiates transfer parameters with the target programmer.
type Configure struct {
	XMLName                       xml.Name `xml:"configure"`
	MemoryName                    string   `xml:"MemoryName,attr"`
	Verbose                       int      `xml:"Verbose,attr"`
	AlwaysValidate                int      `xml:"AlwaysValidate,attr"`
	MaxPayloadSizeToTargetInBytes int      `xml:"MaxPayloadSizeToTargetInBytes,attr"`
	ZlpAwareHost                  int      `xml:"ZlpAwareHost,attr"`
	SkipStorageInit               int      `xml:"SkipStorageInit,attr"`
}

// Program announces a raw-mode write of the given sector range.
type Program struct {
	XMLName                 xml.Name `xml:"program"`
	SectorSizeInBytes       int      `xml:"SECTOR_SIZE_IN_BYTES,attr"`
	NumPartitionSectors     uint64   `xml:"num_partition_sectors,attr"`
	PhysicalPartitionNumber int      `xml:"physical_partition_number,attr"`
	StartSector             string   `xml:"start_sector,attr"`
	Filename                string   `xml:"filename,attr,omitempty"`
}

// Read requests a raw-mode read of the given sector range.
type Read struct {
	XMLName                 xml.Name `xml:"read"`
	SectorSizeInBytes       int      `xml:"SECTOR_SIZE_IN_BYTES,attr"`
	NumPartitionSectors     uint64   `xml:"num_partition_sectors,attr"`
	PhysicalPartitionNumber int      `xml:"physical_partition_number,attr"`
	StartSector             string   `xml:"start_sector,attr"`
}

// Erase wipes the given sector range.
type Erase struct {
	XMLName                 xml.Name `xml:"erase"`
	SectorSizeInBytes       int      `xml:"SECTOR_SIZE_IN_BYTES,attr"`
	NumPartitionSectors     uint64   `xml:"num_partition_sectors,attr"`
	PhysicalPartitionNumber int      `xml:"physical_partition_number,attr"`
	StartSector             string   `xml:"start_sector,attr"`
}

// Power requests a power-state change; Value is "reset" or "off".
type Power struct {
	XMLName xml.Name `xml:"power"`
	Value   string   `xml:"value,attr"`
}

// NOP is the keep-alive / probe command.
type NOP struct {
	XMLName xml.Name `xml:"nop"`
}

// BuildCommand wraps one command element into a complete document.
func BuildCommand(v any) ([]byte, error) {
	body, err := xml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("firehose: marshal command: %w", err)
	}
	return []byte(xmlHeader + "<data>" + string(body) + "</data>"), nil
}

// Do marshals and transmits one command, returning the raw response record.
func (s *Session) Do(ctx context.Context, v any) ([]byte, error) {
	req, err := BuildCommand(v)
	if err != nil {
		return nil, err
	}
	return s.Command(ctx, req)
}

// DoAck is Do with an ACK-or-error contract.
func (s *Session) DoAck(ctx context.Context, v any) error {
	resp, err := s.Do(ctx, v)
	if err != nil {
		return err
	}
	if !IsAck(resp) {
		val, _ := ResponseValue(resp)
		return fmt.Errorf("%w: %q", ErrTargetNak, val)
	}
	return nil
}
