package logging

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Record is one decoded log file record.
type Record struct {
	Time    time.Time
	Domain  Domain
	Level   Level
	Message string
}

// DecodeBinaryLog decodes records written with the binary file encoding.
func DecodeBinaryLog(data []byte) ([]Record, error) {
	var records []Record
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		magic, err := r.ReadByte()
		if err != nil {
			return records, err
		}
		if magic != binaryRecordMagic {
			return records, fmt.Errorf("bad record magic 0x%02x at offset %d",
				magic, len(data)-r.Len()-1)
		}
		micros, err := binary.ReadVarint(r)
		if err != nil {
			return records, fmt.Errorf("failed to read timestamp: %w", err)
		}
		dom, err := r.ReadByte()
		if err != nil {
			return records, fmt.Errorf("failed to read domain: %w", err)
		}
		lvl, err := r.ReadByte()
		if err != nil {
			return records, fmt.Errorf("failed to read level: %w", err)
		}
		msgLen, err := binary.ReadUvarint(r)
		if err != nil {
			return records, fmt.Errorf("failed to read message length: %w", err)
		}
		if msgLen > uint64(r.Len()) {
			return records, fmt.Errorf("message length %d exceeds remaining %d bytes at offset %d",
				msgLen, r.Len(), len(data)-r.Len())
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return records, fmt.Errorf("failed to read message: %w", err)
		}
		records = append(records, Record{
			Time:    time.UnixMicro(micros).UTC(),
			Domain:  domainFromCode(dom),
			Level:   Level(lvl),
			Message: string(msg),
		})
	}
	return records, nil
}

func domainFromCode(c byte) Domain {
	switch c {
	case 1:
		return DomainDatabase
	case 2:
		return DomainQuery
	case 3:
		return DomainReplicator
	case 4:
		return DomainNetwork
	default:
		return Domain("?")
	}
}
