package gauge

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Persisted battery state record, 20 bytes little-endian:
//
//	Magic:              4
//	Version:            2
//	Reserved:           2
//	Capacity (mAh):     4
//	Remaining (mAh*100) 4
//	CRC-32:             4
//
// The CRC covers the first 16 bytes. A record is only trusted if the magic,
// version, capacity and CRC all match; anything else is treated as no record.
const (
	recordMagic   uint32 = 0x42415431
	recordVersion uint16 = 1
	recordLength         = 20
)

func encodeStateRecord(capacityMAh, remainingMAh float64) []byte {
	if remainingMAh < 0 {
		remainingMAh = 0
	}
	if remainingMAh > capacityMAh {
		remainingMAh = capacityMAh
	}

	data := make([]byte, recordLength)
	binary.LittleEndian.PutUint32(data[0:4], recordMagic)
	binary.LittleEndian.PutUint16(data[4:6], recordVersion)
	// data[6:8] reserved, left zero.
	binary.LittleEndian.PutUint32(data[8:12], uint32(capacityMAh+0.5))
	binary.LittleEndian.PutUint32(data[12:16], uint32(remainingMAh*100+0.5))
	binary.LittleEndian.PutUint32(data[16:20], crc32.ChecksumIEEE(data[:16]))
	return data
}

func decodeStateRecord(data []byte, capacityMAh float64) (float64, error) {
	if len(data) != recordLength {
		return 0, fmt.Errorf("state record is %d bytes, expected %d", len(data), recordLength)
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != recordMagic {
		return 0, fmt.Errorf("invalid magic %#08X", magic)
	}
	if version := binary.LittleEndian.Uint16(data[4:6]); version != recordVersion {
		return 0, fmt.Errorf("unsupported version %d", version)
	}
	expectedCapacity := uint32(capacityMAh + 0.5)
	if capacity := binary.LittleEndian.Uint32(data[8:12]); capacity != expectedCapacity {
		return 0, fmt.Errorf("capacity mismatch (stored %d mAh, configured %d mAh)", capacity, expectedCapacity)
	}
	if crc := binary.LittleEndian.Uint32(data[16:20]); crc != crc32.ChecksumIEEE(data[:16]) {
		return 0, fmt.Errorf("CRC mismatch (stored %#08X)", crc)
	}
	return float64(binary.LittleEndian.Uint32(data[12:16])) / 100.0, nil
}
