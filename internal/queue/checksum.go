package queue

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum computes the CRC32-IEEE of a record's sequence number,
// queue name and payload. The timestamp and checksum fields are excluded.
func CalculateChecksum(record Record) uint32 {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], record.Seq)

	h := crc32.NewIEEE()
	h.Write(seq[:])
	h.Write([]byte(record.Queue))
	h.Write([]byte{0})
	h.Write(record.Payload)
	return h.Sum32()
}

// VerifyChecksum reports whether the stored checksum matches the record.
func VerifyChecksum(record Record) bool {
	return CalculateChecksum(record) == record.Checksum
}
