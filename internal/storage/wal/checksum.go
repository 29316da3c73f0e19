package wal

// ============================================================================
// Checksum
// Responsibility: compute and verify the CRC32 of journal events
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum covers everything replay depends on. The timestamp is
// informational and left out.
func CalculateChecksum(seq uint64, eventType EventType, payload []byte) uint32 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)

	h := crc32.NewIEEE()
	h.Write(buf[:])
	h.Write([]byte(eventType))
	h.Write(payload)
	return h.Sum32()
}

// VerifyChecksum reports whether the stored checksum matches the event.
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event.Seq, event.Type, event.Payload)
}
