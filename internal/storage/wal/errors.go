package wal

// ============================================================================
// WAL Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedWAL reports a line that cannot be parsed before the tail.
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch reports an event whose checksum does not match.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrClosed is returned by operations on a closed WAL.
	ErrClosed = errors.New("wal: already closed")
)

// ChecksumError carries the failing event's position.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// CorruptionError reports where parsing stopped.
type CorruptionError struct {
	Offset int64 // byte offset of the bad line
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted event at offset %d: %v", e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedWAL
}
