// ============================================================================
// Market-Sizer WAL - Store Mutation Journal
// ============================================================================
//
// Package: internal/storage/wal
// File: wal.go
// Purpose: Append-only JSON-lines journal of store mutations
//
// Lifecycle with the snapshot:
//
//   mutation ──► Append (seq N) ──► apply in memory
//                                        │
//   snapshot tick ──► write snapshot {wal_seq: N} ──► Truncate
//
//   restart ──► load snapshot ──► Resume(wal_seq) ──► Replay(after wal_seq)
//
// Every Append reaches the file before it returns; fsync per append is
// optional (SyncOnAppend) and always done by Sync, Truncate and Close.
//
// A line without its trailing newline is a torn write from a crash and is
// cut off on Open. Any other unreadable line is corruption and fails Open.
//
// ============================================================================

package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

var log = slog.Default()

// WAL is an open journal file.
type WAL struct {
	mu           sync.Mutex
	file         *os.File
	path         string
	seq          uint64
	size         int64
	syncOnAppend bool
	closed       bool
	now          func() time.Time
}

// Open creates or opens the journal at path and positions the sequence
// after its last event.
func Open(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}

	w := &WAL{file: file, path: path, syncOnAppend: syncOnAppend, now: time.Now}

	end, torn, err := scan(file, func(ev Event) error {
		w.seq = ev.Seq
		return nil
	})
	if err != nil {
		file.Close()
		return nil, err
	}
	if torn {
		log.Warn("wal tail torn, truncating", "path", path, "offset", end)
		if err := file.Truncate(end); err != nil {
			file.Close()
			return nil, fmt.Errorf("truncate torn wal tail: %w", err)
		}
	}
	w.size = end
	return w, nil
}

// Resume moves the sequence forward to at least seq. The store calls it
// with the sequence its snapshot covers, so numbering never restarts
// after a truncation.
func (w *WAL) Resume(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Append journals one mutation and returns its sequence number.
func (w *WAL) Append(eventType EventType, payload any) (uint64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}

	seq := w.seq + 1
	event := Event{
		Seq:       seq,
		Type:      eventType,
		Timestamp: w.now().UnixMilli(),
		Payload:   body,
		Checksum:  CalculateChecksum(seq, eventType, body),
	}
	line, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	n, err := w.file.Write(line)
	w.size += int64(n)
	if err != nil {
		return 0, fmt.Errorf("append seq=%d: %w", seq, err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("sync seq=%d: %w", seq, err)
		}
	}
	w.seq = seq
	return seq, nil
}

// Replay calls handler for every event with a sequence greater than
// after, in file order, and returns how many it applied.
func (w *WAL) Replay(after uint64, handler EventHandler) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	applied := 0
	_, _, err = scan(file, func(ev Event) error {
		if ev.Seq <= after {
			return nil
		}
		if err := handler(ev); err != nil {
			return fmt.Errorf("apply seq=%d (%s): %w", ev.Seq, ev.Type, err)
		}
		applied++
		return nil
	})
	return applied, err
}

// Truncate empties the journal once a snapshot covers it. The sequence
// keeps counting.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	w.size = 0
	return w.file.Sync()
}

// Sync flushes the journal to disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.file.Sync()
}

// Close syncs and closes the file. Closing twice is a no-op.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// LastSeq returns the sequence of the newest journaled event.
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Size returns the journal length in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Path returns the journal path.
func (w *WAL) Path() string {
	return w.path
}

// scan reads events from the start of f. It returns the offset just past
// the last complete line and whether a torn line followed it.
func scan(f *os.File, fn func(Event) error) (end int64, torn bool, err error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, false, err
	}
	r := bufio.NewReader(f)

	for {
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return end, false, readErr
		}
		if errors.Is(readErr, io.EOF) {
			return end, len(line) > 0, nil
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return end, false, &CorruptionError{Offset: end, Cause: err}
		}
		if !VerifyChecksum(ev) {
			return end, false, &ChecksumError{
				Seq:      ev.Seq,
				Expected: CalculateChecksum(ev.Seq, ev.Type, ev.Payload),
				Actual:   ev.Checksum,
			}
		}
		if err := fn(ev); err != nil {
			return end, false, err
		}
		end += int64(len(line))
	}
}
