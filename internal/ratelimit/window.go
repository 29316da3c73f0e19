package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is a rolling cap: at most Limit grants inside any trailing
// interval of length Size.
type Window interface {
	// Wait returns how long after now the next grant fits.
	Wait(ctx context.Context, now time.Time) (time.Duration, error)
	// Record registers a grant made at now.
	Record(ctx context.Context, now time.Time) error
	// Count returns the number of grants inside the window ending at now.
	Count(ctx context.Context, now time.Time) (int, error)
	Limit() int
	Size() time.Duration
}

// MemoryWindow is a sliding log of grant times kept in process memory.
type MemoryWindow struct {
	mu     sync.Mutex
	size   time.Duration
	limit  int
	stamps []time.Time // ascending
	head   int         // first live entry
}

// NewMemoryWindow returns an in-process window.
func NewMemoryWindow(limit int, size time.Duration) *MemoryWindow {
	return &MemoryWindow{size: size, limit: limit}
}

func (w *MemoryWindow) Limit() int          { return w.limit }
func (w *MemoryWindow) Size() time.Duration { return w.size }

// prune drops grants that left the window (now-size, now]. Caller holds mu.
func (w *MemoryWindow) prune(now time.Time) {
	cutoff := now.Add(-w.size)
	for w.head < len(w.stamps) && !w.stamps[w.head].After(cutoff) {
		w.head++
	}
	if w.head > 1024 && w.head*2 > len(w.stamps) {
		live := copy(w.stamps, w.stamps[w.head:])
		w.stamps = w.stamps[:live]
		w.head = 0
	}
}

func (w *MemoryWindow) Wait(_ context.Context, now time.Time) (time.Duration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)
	live := len(w.stamps) - w.head
	if live < w.limit {
		return 0, nil
	}
	// the grant that must expire before one more fits
	oldest := w.stamps[w.head+live-w.limit]
	return oldest.Add(w.size).Sub(now), nil
}

func (w *MemoryWindow) Record(_ context.Context, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamps = append(w.stamps, now)
	return nil
}

func (w *MemoryWindow) Count(_ context.Context, now time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.stamps) - w.head, nil
}
