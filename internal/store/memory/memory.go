// ============================================================================
// Market-Sizer Memory Store
// ============================================================================
//
// Package: internal/store/memory
// File: memory.go
// Purpose: In-process Store, optionally persisted as snapshot + journal
//
// Persistence:
//   Open loads the snapshot (missing file = empty store), replays the
//   journal events the snapshot does not cover, and starts a flush loop.
//   Every mutation is journaled before it is applied. The flush loop
//   rewrites the snapshot every interval when something changed and then
//   truncates the journal. Close writes a final snapshot.
//
//   ┌────────┐ mutation ┌───────────┐ append  ┌───────────────┐
//   │ runner │ ───────► │   Store   │ ──────► │ <path>.wal    │
//   └────────┘          └─────┬─────┘         └───────▲───────┘
//                             │ every interval        │ truncate
//                             ▼ if dirty              │
//                       ┌───────────┐  wal_seq  ──────┘
//                       │  <path>   │  (temp + rename)
//                       └───────────┘
//
// Everything returned to callers is a copy.
//
// ============================================================================

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/market-sizer/internal/aggregator"
	"github.com/ChuLiYu/market-sizer/internal/snapshot"
	"github.com/ChuLiYu/market-sizer/internal/storage/wal"
	"github.com/ChuLiYu/market-sizer/internal/store"
	"github.com/ChuLiYu/market-sizer/pkg/types"
)

var log = slog.Default()

type segRef struct {
	job   types.JobID
	index int
}

// Store is a Store held in memory.
type Store struct {
	mu       sync.RWMutex
	jobs     map[types.JobID]*types.Job
	segments map[types.JobID][]types.Segment
	segIndex map[types.SegmentID]segRef
	results  map[types.JobID][]types.ResultRecord
	nextID   int64
	dirty    bool

	snap       *snapshot.Manager
	journal    *wal.WAL
	syncWrites bool
	interval   time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	once       sync.Once
	now        func() time.Time
}

var _ store.Store = (*Store)(nil)

// Option configures a persistent store.
type Option func(*Store)

// WithSyncWrites fsyncs the journal on every mutation.
func WithSyncWrites(enabled bool) Option {
	return func(s *Store) { s.syncWrites = enabled }
}

// New returns an empty, non-persistent store.
func New() *Store {
	return &Store{
		jobs:     make(map[types.JobID]*types.Job),
		segments: make(map[types.JobID][]types.Segment),
		segIndex: make(map[types.SegmentID]segRef),
		results:  make(map[types.JobID][]types.ResultRecord),
		now:      time.Now,
	}
}

// JournalPath returns the journal that accompanies the snapshot at path.
func JournalPath(path string) string {
	return path + ".wal"
}

// Open returns a store backed by the snapshot at path and its journal.
// The snapshot is rewritten every interval while the store is dirty, and
// on Close.
func Open(path string, interval time.Duration, opts ...Option) (*Store, error) {
	s := New()
	for _, opt := range opts {
		opt(s)
	}
	s.snap = snapshot.NewManager(path)

	data, err := s.snap.Load()
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", path, err)
	}
	s.restore(data)

	journal, err := wal.Open(JournalPath(path), s.syncWrites)
	if err != nil {
		return nil, err
	}
	journal.Resume(data.WALSeq)

	replayed, err := journal.Replay(data.WALSeq, s.apply)
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("replay %s: %w", journal.Path(), err)
	}
	s.journal = journal
	s.dirty = replayed > 0

	if interval <= 0 {
		interval = time.Second
	}
	s.interval = interval
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.flushLoop()

	log.Info("memory store opened", "path", path, "jobs", len(s.jobs), "next_id", s.nextID, "replayed", replayed)
	return s, nil
}

func (s *Store) restore(data types.SnapshotData) {
	for id, job := range data.Jobs {
		cp := *job
		s.jobs[id] = &cp
	}
	for id, segs := range data.Segments {
		s.segments[id] = append([]types.Segment(nil), segs...)
		for i, seg := range segs {
			s.segIndex[seg.ID] = segRef{job: id, index: i}
		}
	}
	for id, recs := range data.Results {
		s.results[id] = append([]types.ResultRecord(nil), recs...)
	}
	s.nextID = data.NextID
}

// apply replays one journal event.
func (s *Store) apply(ev wal.Event) error {
	switch ev.Type {
	case wal.EventJobCreated, wal.EventJobUpdated:
		var job types.Job
		if err := ev.Decode(&job); err != nil {
			return err
		}
		s.putJob(&job)
	case wal.EventSegmentsAppended:
		var segs []types.Segment
		if err := ev.Decode(&segs); err != nil {
			return err
		}
		for _, seg := range segs {
			if _, exists := s.segIndex[seg.ID]; !exists {
				s.addSegment(seg)
			}
		}
	case wal.EventSegmentUpdated:
		var seg types.Segment
		if err := ev.Decode(&seg); err != nil {
			return err
		}
		ref, exists := s.segIndex[seg.ID]
		if !exists {
			return fmt.Errorf("segment %s: %w", seg.ID, store.ErrNotFound)
		}
		s.segments[ref.job][ref.index] = seg
	case wal.EventResultsAppended:
		var recs []types.ResultRecord
		if err := ev.Decode(&recs); err != nil {
			return err
		}
		for _, rec := range recs {
			if rec.ID > s.nextID {
				s.addResult(rec)
			}
		}
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	return nil
}

// record journals a mutation; callers hold mu and apply it only on success.
func (s *Store) record(eventType wal.EventType, payload any) error {
	if s.journal == nil {
		return nil
	}
	if _, err := s.journal.Append(eventType, payload); err != nil {
		return fmt.Errorf("journal %s: %w", eventType, err)
	}
	return nil
}

func (s *Store) putJob(job *types.Job) {
	cp := *job
	s.jobs[job.ID] = &cp
	s.dirty = true
}

func (s *Store) addSegment(seg types.Segment) {
	s.segIndex[seg.ID] = segRef{job: seg.JobID, index: len(s.segments[seg.JobID])}
	s.segments[seg.JobID] = append(s.segments[seg.JobID], seg)
	s.dirty = true
}

func (s *Store) addResult(rec types.ResultRecord) {
	s.results[rec.JobID] = append(s.results[rec.JobID], rec)
	s.nextID = rec.ID
	s.dirty = true
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				log.Error("snapshot flush failed", "path", s.snap.Path(), "error", err)
			}
		case <-s.stopCh:
			return
		}
	}
}

// Flush writes the snapshot if the store changed since the last write,
// then truncates the journal it covers. It is a no-op for a
// non-persistent store.
func (s *Store) Flush() error {
	if s.snap == nil {
		return nil
	}

	// Writers wait for the snapshot so nothing is journaled between the
	// image and the truncation.
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	data := s.image()
	data.WALSeq = s.journal.LastSeq()
	if err := s.snap.Write(data); err != nil {
		return err
	}
	s.dirty = false

	if err := s.journal.Truncate(); err != nil {
		return fmt.Errorf("truncate journal after snapshot: %w", err)
	}
	return nil
}

// image copies the state; callers hold mu.
func (s *Store) image() types.SnapshotData {
	data := types.SnapshotData{
		Jobs:     make(map[types.JobID]*types.Job, len(s.jobs)),
		Segments: make(map[types.JobID][]types.Segment, len(s.segments)),
		Results:  make(map[types.JobID][]types.ResultRecord, len(s.results)),
		NextID:   s.nextID,
	}
	for id, job := range s.jobs {
		cp := *job
		data.Jobs[id] = &cp
	}
	for id, segs := range s.segments {
		data.Segments[id] = append([]types.Segment(nil), segs...)
	}
	for id, recs := range s.results {
		data.Results[id] = append([]types.ResultRecord(nil), recs...)
	}
	return data
}

// Close stops the flush loop, writes a final snapshot and closes the
// journal.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		if s.snap == nil {
			return
		}
		close(s.stopCh)
		<-s.doneCh
		err = s.Flush()
		if cerr := s.journal.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

// ============================================================================
// Jobs
// ============================================================================

func (s *Store) CreateJob(_ context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, store.ErrDuplicate)
	}
	if err := s.record(wal.EventJobCreated, job); err != nil {
		return err
	}
	s.putJob(job)
	return nil
}

func (s *Store) UpdateJob(_ context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; !exists {
		return fmt.Errorf("job %s: %w", job.ID, store.ErrNotFound)
	}
	if err := s.record(wal.EventJobUpdated, job); err != nil {
		return err
	}
	s.putJob(job)
	return nil
}

func (s *Store) GetJob(_ context.Context, id types.JobID) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	cp := *job
	return &cp, nil
}

func (s *Store) ListJobs(_ context.Context) ([]types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) FindJobByFingerprint(_ context.Context, fingerprint string) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *types.Job
	for _, job := range s.jobs {
		if job.Fingerprint != fingerprint || job.Status != types.JobCompleted {
			continue
		}
		if best == nil || job.CreatedAt.After(best.CreatedAt) {
			best = job
		}
	}
	if best == nil {
		return nil, fmt.Errorf("fingerprint %s: %w", fingerprint, store.ErrNotFound)
	}
	cp := *best
	return &cp, nil
}

// ============================================================================
// Segments
// ============================================================================

func (s *Store) AppendSegments(_ context.Context, segments []types.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, seg := range segments {
		if _, exists := s.segIndex[seg.ID]; exists {
			return fmt.Errorf("segment %s: %w", seg.ID, store.ErrDuplicate)
		}
	}
	now := s.now()
	stamped := make([]types.Segment, len(segments))
	for i, seg := range segments {
		if seg.CreatedAt.IsZero() {
			seg.CreatedAt = now
		}
		if seg.UpdatedAt.IsZero() {
			seg.UpdatedAt = seg.CreatedAt
		}
		stamped[i] = seg
	}
	if err := s.record(wal.EventSegmentsAppended, stamped); err != nil {
		return err
	}
	for _, seg := range stamped {
		s.addSegment(seg)
	}
	return nil
}

func (s *Store) UpdateSegment(_ context.Context, seg types.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, exists := s.segIndex[seg.ID]
	if !exists {
		return fmt.Errorf("segment %s: %w", seg.ID, store.ErrNotFound)
	}
	current := &s.segments[ref.job][ref.index]
	if current.Status.Terminal() {
		return fmt.Errorf("segment %s (%s): %w", seg.ID, current.Status, store.ErrSegmentClosed)
	}

	seg.JobID = current.JobID
	seg.CreatedAt = current.CreatedAt
	seg.UpdatedAt = s.now()
	if err := s.record(wal.EventSegmentUpdated, seg); err != nil {
		return err
	}
	*current = seg
	s.dirty = true
	return nil
}

func (s *Store) ListSegments(_ context.Context, jobID types.JobID) ([]types.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Segment{}, s.segments[jobID]...), nil
}

// ============================================================================
// Results
// ============================================================================

func (s *Store) AppendResult(_ context.Context, records ...types.ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(records) == 0 {
		return nil
	}
	now := s.now()
	stamped := make([]types.ResultRecord, len(records))
	for i, rec := range records {
		rec.ID = s.nextID + int64(i) + 1
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		stamped[i] = rec
	}
	if err := s.record(wal.EventResultsAppended, stamped); err != nil {
		return err
	}
	for _, rec := range stamped {
		s.addResult(rec)
	}
	return nil
}

func (s *Store) ReadProgress(_ context.Context, jobID types.JobID) (types.ProgressSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return types.ProgressSnapshot{}, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	snap := types.ProgressOf(job)
	snap.Aggregates = aggregator.Summarize(s.results[jobID])
	return snap, nil
}

func (s *Store) ReadResults(_ context.Context, jobID types.JobID, page, perPage int) (types.ResultPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.jobs[jobID]; !exists {
		return types.ResultPage{}, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	page, perPage = store.NormalizePage(page, perPage)
	all := s.results[jobID]

	out := types.ResultPage{JobID: jobID, Page: page, PerPage: perPage, Total: int64(len(all)), Records: []types.ResultRecord{}}
	start := store.Offset(page, perPage)
	if start >= len(all) {
		return out, nil
	}
	end := start + perPage
	if end > len(all) {
		end = len(all)
	}
	out.Records = append(out.Records, all[start:end]...)
	return out, nil
}
