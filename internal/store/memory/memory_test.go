package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/market-sizer/internal/snapshot"
	"github.com/ChuLiYu/market-sizer/internal/store"
	"github.com/ChuLiYu/market-sizer/internal/store/storetest"
	"github.com/ChuLiYu/market-sizer/pkg/types"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestConformanceWithSnapshot(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "store.json"), time.Hour)
		require.NoError(t, err)
		return s
	})
}

func TestCloseWritesSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	s, err := Open(path, time.Hour)
	require.NoError(t, err)

	job := storetest.NewJob("job-1", time.Now().UTC())
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.AppendSegments(ctx, []types.Segment{{ID: "seg-1", JobID: "job-1", Kind: types.SegmentCompany, Status: types.SegmentPending}}))
	require.NoError(t, s.AppendResult(ctx,
		types.ResultRecord{JobID: "job-1", SegmentID: "seg-1", Kind: types.RecordCompany, EntityID: "c1", Status: types.ResultOK},
		types.ResultRecord{JobID: "job-1", SegmentID: "seg-1", Kind: types.RecordCompany, EntityID: "c2", Status: types.ResultOK},
	))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	reopened, err := Open(path, time.Hour)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.Fingerprint, got.Fingerprint)

	segs, err := reopened.ListSegments(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, segs, 1)

	// the segment index is rebuilt on load
	segs[0].Status = types.SegmentDone
	require.NoError(t, reopened.UpdateSegment(ctx, segs[0]))

	// ids continue after the restored sequence
	require.NoError(t, reopened.AppendResult(ctx, types.ResultRecord{JobID: "job-1", Kind: types.RecordCompany, EntityID: "c3", Status: types.ResultOK}))
	page, err := reopened.ReadResults(ctx, "job-1", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 3)
	assert.Equal(t, int64(3), page.Records[2].ID)
}

func TestFlushLoopWritesPeriodically(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	s, err := Open(path, 10*time.Millisecond)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreateJob(ctx, storetest.NewJob("job-1", time.Now().UTC())))

	assert.Eventually(t, func() bool {
		data, err := snapshot.NewManager(path).Load()
		return err == nil && len(data.Jobs) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// seed writes one job with a segment and two company records.
func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, storetest.NewJob("job-1", time.Now().UTC())))
	require.NoError(t, s.AppendSegments(ctx, []types.Segment{{ID: "seg-1", JobID: "job-1", Kind: types.SegmentCompany, Status: types.SegmentPending}}))
	require.NoError(t, s.AppendResult(ctx,
		types.ResultRecord{JobID: "job-1", SegmentID: "seg-1", Kind: types.RecordCompany, EntityID: "c1", Status: types.ResultOK},
		types.ResultRecord{JobID: "job-1", SegmentID: "seg-1", Kind: types.RecordCompany, EntityID: "c2", Status: types.ResultOK},
	))
}

func TestJournalReplaysUnsnapshottedWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	crashed, err := Open(path, time.Hour)
	require.NoError(t, err)
	seed(t, crashed)
	segs, err := crashed.ListSegments(ctx, "job-1")
	require.NoError(t, err)
	segs[0].Status = types.SegmentDone
	require.NoError(t, crashed.UpdateSegment(ctx, segs[0]))
	// no Close: the process died before any snapshot was written

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	reopened, err := Open(path, time.Hour)
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.GetJob(ctx, "job-1")
	require.NoError(t, err)
	segs, err = reopened.ListSegments(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, types.SegmentDone, segs[0].Status)

	page, err := reopened.ReadResults(ctx, "job-1", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)

	require.NoError(t, reopened.AppendResult(ctx, types.ResultRecord{JobID: "job-1", Kind: types.RecordCompany, EntityID: "c3", Status: types.ResultOK}))
	page, err = reopened.ReadResults(ctx, "job-1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Records[2].ID)
}

func TestFlushTruncatesJournal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	s, err := Open(path, time.Hour, WithSyncWrites(true))
	require.NoError(t, err)
	seed(t, s)

	info, err := os.Stat(JournalPath(path))
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	require.NoError(t, s.Flush())
	info, err = os.Stat(JournalPath(path))
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	data, err := snapshot.NewManager(path).Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), data.WALSeq)

	// writes after the snapshot land in the journal again
	require.NoError(t, s.AppendResult(ctx, types.ResultRecord{JobID: "job-1", Kind: types.RecordCompany, EntityID: "c3", Status: types.ResultOK}))
	info, err = os.Stat(JournalPath(path))
	require.NoError(t, err)
	assert.Positive(t, info.Size())
	require.NoError(t, s.Close())
}

func TestReplaySkipsEventsCoveredBySnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	s, err := Open(path, time.Hour)
	require.NoError(t, err)
	seed(t, s)
	journal, err := os.ReadFile(JournalPath(path))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// crash between the snapshot rename and the journal truncation
	require.NoError(t, os.WriteFile(JournalPath(path), journal, 0o644))

	reopened, err := Open(path, time.Hour)
	require.NoError(t, err)
	defer reopened.Close()

	page, err := reopened.ReadResults(ctx, "job-1", 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)
	segs, err := reopened.ListSegments(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, segs, 1)
}

func TestFlushWithoutSnapshot(t *testing.T) {
	s := New()
	assert.NoError(t, s.Flush())
	assert.NoError(t, s.Close())
}

func TestOpenRejectsCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	require.NoError(t, writeFile(path, `{"jobs":`))

	_, err := Open(path, time.Second)
	assert.ErrorIs(t, err, snapshot.ErrCorruptedSnapshot)
}

func TestReturnedJobsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateJob(ctx, storetest.NewJob("job-1", time.Now())))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	got.Status = types.JobFailed

	again, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, again.Status)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
