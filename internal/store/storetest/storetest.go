// Package storetest is a conformance suite run against every Store engine.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/market-sizer/internal/store"
	"github.com/ChuLiYu/market-sizer/pkg/search"
	"github.com/ChuLiYu/market-sizer/pkg/types"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run exercises the Store contract.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"JobRoundTrip", testJobRoundTrip},
		{"DuplicateJob", testDuplicateJob},
		{"MissingJob", testMissingJob},
		{"ListJobsOldestFirst", testListJobs},
		{"FindJobByFingerprint", testFindByFingerprint},
		{"SegmentLifecycle", testSegmentLifecycle},
		{"TerminalSegmentIsFrozen", testTerminalSegmentFrozen},
		{"ResultsInsertionOrder", testResultsOrder},
		{"ResultsPaging", testResultsPaging},
		{"ProgressAggregates", testProgressAggregates},
		{"ConcurrentReadsDuringAppend", testConcurrentReads},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

var base = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

// NewJob builds a job with a populated submission.
func NewJob(id string, created time.Time) *types.Job {
	sub := search.Submission{
		Name: "job " + id,
		Mode: search.ModeDetailed,
		Company: &search.Definition{
			Kind: search.KindCompany,
			Filters: search.Filters{
				"company_location_search": search.Set{Include: []string{"Germany"}},
				"company_headcount_range": search.List{Values: []string{"11-20", "21-50"}},
			},
		},
		People: []search.Definition{{
			Kind:    search.KindPerson,
			Name:    "engineers",
			Filters: search.Filters{"person_department": search.List{Values: []string{"Engineering"}}},
		}},
	}
	return &types.Job{
		ID:          types.JobID(id),
		Name:        sub.Name,
		Mode:        sub.Mode,
		Fingerprint: search.Fingerprint(sub),
		Submission:  sub,
		Status:      types.JobPending,
		CreatedAt:   created,
	}
}

func testJobRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := NewJob("job-1", base)
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.Name, got.Name)
	assert.Equal(t, job.Fingerprint, got.Fingerprint)
	assert.Equal(t, types.JobPending, got.Status)
	assert.True(t, job.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.StartedAt)
	require.NotNil(t, got.Submission.Company)
	assert.Equal(t, job.Submission.Company.Filters, got.Submission.Company.Filters)
	assert.Equal(t, search.Fingerprint(job.Submission), search.Fingerprint(got.Submission))

	started := base.Add(time.Second)
	finished := base.Add(time.Minute)
	got.Status = types.JobCompleted
	got.StartedAt = &started
	got.FinishedAt = &finished
	got.SegmentsTotal, got.SegmentsDone, got.SegmentsFailed, got.SegmentsTruncated = 10, 10, 3, 1
	got.CompaniesFound = 120
	got.CreditsEstimated, got.CreditsUsed = 200, 187
	got.Truncated = true
	got.ErrorMessage = "partial"
	require.NoError(t, s.UpdateJob(ctx, got))

	again, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, again.Status)
	require.NotNil(t, again.StartedAt)
	require.NotNil(t, again.FinishedAt)
	assert.True(t, started.Equal(*again.StartedAt))
	assert.True(t, finished.Equal(*again.FinishedAt))
	assert.Equal(t, int64(3), again.SegmentsFailed)
	assert.Equal(t, int64(187), again.CreditsUsed)
	assert.True(t, again.Truncated)
	assert.Equal(t, "partial", again.ErrorMessage)
}

func testDuplicateJob(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, NewJob("job-1", base)))
	assert.ErrorIs(t, s.CreateJob(ctx, NewJob("job-1", base)), store.ErrDuplicate)
}

func testMissingJob(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.GetJob(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, s.UpdateJob(ctx, NewJob("nope", base)), store.ErrNotFound)

	_, err = s.ReadProgress(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.ReadResults(ctx, "nope", 1, 10)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testListJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, NewJob("job-c", base.Add(2*time.Hour))))
	require.NoError(t, s.CreateJob(ctx, NewJob("job-a", base)))
	require.NoError(t, s.CreateJob(ctx, NewJob("job-b", base.Add(time.Hour))))

	jobs, err := s.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, types.JobID("job-a"), jobs[0].ID)
	assert.Equal(t, types.JobID("job-b"), jobs[1].ID)
	assert.Equal(t, types.JobID("job-c"), jobs[2].ID)
}

func testFindByFingerprint(t *testing.T, s store.Store) {
	ctx := context.Background()

	older := NewJob("job-old", base)
	older.Status = types.JobCompleted
	newer := NewJob("job-new", base.Add(time.Hour))
	newer.Status = types.JobCompleted
	running := NewJob("job-running", base.Add(2*time.Hour))
	running.Status = types.JobRunning
	for _, j := range []*types.Job{older, newer, running} {
		require.NoError(t, s.CreateJob(ctx, j))
	}

	got, err := s.FindJobByFingerprint(ctx, older.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, types.JobID("job-new"), got.ID, "latest completed job wins")

	_, err = s.FindJobByFingerprint(ctx, "0000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func segment(job types.JobID, id, parent string, kind types.SegmentKind) types.Segment {
	return types.Segment{
		ID:       types.SegmentID(id),
		JobID:    job,
		ParentID: types.SegmentID(parent),
		Kind:     kind,
		Filters:  search.Filters{"company_headcount_range": search.List{Values: []string{"11-20"}}},
		Status:   types.SegmentPending,
	}
}

func testSegmentLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, NewJob("job-1", base)))

	root := segment("job-1", "seg-root", "", types.SegmentCompany)
	left := segment("job-1", "seg-left", "seg-root", types.SegmentCompany)
	left.Depth, left.Leaf = 1, true
	person := segment("job-1", "seg-p", "seg-left", types.SegmentPerson)
	person.Name, person.Domain = "engineers", "acme.com"
	require.NoError(t, s.AppendSegments(ctx, []types.Segment{root, left}))
	require.NoError(t, s.AppendSegments(ctx, []types.Segment{person}))
	assert.ErrorIs(t, s.AppendSegments(ctx, []types.Segment{root}), store.ErrDuplicate)

	left.Status = types.SegmentRunning
	require.NoError(t, s.UpdateSegment(ctx, left))
	left.Status = types.SegmentDone
	left.TotalCount, left.CreditsUsed = 40, 2
	require.NoError(t, s.UpdateSegment(ctx, left))

	segs, err := s.ListSegments(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, segs, 3)
	byID := make(map[types.SegmentID]types.Segment)
	for _, seg := range segs {
		byID[seg.ID] = seg
	}
	got := byID["seg-left"]
	assert.Equal(t, types.SegmentDone, got.Status)
	assert.Equal(t, int64(40), got.TotalCount)
	assert.Equal(t, int64(2), got.CreditsUsed)
	assert.Equal(t, types.SegmentID("seg-root"), got.ParentID)
	assert.True(t, got.Leaf)
	assert.Equal(t, 1, got.Depth)
	assert.Equal(t, left.Filters, got.Filters)
	assert.Equal(t, "acme.com", byID["seg-p"].Domain)
	assert.Equal(t, types.SegmentPerson, byID["seg-p"].Kind)

	assert.ErrorIs(t, s.UpdateSegment(ctx, segment("job-1", "ghost", "", types.SegmentCompany)), store.ErrNotFound)

	other, err := s.ListSegments(ctx, "job-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testTerminalSegmentFrozen(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, NewJob("job-1", base)))
	seg := segment("job-1", "seg-1", "", types.SegmentPerson)
	require.NoError(t, s.AppendSegments(ctx, []types.Segment{seg}))

	seg.Status = types.SegmentError
	seg.Error = "invalid_filters"
	require.NoError(t, s.UpdateSegment(ctx, seg))

	seg.Status = types.SegmentDone
	seg.Error = ""
	assert.ErrorIs(t, s.UpdateSegment(ctx, seg), store.ErrSegmentClosed)

	segs, err := s.ListSegments(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, types.SegmentError, segs[0].Status)
	assert.Equal(t, "invalid_filters", segs[0].Error)
}

func record(job types.JobID, n int) types.ResultRecord {
	return types.ResultRecord{
		JobID:      job,
		SegmentID:  "seg-1",
		Kind:       types.RecordCompany,
		EntityID:   fmt.Sprintf("c-%03d", n),
		Name:       fmt.Sprintf("Company %d", n),
		Domain:     fmt.Sprintf("company%d.com", n),
		TotalCount: 1,
		Payload:    []byte(fmt.Sprintf(`{"company_id":"c-%03d"}`, n)),
		Status:     types.ResultOK,
	}
}

func testResultsOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, NewJob("job-1", base)))
	require.NoError(t, s.CreateJob(ctx, NewJob("job-2", base)))

	require.NoError(t, s.AppendResult(ctx, record("job-1", 0), record("job-1", 1)))
	require.NoError(t, s.AppendResult(ctx, record("job-2", 0)))
	require.NoError(t, s.AppendResult(ctx, record("job-1", 2)))
	require.NoError(t, s.AppendResult(ctx))

	page, err := s.ReadResults(ctx, "job-1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	require.Len(t, page.Records, 3)
	for i, rec := range page.Records {
		assert.Equal(t, fmt.Sprintf("c-%03d", i), rec.EntityID)
		assert.NotZero(t, rec.ID)
		assert.False(t, rec.CreatedAt.IsZero())
		if i > 0 {
			assert.Greater(t, rec.ID, page.Records[i-1].ID, "ids follow insertion order")
		}
	}
	assert.JSONEq(t, `{"company_id":"c-000"}`, string(page.Records[0].Payload))
	assert.Equal(t, types.RecordCompany, page.Records[0].Kind)
	assert.Equal(t, "company0.com", page.Records[0].Domain)
}

func testResultsPaging(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, NewJob("job-1", base)))
	recs := make([]types.ResultRecord, 0, 25)
	for i := 0; i < 25; i++ {
		recs = append(recs, record("job-1", i))
	}
	require.NoError(t, s.AppendResult(ctx, recs...))

	tests := []struct {
		page, perPage int
		wantPage      int
		wantLen       int
		wantFirst     string
	}{
		{1, 10, 1, 10, "c-000"},
		{3, 10, 3, 5, "c-020"},
		{4, 10, 4, 0, ""},
		{0, 0, 1, 25, "c-000"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("page%d_per%d", tt.page, tt.perPage), func(t *testing.T) {
			p, err := s.ReadResults(ctx, "job-1", tt.page, tt.perPage)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPage, p.Page)
			assert.Equal(t, int64(25), p.Total)
			assert.Len(t, p.Records, tt.wantLen)
			assert.NotNil(t, p.Records)
			if tt.wantLen > 0 {
				assert.Equal(t, tt.wantFirst, p.Records[0].EntityID)
			}
		})
	}

	all, err := store.ReadAllResults(ctx, s, "job-1")
	require.NoError(t, err)
	assert.Len(t, all, 25)
}

func testProgressAggregates(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := NewJob("job-1", base)
	job.Status = types.JobRunning
	job.SegmentsTotal, job.SegmentsDone = 4, 2
	job.CreditsUsed = 9
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.AppendResult(ctx,
		types.ResultRecord{JobID: "job-1", SegmentID: "p1", Kind: types.RecordPersonCount, QueryName: "engineers", TotalCount: 12, Status: types.ResultOK},
		types.ResultRecord{JobID: "job-1", SegmentID: "p2", Kind: types.RecordPersonCount, QueryName: "engineers", TotalCount: 3, Status: types.ResultOK},
		types.ResultRecord{JobID: "job-1", SegmentID: "p3", Kind: types.RecordPersonCount, QueryName: "sales", TotalCount: 0, Status: types.ResultOK},
		types.ResultRecord{JobID: "job-1", SegmentID: "p4", Kind: types.RecordSegmentError, QueryName: "sales", Status: types.ResultError, Error: "invalid_filters"},
	))

	p, err := s.ReadProgress(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, p.Status)
	assert.Equal(t, int64(4), p.SegmentsTotal)
	assert.Equal(t, int64(2), p.SegmentsDone)
	assert.Equal(t, int64(9), p.CreditsUsed)
	assert.Equal(t, map[string]int64{"engineers": 15, "sales": 0}, p.Aggregates)
}

func testConcurrentReads(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, NewJob("job-1", base)))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			assert.NoError(t, s.AppendResult(ctx, record("job-1", i)))
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				p, err := s.ReadResults(ctx, "job-1", 1, 100)
				assert.NoError(t, err)
				assert.Equal(t, int64(len(p.Records)), p.Total)
			}
		}()
	}
	wg.Wait()

	p, err := s.ReadResults(ctx, "job-1", 1, 100)
	require.NoError(t, err)
	assert.Len(t, p.Records, 50)
}
