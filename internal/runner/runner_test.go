package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/market-sizer/internal/provider"
	"github.com/ChuLiYu/market-sizer/internal/provider/providertest"
	"github.com/ChuLiYu/market-sizer/internal/ratelimit"
	"github.com/ChuLiYu/market-sizer/internal/segmenter"
	"github.com/ChuLiYu/market-sizer/internal/store"
	"github.com/ChuLiYu/market-sizer/internal/store/memory"
	"github.com/ChuLiYu/market-sizer/pkg/search"
	"github.com/ChuLiYu/market-sizer/pkg/types"
)

var countries = []string{"United States", "United Kingdom", "Germany", "France"}

// ============================================================================
// Test Helper Functions
// ============================================================================

type harness struct {
	store *memory.Store
	fake  *providertest.Fake
	clock *ratelimit.FakeClock
	seg   *segmenter.Segmenter
	gate  Gate // nil uses a limiter on the fake clock
	cfg   Config
}

// grantGate lets the first n acquisitions through, then reports the daily
// quota as exhausted.
type grantGate struct {
	n      int64
	issued atomic.Int64
}

func (g *grantGate) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.issued.Add(1) > g.n {
		return ratelimit.ErrQuotaExhausted
	}
	return nil
}

func newHarness(t *testing.T, handler providertest.Handler) *harness {
	t.Helper()
	h := &harness{
		store: memory.New(),
		fake:  &providertest.Fake{Handler: handler},
		clock: ratelimit.NewFakeClock(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)),
		seg:   segmenter.New(),
		cfg:   Config{Workers: 4, BackoffBase: time.Millisecond, FlushInterval: 10 * time.Millisecond},
	}
	t.Cleanup(func() { h.store.Close() })
	return h
}

func (h *harness) runner(t *testing.T, sub search.Submission) *Runner {
	t.Helper()
	if sub.Mode == "" {
		sub.Mode = search.ModeDetailed
	}
	require.NoError(t, sub.Validate())

	job := types.Job{
		ID:          types.JobID(uuid.NewString()),
		Name:        sub.Name,
		Mode:        sub.Mode,
		Fingerprint: search.Fingerprint(sub),
		Submission:  sub,
		Status:      types.JobPending,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, h.store.CreateJob(context.Background(), &job))

	gate := h.gate
	if gate == nil {
		gate = ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithClock(h.clock))
	}
	return New(job, Deps{
		Client:    h.fake,
		Gate:      gate,
		Store:     h.store,
		Segmenter: h.seg,
		Clock:     h.clock,
	}, h.cfg)
}

func (h *harness) run(t *testing.T, r *Runner) types.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, r.Run(ctx))

	job, err := h.store.GetJob(context.Background(), r.ID())
	require.NoError(t, err)
	return *job
}

func (h *harness) records(t *testing.T, id types.JobID, kind types.RecordKind) []types.ResultRecord {
	t.Helper()
	all, err := store.ReadAllResults(context.Background(), h.store, id)
	require.NoError(t, err)
	var out []types.ResultRecord
	for _, rec := range all {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}

func assertAllTerminal(t *testing.T, h *harness, id types.JobID) []types.Segment {
	t.Helper()
	segs, err := h.store.ListSegments(context.Background(), id)
	require.NoError(t, err)
	for _, s := range segs {
		assert.True(t, s.Status.Terminal(), "segment %s left %s", s.ID, s.Status)
	}
	return segs
}

func companySearch(filters search.Filters) *search.Definition {
	return &search.Definition{Kind: search.KindCompany, Name: "companies", Filters: filters}
}

func engineers() search.Definition {
	return search.Definition{Kind: search.KindPerson, Name: "engineers", Filters: search.Filters{}}
}

func websites(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("company%d.com", i)
	}
	return out
}

// ============================================================================
// Company Searches
// ============================================================================

func TestRun_QuickModeListsCompanies(t *testing.T) {
	m := providertest.NewMarket(100, countries, 500)
	h := newHarness(t, m.Handler())
	r := h.runner(t, search.Submission{
		Name:    "quick",
		Mode:    search.ModeQuick,
		Company: companySearch(search.Filters{providertest.FilterHeadcount: search.NewRange(1, 500)}),
		People:  []search.Definition{engineers()},
	})

	job := h.run(t, r)

	assert.Equal(t, types.JobCompleted, job.Status)
	assert.EqualValues(t, 100, job.CompaniesFound)
	assert.EqualValues(t, 1, job.SegmentsTotal)
	assert.EqualValues(t, 1, job.SegmentsDone)
	assert.EqualValues(t, 5, job.CreditsUsed, "one probe and four pages")
	assert.EqualValues(t, 5, job.CreditsEstimated)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.FinishedAt)

	assert.Zero(t, h.fake.CallCount(provider.EndpointPerson))
	assert.Len(t, h.records(t, job.ID, types.RecordCompany), 100)
}

func TestRun_SegmentsLargeSearches(t *testing.T) {
	m := providertest.NewMarket(1000, countries, 1000)
	h := newHarness(t, m.Handler())
	h.seg = &segmenter.Segmenter{Cap: 100, MaxDepth: 8, Preference: segmenter.NumericFirst}
	r := h.runner(t, search.Submission{
		Name:    "segmented",
		Mode:    search.ModeQuick,
		Company: companySearch(search.Filters{providertest.FilterHeadcount: search.NewRange(1, 1000)}),
	})

	job := h.run(t, r)

	assert.Equal(t, types.JobCompleted, job.Status)
	assert.False(t, job.Truncated)
	assert.EqualValues(t, 1000, job.CompaniesFound)
	assert.Greater(t, job.SegmentsTotal, int64(10))
	assert.Equal(t, job.SegmentsTotal, job.SegmentsDone)

	segs := assertAllTerminal(t, h, job.ID)
	var leafTotal int64
	for _, s := range segs {
		if s.Leaf {
			assert.LessOrEqual(t, s.TotalCount, int64(100))
			leafTotal += s.TotalCount
		}
	}
	assert.EqualValues(t, 1000, leafTotal, "leaves partition the search")

	seen := make(map[string]bool)
	for _, rec := range h.records(t, job.ID, types.RecordCompany) {
		if rec.Status != types.ResultOK {
			continue
		}
		assert.False(t, seen[rec.EntityID], "company %s listed twice", rec.EntityID)
		seen[rec.EntityID] = true
	}
	assert.Len(t, seen, 1000)
}

func TestRun_TruncatedLeafStopsAtCap(t *testing.T) {
	handler := func(req provider.Request) (*provider.Response, error) {
		if req.PerPage == 1 {
			return &provider.Response{Page: 1, PerPage: 1, TotalCount: 1000, TotalPages: 1000}, nil
		}
		resp := &provider.Response{Page: req.Page, PerPage: 25, TotalCount: 1000, TotalPages: 40}
		for i := 0; i < 25; i++ {
			id := (req.Page-1)*25 + i
			row, _ := json.Marshal(map[string]any{"company_id": id, "name": fmt.Sprintf("Co %d", id), "domain": fmt.Sprintf("co%d.com", id)})
			resp.Results = append(resp.Results, row)
		}
		return resp, nil
	}

	tests := []struct {
		name      string
		cap       int64
		pages     int
		companies int64
	}{
		{"cap on a page boundary", 100, 4, 100},
		{"cap inside a page", 30, 2, 50},
		{"cap below one page", 10, 1, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, handler)
			h.seg = &segmenter.Segmenter{Cap: tt.cap}
			r := h.runner(t, search.Submission{Name: "capped", Mode: search.ModeQuick, Company: companySearch(search.Filters{})})

			job := h.run(t, r)

			assert.Equal(t, types.JobCompleted, job.Status)
			assert.True(t, job.Truncated)
			assert.EqualValues(t, 1, job.SegmentsTruncated)
			assert.Equal(t, tt.companies, job.CompaniesFound)
			assert.Equal(t, 1+tt.pages, h.fake.CallCount(provider.EndpointCompany), "probe plus pages")
			assert.EqualValues(t, 1+tt.pages, job.CreditsEstimated)

			segs := assertAllTerminal(t, h, job.ID)
			require.Len(t, segs, 1)
			assert.Equal(t, types.SegmentTruncated, segs[0].Status)
		})
	}
}

func TestRun_EmptySearchIsNotFound(t *testing.T) {
	m := providertest.NewMarket(10, countries, 100)
	h := newHarness(t, m.Handler())
	r := h.runner(t, search.Submission{
		Name:    "nothing",
		Company: companySearch(search.Filters{providertest.FilterLocation: search.Set{Include: []string{"Atlantis"}}}),
		People:  []search.Definition{engineers()},
	})

	job := h.run(t, r)

	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Zero(t, job.CompaniesFound)
	recs := h.records(t, job.ID, types.RecordCompany)
	require.Len(t, recs, 1)
	assert.Equal(t, types.ResultNotFound, recs[0].Status)
	assert.Zero(t, h.fake.CallCount(provider.EndpointPerson))
}

// ============================================================================
// Person Searches
// ============================================================================

func TestRun_DetailedModeCountsPeople(t *testing.T) {
	m := providertest.NewMarket(20, countries, 100)
	h := newHarness(t, m.Handler())
	r := h.runner(t, search.Submission{
		Name:    "detailed",
		Company: companySearch(search.Filters{providertest.FilterHeadcount: search.NewRange(1, 100)}),
		People:  []search.Definition{engineers()},
	})

	job := h.run(t, r)

	assert.Equal(t, types.JobCompleted, job.Status)
	assert.EqualValues(t, 20, job.CompaniesFound)
	assert.EqualValues(t, 21, job.SegmentsTotal)
	assert.EqualValues(t, 21, job.SegmentsDone)
	assert.Zero(t, job.SegmentsFailed)
	assert.EqualValues(t, 22, job.CreditsUsed, "probe, one page, twenty person counts")
	assert.Equal(t, 20, h.fake.CallCount(provider.EndpointPerson))

	counts := h.records(t, job.ID, types.RecordPersonCount)
	require.Len(t, counts, 20)
	var sum int64
	for _, rec := range counts {
		assert.Equal(t, "engineers", rec.QueryName)
		assert.Equal(t, types.ResultOK, rec.Status)
		assert.Equal(t, m.People[rec.Domain], rec.TotalCount)
		sum += rec.TotalCount
	}
	assert.EqualValues(t, 40, sum)
	assert.Equal(t, map[string]int64{"engineers": 40}, r.Progress().Aggregates)

	progress, err := h.store.ReadProgress(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"engineers": 40}, progress.Aggregates)
}

func TestRun_SegmentErrorsDoNotStopJob(t *testing.T) {
	m := providertest.NewMarket(10, countries, 100)
	m.PersonErrors = map[string]error{}
	for _, w := range []string{"company1.com", "company2.com", "company3.com"} {
		m.PersonErrors[w] = &provider.Error{Kind: provider.KindInvalidFilters, Code: "INVALID_FILTERS", Status: 400, Message: "bad seniority"}
	}
	h := newHarness(t, m.Handler())
	r := h.runner(t, search.Submission{Name: "targets", Targets: websites(10), People: []search.Definition{engineers()}})

	job := h.run(t, r)

	assert.Equal(t, types.JobCompleted, job.Status)
	assert.EqualValues(t, 10, job.SegmentsTotal)
	assert.EqualValues(t, 10, job.SegmentsDone)
	assert.EqualValues(t, 3, job.SegmentsFailed)
	assert.Len(t, h.records(t, job.ID, types.RecordPersonCount), 7)

	errs := h.records(t, job.ID, types.RecordSegmentError)
	require.Len(t, errs, 3)
	for _, rec := range errs {
		assert.Equal(t, types.ResultError, rec.Status)
		assert.Contains(t, rec.Error, "bad seniority")
	}
	assertAllTerminal(t, h, job.ID)
}

func TestRun_SubdomainRetriedOnRootDomain(t *testing.T) {
	m := &providertest.Market{People: map[string]int64{"ey.com": 7}}
	h := newHarness(t, m.Handler())
	r := h.runner(t, search.Submission{Name: "subdomain", Targets: []string{"https://gds.ey.com/careers"}, People: []search.Definition{engineers()}})

	job := h.run(t, r)

	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Zero(t, job.SegmentsFailed)
	assert.Equal(t, 2, h.fake.CallCount(provider.EndpointPerson), "one rejected call and one retry")
	assert.EqualValues(t, 2, job.CreditsUsed)

	counts := h.records(t, job.ID, types.RecordPersonCount)
	require.Len(t, counts, 1)
	assert.Equal(t, "ey.com", counts[0].Domain)
	assert.EqualValues(t, 7, counts[0].TotalCount)

	segs := assertAllTerminal(t, h, job.ID)
	require.Len(t, segs, 1)
	assert.Equal(t, "ey.com", segs[0].Domain)
	assert.EqualValues(t, 2, segs[0].CreditsUsed)
}

func TestRun_SubdomainRetryHappensOnce(t *testing.T) {
	m := &providertest.Market{
		People: map[string]int64{},
		PersonErrors: map[string]error{
			"ey.com": &provider.Error{Kind: provider.KindInvalidFilters, Status: 400, Message: "Subdomains are not supported"},
		},
	}
	h := newHarness(t, m.Handler())
	r := h.runner(t, search.Submission{Name: "subdomain", Targets: []string{"gds.ey.com"}, People: []search.Definition{engineers()}})

	job := h.run(t, r)

	assert.Equal(t, types.JobCompleted, job.Status)
	assert.EqualValues(t, 1, job.SegmentsFailed)
	assert.Equal(t, 2, h.fake.CallCount(provider.EndpointPerson))
}

// ============================================================================
// Retries and Fatal Errors
// ============================================================================

func TestRun_NetworkErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	handler := func(req provider.Request) (*provider.Response, error) {
		if calls.Add(1) <= 2 {
			return nil, &provider.Error{Kind: provider.KindNetwork, Message: "connection reset"}
		}
		return &provider.Response{Page: 1, PerPage: 25, TotalCount: 3, TotalPages: 1}, nil
	}
	h := newHarness(t, handler)
	start := h.clock.Now()
	r := h.runner(t, search.Submission{Name: "flaky", Targets: []string{"acme.com"}, People: []search.Definition{engineers()}})

	job := h.run(t, r)

	assert.Equal(t, types.JobCompleted, job.Status)
	assert.EqualValues(t, 3, calls.Load())
	assert.EqualValues(t, 1, job.CreditsUsed, "unanswered calls are not billed")
	counts := h.records(t, job.ID, types.RecordPersonCount)
	require.Len(t, counts, 1)
	assert.EqualValues(t, 3, counts[0].TotalCount)
	assert.GreaterOrEqual(t, h.clock.Now().Sub(start), 3*time.Millisecond, "backoff of 1ms then 2ms")
}

func TestRun_NetworkRetriesExhausted(t *testing.T) {
	handler := func(req provider.Request) (*provider.Response, error) {
		return nil, &provider.Error{Kind: provider.KindNetwork, Message: "timeout"}
	}
	h := newHarness(t, handler)
	h.cfg.MaxRetries = 2
	r := h.runner(t, search.Submission{Name: "down", Targets: []string{"acme.com"}, People: []search.Definition{engineers()}})

	job := h.run(t, r)

	assert.Equal(t, types.JobCompleted, job.Status)
	assert.EqualValues(t, 1, job.SegmentsFailed)
	assert.Zero(t, job.CreditsUsed)
	assert.Equal(t, 3, h.fake.CallCount(provider.EndpointPerson))
}

func TestRun_FatalErrorFailsJob(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"auth", &provider.Error{Kind: provider.KindAuth, Status: 401, Message: "invalid api key"}},
		{"quota", &provider.Error{Kind: provider.KindQuotaExceeded, Status: 403, Message: "credits exhausted"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := func(req provider.Request) (*provider.Response, error) { return nil, tt.err }
			h := newHarness(t, handler)
			h.cfg.Workers = 2
			r := h.runner(t, search.Submission{Name: "fatal", Targets: websites(20), People: []search.Definition{engineers()}})

			job := h.run(t, r)

			assert.Equal(t, types.JobFailed, job.Status)
			assert.Contains(t, job.ErrorMessage, string(provider.KindOf(tt.err)))
			assert.EqualValues(t, 20, job.SegmentsTotal)
			assert.EqualValues(t, 20, job.SegmentsDone)
			assert.EqualValues(t, 20, job.SegmentsFailed)
			assert.LessOrEqual(t, h.fake.CallCount(provider.EndpointPerson), 2)
			assertAllTerminal(t, h, job.ID)
		})
	}
}

func TestRun_QuotaExhaustedMidJob(t *testing.T) {
	m := providertest.NewMarket(20, countries, 100)
	h := newHarness(t, m.Handler())
	h.cfg.Workers = 2
	h.gate = &grantGate{n: 3}
	r := h.runner(t, search.Submission{Name: "quota", Targets: websites(20), People: []search.Definition{engineers()}})

	job := h.run(t, r)

	assert.Equal(t, types.JobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "quota")
	assert.EqualValues(t, 20, job.SegmentsTotal)
	assert.EqualValues(t, job.SegmentsTotal, job.SegmentsDone)
	assert.LessOrEqual(t, h.fake.CallCount(provider.EndpointPerson), 3)
	assert.LessOrEqual(t, len(h.records(t, job.ID, types.RecordPersonCount)), 3)

	segs := assertAllTerminal(t, h, job.ID)
	failed := 0
	for _, s := range segs {
		if s.Status == types.SegmentError {
			failed++
		}
	}
	assert.GreaterOrEqual(t, failed, 17)
	assert.EqualValues(t, failed, job.SegmentsFailed)
}

func TestRun_FatalProbeFailsJob(t *testing.T) {
	handler := func(req provider.Request) (*provider.Response, error) {
		return nil, &provider.Error{Kind: provider.KindAuth, Status: 401}
	}
	h := newHarness(t, handler)
	r := h.runner(t, search.Submission{Name: "fatal", Company: companySearch(search.Filters{})})

	job := h.run(t, r)

	assert.Equal(t, types.JobFailed, job.Status)
	assert.EqualValues(t, 1, job.SegmentsFailed)
	assert.Zero(t, job.CreditsUsed)
}

func TestRun_InvalidRootSearchFailsJob(t *testing.T) {
	handler := func(req provider.Request) (*provider.Response, error) {
		return nil, &provider.Error{Kind: provider.KindInvalidFilters, Status: 400, Message: "unknown filter"}
	}
	h := newHarness(t, handler)
	r := h.runner(t, search.Submission{Name: "invalid", Company: companySearch(search.Filters{})})

	job := h.run(t, r)

	assert.Equal(t, types.JobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "unknown filter")
	assert.EqualValues(t, 1, job.CreditsUsed)
}

// ============================================================================
// Stop
// ============================================================================

func TestRun_StopKeepsCompletedWork(t *testing.T) {
	m := providertest.NewMarket(50, countries, 100)
	var r *Runner
	var calls atomic.Int32
	h := newHarness(t, func(req provider.Request) (*provider.Response, error) {
		if calls.Add(1) == 5 {
			r.Stop()
		}
		return m.Handler()(req)
	})
	h.cfg.Workers = 1
	r = h.runner(t, search.Submission{Name: "stopped", Targets: websites(50), People: []search.Definition{engineers()}})

	job := h.run(t, r)

	assert.Equal(t, types.JobStopped, job.Status)
	assert.True(t, job.StopRequested)
	assert.EqualValues(t, 5, calls.Load(), "the call in flight finishes, nothing new starts")
	assert.EqualValues(t, 50, job.SegmentsDone)
	assert.EqualValues(t, 45, job.SegmentsFailed)
	assert.Len(t, h.records(t, job.ID, types.RecordPersonCount), 5)

	errs := h.records(t, job.ID, types.RecordSegmentError)
	require.Len(t, errs, 45)
	assert.Equal(t, ErrStopped.Error(), errs[0].Error)
	assertAllTerminal(t, h, job.ID)
}

func TestRun_StopBeforeStart(t *testing.T) {
	h := newHarness(t, nil)
	r := h.runner(t, search.Submission{Name: "never", Targets: websites(3), People: []search.Definition{engineers()}})
	r.Stop()

	job := h.run(t, r)

	assert.Equal(t, types.JobStopped, job.Status)
	assert.Nil(t, job.StartedAt)
	assert.Empty(t, h.fake.Calls())
	<-r.Done()
}

func TestRun_StopDuringSegmentation(t *testing.T) {
	m := providertest.NewMarket(1000, countries, 1000)
	var r *Runner
	var probes atomic.Int32
	h := newHarness(t, func(req provider.Request) (*provider.Response, error) {
		if req.PerPage == 1 && probes.Add(1) == 3 {
			r.Stop()
		}
		return m.Handler()(req)
	})
	h.seg = &segmenter.Segmenter{Cap: 50}
	r = h.runner(t, search.Submission{
		Name:    "stopped",
		Mode:    search.ModeQuick,
		Company: companySearch(search.Filters{providertest.FilterHeadcount: search.NewRange(1, 1000)}),
	})

	job := h.run(t, r)

	assert.Equal(t, types.JobStopped, job.Status)
	assert.Less(t, job.CompaniesFound, int64(1000))
	assert.Equal(t, job.SegmentsTotal, job.SegmentsDone)
	assertAllTerminal(t, h, job.ID)
}

// ============================================================================
// Progress
// ============================================================================

func TestRun_ProgressIsMonotonic(t *testing.T) {
	m := providertest.NewMarket(200, countries, 400)
	h := newHarness(t, m.Handler())
	h.fake.Delay = time.Millisecond
	r := h.runner(t, search.Submission{
		Name:    "watched",
		Company: companySearch(search.Filters{providertest.FilterHeadcount: search.NewRange(1, 400)}),
		People:  []search.Definition{engineers()},
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var last types.ProgressSnapshot
		for {
			select {
			case <-r.Done():
				return
			case <-time.After(time.Millisecond):
			}
			p := r.Progress()
			assert.GreaterOrEqual(t, p.SegmentsDone, last.SegmentsDone)
			assert.GreaterOrEqual(t, p.CreditsUsed, last.CreditsUsed)
			assert.GreaterOrEqual(t, p.CompaniesFound, last.CompaniesFound)
			last = p
		}
	}()

	job := h.run(t, r)
	wg.Wait()

	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, job.SegmentsTotal, job.SegmentsDone)
	final := r.Progress()
	assert.Equal(t, job.CreditsUsed, final.CreditsUsed)
	assert.Equal(t, types.JobCompleted, final.Status)
}

func TestRun_TransitionsAreReported(t *testing.T) {
	h := newHarness(t, nil)
	var seen []types.JobStatus
	sub := search.Submission{Name: "hooks", Mode: search.ModeDetailed, Targets: []string{"acme.com"}, People: []search.Definition{engineers()}}
	r := h.runner(t, sub)
	r.notify = func(job types.Job) { seen = append(seen, job.Status) }

	job := h.run(t, r)

	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, []types.JobStatus{types.JobRunning, types.JobCompleted}, seen)
}
