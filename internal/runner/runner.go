// ============================================================================
// Market-Sizer Job Runner - Per-Job Execution Engine
// ============================================================================
//
// Package: internal/runner
// File: runner.go
// Purpose: Drive one job from pending to a terminal status
//
// Goroutines (per job):
//
//   ┌──────────────┐ nodes  ┌────────────────────────────────┐
//   │ segmentation │ ─────► │            run loop            │
//   └──────────────┘        │ persist rows, fold outcomes,   │
//                           │ queue units, flush counters    │
//   ┌──────────────┐outcome │                                │
//   │ worker pool  │ ─────► │  Submit (inflight < workers)   │ ──► pool
//   │  N workers   │ result │                                │
//   └──────────────┘ ─────► └────────────────────────────────┘
//
//   The run loop is the only goroutine that writes the job's segments and
//   results. It submits a unit only while fewer than Workers are in flight,
//   so Submit never blocks and workers never wait on a busy loop for long.
//
// Unit of work:
//   stop check ─► Acquire ─► stop check ─► call ─► classify ─► outcome
//
//   A company leaf is a sequence of pages, each one a pass through the
//   sequence above. A person segment is a single count-only call.
//
// Failure policy (provider.ErrorKind):
//   InvalidFilters, Unknown    segment error, job continues
//   NetworkError               retried with backoff, then segment error
//   NoResults                  not_found (company) / zero count (person)
//   AuthError, QuotaExceeded   job fails; every open segment becomes error
//   ratelimit.ErrQuotaExhausted  same as QuotaExceeded
//
// Stop:
//   Stop sets a flag and cancels limiter waits. Calls already sent are
//   allowed to finish. Units that never started are recorded as error
//   ("stopped before execution"), then the job becomes stopped.
//
// ============================================================================

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/market-sizer/internal/aggregator"
	"github.com/ChuLiYu/market-sizer/internal/credits"
	"github.com/ChuLiYu/market-sizer/internal/domain"
	"github.com/ChuLiYu/market-sizer/internal/jobmanager"
	"github.com/ChuLiYu/market-sizer/internal/provider"
	"github.com/ChuLiYu/market-sizer/internal/ratelimit"
	"github.com/ChuLiYu/market-sizer/internal/segmenter"
	"github.com/ChuLiYu/market-sizer/internal/store"
	"github.com/ChuLiYu/market-sizer/internal/worker"
	"github.com/ChuLiYu/market-sizer/pkg/search"
	"github.com/ChuLiYu/market-sizer/pkg/types"
)

var log = slog.Default()

var (
	// ErrStopped marks work skipped because the job was stopped.
	ErrStopped = errors.New("stopped before execution")
	// ErrAborted marks work skipped because the job failed.
	ErrAborted = errors.New("job aborted")
)

const (
	DefaultWorkers       = 4
	DefaultMaxRetries    = 3
	DefaultBackoffBase   = 500 * time.Millisecond
	DefaultBackoffMax    = 8 * time.Second
	DefaultFlushInterval = 500 * time.Millisecond
)

// Gate admits provider calls. *ratelimit.Limiter implements it.
type Gate interface {
	Acquire(ctx context.Context) error
}

// Observer receives execution events, typically for metrics.
type Observer interface {
	ObserveCall(endpoint provider.Endpoint, kind provider.ErrorKind)
	ObserveCredits(n int64)
	ObserveSegment(status types.SegmentStatus)
	ObserveUnit(kind types.SegmentKind, d time.Duration, failed bool)
}

type nopObserver struct{}

func (nopObserver) ObserveCall(provider.Endpoint, provider.ErrorKind)  {}
func (nopObserver) ObserveCredits(int64)                               {}
func (nopObserver) ObserveSegment(types.SegmentStatus)                 {}
func (nopObserver) ObserveUnit(types.SegmentKind, time.Duration, bool) {}

// Config tunes one runner.
type Config struct {
	Workers       int
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers < 1 {
		c.Workers = DefaultWorkers
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	return c
}

// Deps are the collaborators of a runner.
type Deps struct {
	Client    provider.Client
	Gate      Gate
	Store     store.Store
	Segmenter *segmenter.Segmenter
	Observer  Observer
	// Clock paces retry backoff; the wall clock when nil.
	Clock ratelimit.Clock
	// OnTransition is called after every persisted status change.
	OnTransition func(job types.Job)
}

// Runner executes one job. Create it with New, start it with Run.
type Runner struct {
	cfg    Config
	client provider.Client
	gate   Gate
	store  store.Store
	seg    *segmenter.Segmenter
	obs    Observer
	clock  ratelimit.Clock
	notify func(types.Job)

	sub    search.Submission
	people map[string]search.Definition
	agg    *aggregator.Aggregator
	ledger credits.Ledger

	mu     sync.RWMutex // guards job and reason
	job    types.Job
	reason error

	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	jobCancel context.CancelFunc
	outcomes  chan aggregator.Outcome
}

// New returns a runner for job, which must be pending.
func New(job types.Job, deps Deps, cfg Config) *Runner {
	r := &Runner{
		cfg:      cfg.withDefaults(),
		client:   deps.Client,
		gate:     deps.Gate,
		store:    deps.Store,
		seg:      deps.Segmenter,
		obs:      deps.Observer,
		clock:    deps.Clock,
		notify:   deps.OnTransition,
		sub:      job.Submission,
		people:   make(map[string]search.Definition, len(job.Submission.People)),
		agg:      aggregator.New(job.ID),
		job:      job,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		outcomes: make(chan aggregator.Outcome),
	}
	if r.seg == nil {
		r.seg = segmenter.New()
	}
	if r.obs == nil {
		r.obs = nopObserver{}
	}
	if r.clock == nil {
		r.clock = ratelimit.SystemClock{}
	}
	for _, p := range job.Submission.People {
		r.people[p.Name] = p
	}
	return r
}

// ID returns the job id.
func (r *Runner) ID() types.JobID {
	return r.job.ID
}

// Stop requests a cooperative stop. It does not wait; use Done.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		r.mu.Lock()
		r.job.StopRequested = true
		r.mu.Unlock()
		close(r.stopCh)
	})
}

// Done is closed when Run has returned.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Job returns a copy of the job with live counters.
func (r *Runner) Job() types.Job {
	r.mu.RLock()
	job := r.job
	r.mu.RUnlock()

	r.agg.Counters().Apply(&job)
	job.CreditsUsed = r.ledger.Used()
	return job
}

// Progress returns the live status view of the job.
func (r *Runner) Progress() types.ProgressSnapshot {
	job := r.Job()
	snap := types.ProgressOf(&job)
	snap.Aggregates = r.agg.Aggregates()
	return snap
}

// fail records the first fatal error and aborts the job.
func (r *Runner) fail(err error) {
	r.mu.Lock()
	first := r.reason == nil
	if first {
		r.reason = err
	}
	r.mu.Unlock()
	if first {
		log.Error("job aborted", "job_id", r.job.ID, "error", err)
		r.jobCancel()
	}
}

func (r *Runner) failure() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reason
}

// fatal reports whether err must abort the job.
func fatal(err error) bool {
	return provider.Fatal(err) || errors.Is(err, ratelimit.ErrQuotaExhausted)
}

// ============================================================================
// Lifecycle
// ============================================================================

// Run executes the job and blocks until it reaches a terminal status. The
// returned error reports a lifecycle problem (invalid transition, store
// failure on the status row); job-level failures are reflected in the job
// status instead.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.done)

	persistCtx := context.WithoutCancel(ctx)
	jobCtx, cancel := context.WithCancel(ctx)
	r.jobCancel = cancel
	defer cancel()

	if r.stopped.Load() {
		return r.transition(persistCtx, types.JobStopped, "")
	}
	if err := r.transition(persistCtx, types.JobRunning, ""); err != nil {
		return err
	}
	log.Info("job started", "job_id", r.job.ID, "name", r.job.Name, "mode", r.sub.Mode, "workers", r.cfg.Workers)

	// limiter waits and probes stop on Stop; calls in flight use jobCtx
	stopCtx, stopCancel := context.WithCancel(jobCtx)
	defer stopCancel()
	go func() {
		select {
		case <-r.stopCh:
			stopCancel()
		case <-stopCtx.Done():
		}
	}()

	pool := worker.NewPool(
		worker.WithWorkers(r.cfg.Workers),
		worker.WithObserver(func(res worker.Result) {
			r.obs.ObserveUnit(types.SegmentKind(res.Kind), res.Duration, res.Failed())
		}),
	)
	if err := pool.Start(jobCtx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	defer pool.Stop()

	l := &loop{
		r:          r,
		ctx:        persistCtx,
		jobCtx:     jobCtx,
		stopCtx:    stopCtx,
		pool:       pool,
		open:       make(map[string]types.Segment),
		segmenting: r.sub.Company != nil,
	}
	l.run()

	status, reason := types.JobCompleted, ""
	switch {
	case r.failure() != nil:
		status, reason = types.JobFailed, r.failure().Error()
	case r.stopped.Load():
		status = types.JobStopped
	case ctx.Err() != nil:
		status, reason = types.JobFailed, fmt.Sprintf("interrupted: %v", ctx.Err())
	}
	if err := r.transition(persistCtx, status, reason); err != nil {
		return err
	}

	c := r.agg.Counters()
	log.Info("job finished",
		"job_id", r.job.ID,
		"status", status,
		"segments", c.SegmentsTotal,
		"failed", c.SegmentsFailed,
		"truncated", c.SegmentsTruncated,
		"companies", c.CompaniesFound,
		"credits_used", r.ledger.Used(),
		"reason", reason)
	return nil
}

// transition validates and persists a status change.
func (r *Runner) transition(ctx context.Context, to types.JobStatus, reason string) error {
	r.mu.Lock()
	if !jobmanager.CanTransition(r.job.Status, to) {
		from := r.job.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", jobmanager.ErrInvalidTransition, from, to)
	}
	now := time.Now()
	r.job.Status = to
	if reason != "" {
		r.job.ErrorMessage = reason
	}
	switch {
	case to == types.JobRunning:
		r.job.StartedAt = &now
	case to.Terminal():
		r.job.FinishedAt = &now
	}
	r.mu.Unlock()

	job := r.Job()
	if err := r.store.UpdateJob(ctx, &job); err != nil {
		return fmt.Errorf("persist job %s as %s: %w", job.ID, to, err)
	}
	if r.notify != nil {
		r.notify(job)
	}
	return nil
}

// flush persists the live counters.
func (r *Runner) flush(ctx context.Context) {
	job := r.Job()
	if err := r.store.UpdateJob(ctx, &job); err != nil {
		log.Warn("flush job counters failed", "job_id", job.ID, "error", err)
	}
}

// ============================================================================
// Provider calls
// ============================================================================

// call performs one provider call with the limiter, stop checks and
// network retries. It returns the credits billed across attempts.
func (r *Runner) call(ctx, gateCtx context.Context, req provider.Request) (*provider.Response, int64, error) {
	var billed int64
	for attempt := 0; ; attempt++ {
		if r.stopped.Load() {
			return nil, billed, ErrStopped
		}
		if err := r.gate.Acquire(gateCtx); err != nil {
			if gateCtx.Err() != nil {
				return nil, billed, r.cause(err)
			}
			return nil, billed, err
		}
		if r.stopped.Load() {
			return nil, billed, ErrStopped
		}

		resp, err := r.client.Search(ctx, req)
		r.obs.ObserveCall(req.Endpoint, provider.KindOf(err))
		if provider.Billed(err) {
			billed++
			r.ledger.Charge(1)
			r.obs.ObserveCredits(1)
		}
		if err == nil {
			return resp, billed, nil
		}
		if ctx.Err() != nil {
			return nil, billed, r.cause(err)
		}
		if !provider.Retryable(err) || attempt >= r.cfg.MaxRetries {
			return nil, billed, err
		}

		backoff := r.backoff(attempt)
		log.Debug("retrying provider call",
			"job_id", r.job.ID, "endpoint", req.Endpoint, "attempt", attempt+1, "backoff", backoff, "error", err)
		if err := r.clock.Sleep(gateCtx, backoff); err != nil {
			return nil, billed, r.cause(err)
		}
	}
}

// cause maps a cancellation to the reason the job is winding down.
func (r *Runner) cause(err error) error {
	if reason := r.failure(); reason != nil {
		return fmt.Errorf("%w: %v", ErrAborted, reason)
	}
	if r.stopped.Load() {
		return ErrStopped
	}
	return err
}

func (r *Runner) backoff(attempt int) time.Duration {
	d := r.cfg.BackoffBase << uint(attempt)
	if d <= 0 || d > r.cfg.BackoffMax {
		d = r.cfg.BackoffMax
	}
	return d
}

// probe counts a company search with a page-size-1 call.
func (r *Runner) probe(ctx, gateCtx context.Context, def search.Definition) (int64, int64, error) {
	resp, billed, err := r.call(ctx, gateCtx, provider.Request{
		Endpoint: provider.EndpointCompany,
		Filters:  def.Filters,
		Page:     1,
		PerPage:  1,
	})
	if provider.KindOf(err) == provider.KindNoResults {
		return 0, billed, nil
	}
	if err != nil {
		if fatal(err) {
			r.fail(err)
		}
		return 0, billed, err
	}
	return resp.TotalCount, billed, nil
}

// ============================================================================
// Units of work
// ============================================================================

// companyUnit reads every page of a company leaf. A truncated leaf stops
// at the result cap.
func (r *Runner) companyUnit(gateCtx context.Context, seg types.Segment, truncated bool) func(context.Context) error {
	maxPages := 0
	if truncated {
		maxPages = int(credits.Estimate(search.KindCompany, r.seg.ResultCap()))
		if maxPages < 1 {
			maxPages = 1
		}
	}
	return func(ctx context.Context) error {
		for page := 1; ; page++ {
			resp, billed, err := r.call(ctx, gateCtx, provider.Request{
				Endpoint: provider.EndpointCompany,
				Filters:  seg.Filters,
				Page:     page,
			})
			if err != nil {
				o := aggregator.Outcome{Segment: seg, Credits: billed, Final: true, TotalCount: seg.TotalCount}
				switch {
				case provider.KindOf(err) == provider.KindNoResults && page == 1:
					o.Result = aggregator.NotFound
				case provider.KindOf(err) == provider.KindNoResults:
					o.Result = aggregator.Success
					if truncated {
						o.Result = aggregator.Truncated
					}
				case errors.Is(err, ErrStopped) && page > 1:
					o.Result, o.Err = aggregator.Failure, fmt.Errorf("stopped after page %d", page-1)
				default:
					if fatal(err) {
						r.fail(err)
					}
					o.Result, o.Err = aggregator.Failure, err
				}
				r.outcomes <- o
				return err
			}

			companies := make([]provider.Company, 0, len(resp.Results))
			for _, row := range resp.Results {
				c, err := provider.CompanyFromRow(row)
				if err != nil {
					log.Warn("skipping company row", "job_id", seg.JobID, "segment_id", seg.ID, "page", page, "error", err)
					continue
				}
				companies = append(companies, c)
			}

			last := page >= resp.TotalPages || len(resp.Results) == 0 || (maxPages > 0 && page >= maxPages)
			o := aggregator.Outcome{
				Segment:    seg,
				Result:     aggregator.Success,
				Companies:  companies,
				TotalCount: resp.TotalCount,
				Credits:    billed,
				Final:      last,
			}
			if last && truncated {
				o.Result = aggregator.Truncated
			}
			r.outcomes <- o
			if last {
				return nil
			}
		}
	}
}

// personUnit counts the people of one company. A subdomain rejection is
// retried once against the registrable root domain.
func (r *Runner) personUnit(gateCtx context.Context, seg types.Segment, def search.Definition) func(context.Context) error {
	return func(ctx context.Context) error {
		scoped := search.ScopeToDomain(def, seg.Domain)
		resp, billed, err := r.call(ctx, gateCtx, provider.Request{
			Endpoint: provider.EndpointPerson,
			Filters:  scoped.Filters,
			Page:     1,
		})

		if provider.IsSubdomainError(err) {
			root, nerr := domain.Normalize(seg.Domain)
			if nerr != nil {
				r.outcomes <- aggregator.Outcome{Segment: seg, Result: aggregator.Failure, Err: nerr, Credits: billed, Final: true}
				return nerr
			}
			if root != seg.Domain {
				log.Debug("retrying person search on root domain", "job_id", seg.JobID, "from", seg.Domain, "to", root)
				seg.Domain = root
				seg.Filters = search.ScopeToDomain(def, root).Filters
				var more int64
				resp, more, err = r.call(ctx, gateCtx, provider.Request{
					Endpoint: provider.EndpointPerson,
					Filters:  seg.Filters,
					Page:     1,
				})
				billed += more
			}
		}

		o := aggregator.Outcome{Segment: seg, Credits: billed, Final: true}
		switch {
		case err == nil:
			o.Result, o.TotalCount = aggregator.Success, resp.TotalCount
		case provider.KindOf(err) == provider.KindNoResults:
			o.Result = aggregator.NotFound
		default:
			if fatal(err) {
				r.fail(err)
			}
			o.Result, o.Err = aggregator.Failure, err
		}
		r.outcomes <- o
		if o.Result == aggregator.Failure {
			return err
		}
		return nil
	}
}

// ============================================================================
// Segment construction
// ============================================================================

func (r *Runner) companySegment(n *segmenter.Node) types.Segment {
	return types.Segment{
		ID:         types.SegmentID(n.ID),
		JobID:      r.job.ID,
		ParentID:   types.SegmentID(n.ParentID()),
		Kind:       types.SegmentCompany,
		Filters:    n.Filters,
		Depth:      n.Depth,
		Leaf:       n.Leaf(),
		Status:     types.SegmentPending,
		TotalCount: n.Total,
	}
}

func (r *Runner) personSegment(parent types.SegmentID, def search.Definition, host string) types.Segment {
	return types.Segment{
		ID:       types.SegmentID(uuid.NewString()),
		JobID:    r.job.ID,
		ParentID: parent,
		Kind:     types.SegmentPerson,
		Name:     def.Name,
		Domain:   host,
		Filters:  search.ScopeToDomain(def, host).Filters,
		Leaf:     true,
		Status:   types.SegmentPending,
	}
}
