// ============================================================================
// Market-Sizer Controller - Service Facade
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: The upward surface of the engine. Owns the job registry, admits
//          jobs to runners and answers status, results, stop and estimate.
//
// Components:
//   - JobManager: in-process registry (pending queue, running set)
//   - Store:      durable jobs, segments and results
//   - Limiter:    the process-wide provider gate shared by every runner
//   - Runners:    one per running job, at most MaxConcurrentJobs
//   - Sweeper:    cron entry publishing gauges and admitting pending jobs
//
// Lifecycle:
//
//   Start ─► recover ─► admit ─► cron sweeper
//              │
//              └─ jobs left running or pending by a previous process are
//                 marked failed ("interrupted by restart"); rows stay readable
//
//   Submit ─► store.CreateJob ─► registry.Enqueue ─► admit
//                                                      │
//                           runner.Run (goroutine) ◄───┘
//                               │ status changes
//                               ▼
//                           registry.Transition, metrics
//                               │ on exit
//                               ▼
//                           admit next pending job
//
//   Close ─► stop cron ─► Stop every runner ─► wait (bounded by ctx)
//
// Reads prefer the live runner (counters in memory) and fall back to the
// store for jobs that are not running.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/market-sizer/internal/credits"
	"github.com/ChuLiYu/market-sizer/internal/export"
	"github.com/ChuLiYu/market-sizer/internal/jobmanager"
	"github.com/ChuLiYu/market-sizer/internal/metrics"
	"github.com/ChuLiYu/market-sizer/internal/provider"
	"github.com/ChuLiYu/market-sizer/internal/ratelimit"
	"github.com/ChuLiYu/market-sizer/internal/runner"
	"github.com/ChuLiYu/market-sizer/internal/segmenter"
	"github.com/ChuLiYu/market-sizer/internal/store"
	"github.com/ChuLiYu/market-sizer/pkg/search"
	"github.com/ChuLiYu/market-sizer/pkg/types"
)

var log = slog.Default()

var (
	ErrJobNotFound = errors.New("job not found")
	ErrClosed      = errors.New("service closed")
)

const (
	DefaultMaxConcurrentJobs = 4
	DefaultSweepSchedule     = "@every 1m"

	interruptedReason = "interrupted by restart"
)

// ============================================================================
// Configuration
// ============================================================================

// Config tunes the service.
type Config struct {
	MaxConcurrentJobs int
	SweepSchedule     string
	Runner            runner.Config
}

// Limiter is the provider gate shared by all jobs.
type Limiter interface {
	Acquire(ctx context.Context) error
	Usage(ctx context.Context) (ratelimit.Usage, error)
}

// Deps are the collaborators of the service. Metrics and Clock are
// optional.
type Deps struct {
	Store     store.Store
	Client    provider.Client
	Limiter   Limiter
	Segmenter *segmenter.Segmenter
	Metrics   *metrics.Collector
	Clock     ratelimit.Clock
}

// Service is the engine facade.
type Service struct {
	cfg     Config
	store   store.Store
	client  provider.Client
	limiter Limiter
	seg     *segmenter.Segmenter
	metrics *metrics.Collector
	clock   ratelimit.Clock

	jobs *jobmanager.JobManager
	cron *cron.Cron

	mu      sync.Mutex // guards runners and closed; held while admitting
	runners map[types.JobID]*runner.Runner
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a service. Call Start before submitting.
func New(deps Deps, cfg Config) (*Service, error) {
	if deps.Store == nil || deps.Client == nil || deps.Limiter == nil {
		return nil, errors.New("controller: store, client and limiter are required")
	}
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	if deps.Segmenter == nil {
		deps.Segmenter = segmenter.New()
	}
	if deps.Clock == nil {
		deps.Clock = ratelimit.SystemClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:     cfg,
		store:   deps.Store,
		client:  deps.Client,
		limiter: deps.Limiter,
		seg:     deps.Segmenter,
		metrics: deps.Metrics,
		clock:   deps.Clock,
		jobs:    jobmanager.NewJobManager(),
		cron:    cron.New(),
		runners: make(map[types.JobID]*runner.Runner),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start recovers jobs left behind by a previous process, then starts the
// sweeper.
func (s *Service) Start(ctx context.Context) error {
	start := time.Now()
	recovered, err := s.recover(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	log.Info("recovery completed", "duration", time.Since(start), "interrupted_jobs", recovered)

	if _, err := s.cron.AddFunc(s.cfg.SweepSchedule, s.sweep); err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}
	s.cron.Start()
	s.sweep()
	return nil
}

// recover loads every stored job into the registry and fails those that
// were left non-terminal.
func (s *Service) recover(ctx context.Context) (int, error) {
	stored, err := s.store.ListJobs(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, job := range stored {
		if !job.Status.Terminal() {
			now := time.Now().UTC()
			job.Status = types.JobFailed
			job.ErrorMessage = interruptedReason
			job.FinishedAt = &now
			if err := s.store.UpdateJob(ctx, &job); err != nil {
				return n, fmt.Errorf("mark job %s interrupted: %w", job.ID, err)
			}
			log.Warn("job interrupted by restart", "job_id", job.ID, "name", job.Name)
			n++
		}
		if err := s.jobs.Track(job); err != nil && !errors.Is(err, jobmanager.ErrDuplicateJob) {
			return n, err
		}
	}
	return n, nil
}

// Close stops the sweeper, asks every runner to stop and waits for them
// until ctx is done.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if running := s.jobs.Running(); len(running) > 0 {
		log.Info("stopping runners", "jobs", running)
	}
	for _, r := range s.runners {
		r.Stop()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for runners: %w", ctx.Err())
	}
	s.cancel()
	<-done
	log.Info("service closed")
	return err
}

// ============================================================================
// Jobs
// ============================================================================

// SubmitJSON parses and validates a submission document, then submits it.
func (s *Service) SubmitJSON(ctx context.Context, data []byte) (types.JobID, error) {
	sub, err := search.ParseSubmission(data)
	if err != nil {
		return "", err
	}
	return s.Submit(ctx, sub)
}

// Submit registers a job and starts it as soon as a slot is free. With
// ReuseExisting set, the id of a completed job with the same fingerprint
// is returned instead and nothing is spent.
func (s *Service) Submit(ctx context.Context, sub search.Submission) (types.JobID, error) {
	if sub.Mode == "" {
		sub.Mode = search.ModeDetailed
	}
	if err := sub.Validate(); err != nil {
		return "", err
	}
	fingerprint := search.Fingerprint(sub)

	if sub.ReuseExisting {
		prev, err := s.store.FindJobByFingerprint(ctx, fingerprint)
		switch {
		case err == nil:
			log.Info("reusing completed job", "job_id", prev.ID, "fingerprint", fingerprint)
			return prev.ID, nil
		case !errors.Is(err, store.ErrNotFound):
			return "", fmt.Errorf("find job by fingerprint: %w", err)
		}
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	job := types.Job{
		ID:          types.JobID(uuid.NewString()),
		Name:        sub.Name,
		Mode:        sub.Mode,
		Fingerprint: fingerprint,
		Submission:  sub,
		Status:      types.JobPending,
		CreatedAt:   time.Now().UTC(),
	}
	job.CreditsEstimated = credits.Plan(sub, 0, 0).Total

	if err := s.store.CreateJob(ctx, &job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	if err := s.jobs.Enqueue(job); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	log.Info("job submitted", "job_id", job.ID, "name", job.Name, "mode", job.Mode, "fingerprint", fingerprint)

	s.admit()
	return job.ID, nil
}

// admit starts pending jobs while runner slots are free.
func (s *Service) admit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.closed && len(s.runners) < s.cfg.MaxConcurrentJobs {
		job := s.jobs.PopPending()
		if job == nil {
			return
		}
		s.startLocked(*job)
	}
}

func (s *Service) startLocked(job types.Job) {
	deps := runner.Deps{
		Client:       s.client,
		Gate:         s.limiter,
		Store:        s.store,
		Segmenter:    s.seg,
		Clock:        s.clock,
		OnTransition: s.onTransition,
	}
	if s.metrics != nil {
		deps.Observer = s.metrics
	}
	r := runner.New(job, deps, s.cfg.Runner)
	s.runners[job.ID] = r

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := r.Run(s.ctx); err != nil {
			log.Error("runner failed", "job_id", job.ID, "error", err)
		}

		s.mu.Lock()
		delete(s.runners, job.ID)
		s.mu.Unlock()
		s.admit()
	}()
}

// onTransition mirrors a runner's status change into the registry.
func (s *Service) onTransition(job types.Job) {
	if err := s.jobs.Transition(job.ID, job.Status, job.ErrorMessage); err != nil {
		log.Warn("registry transition rejected", "job_id", job.ID, "status", job.Status, "error", err)
	}
	if s.metrics != nil && job.Status.Terminal() {
		s.metrics.RecordJob(job.Status)
	}
}

func (s *Service) runner(id types.JobID) (*runner.Runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	return r, ok
}

// Job returns the job, with live counters when it is running.
func (s *Service) Job(ctx context.Context, id types.JobID) (types.Job, error) {
	if r, ok := s.runner(id); ok {
		return r.Job(), nil
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return types.Job{}, notFound(id, err)
	}
	return *job, nil
}

// Status returns the progress of a job.
func (s *Service) Status(ctx context.Context, id types.JobID) (types.ProgressSnapshot, error) {
	if r, ok := s.runner(id); ok {
		return r.Progress(), nil
	}
	p, err := s.store.ReadProgress(ctx, id)
	if err != nil {
		return types.ProgressSnapshot{}, notFound(id, err)
	}
	return p, nil
}

// Results returns one page of a job's records in insertion order. Rows of
// running jobs are readable while the job progresses.
func (s *Service) Results(ctx context.Context, id types.JobID, page, perPage int) (types.ResultPage, error) {
	if _, err := s.Job(ctx, id); err != nil {
		return types.ResultPage{}, err
	}
	return s.store.ReadResults(ctx, id, page, perPage)
}

// Segments returns the segments of a job in creation order.
func (s *Service) Segments(ctx context.Context, id types.JobID) ([]types.Segment, error) {
	if _, err := s.Job(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListSegments(ctx, id)
}

// List returns every job, oldest first, with live counters for running
// jobs.
func (s *Service) List(ctx context.Context) ([]types.Job, error) {
	stored, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.Job, 0, len(stored))
	for _, job := range stored {
		if r, ok := s.runner(job.ID); ok {
			out = append(out, r.Job())
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// Stop requests a cooperative stop. A pending job is stopped at once; a
// running job stops once its in-flight calls return. Stopping a finished
// job is a no-op.
func (s *Service) Stop(ctx context.Context, id types.JobID) error {
	s.mu.Lock()
	if r, ok := s.runners[id]; ok {
		s.mu.Unlock()
		log.Info("stop requested", "job_id", id)
		r.Stop()
		return nil
	}
	defer s.mu.Unlock()

	status, err := s.jobs.RequestStop(id)
	if errors.Is(err, jobmanager.ErrJobNotFound) {
		if _, err := s.store.GetJob(ctx, id); err != nil {
			return notFound(id, err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if status != types.JobPending {
		return nil
	}

	if err := s.jobs.Transition(id, types.JobStopped, ""); err != nil {
		return err
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return notFound(id, err)
	}
	now := time.Now().UTC()
	job.Status = types.JobStopped
	job.StopRequested = true
	job.FinishedAt = &now
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist stopped job: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordJob(types.JobStopped)
	}
	log.Info("pending job stopped", "job_id", id)
	return nil
}

// Wait blocks until the job is no longer running or ctx is done.
func (s *Service) Wait(ctx context.Context, id types.JobID) (types.Job, error) {
	for {
		if r, ok := s.runner(id); ok {
			select {
			case <-r.Done():
			case <-ctx.Done():
				return types.Job{}, ctx.Err()
			}
		}
		job, err := s.Job(ctx, id)
		if err != nil {
			return types.Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		// pending: not admitted yet
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return types.Job{}, ctx.Err()
		}
	}
}

// ============================================================================
// Estimate and export
// ============================================================================

// Estimate predicts the credit cost of sub. A company search is probed
// with one billed count-only call through the limiter.
func (s *Service) Estimate(ctx context.Context, sub search.Submission) (credits.Breakdown, error) {
	if sub.Mode == "" {
		sub.Mode = search.ModeDetailed
	}
	if err := sub.Validate(); err != nil {
		return credits.Breakdown{}, err
	}
	if sub.Company == nil {
		return credits.Plan(sub, 0, 0), nil
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return credits.Breakdown{}, fmt.Errorf("acquire limiter: %w", err)
	}
	resp, err := s.client.Search(ctx, provider.Request{
		Endpoint: provider.EndpointCompany,
		Filters:  sub.Company.Filters,
		Page:     1,
		PerPage:  1,
	})
	if s.metrics != nil {
		s.metrics.ObserveCall(provider.EndpointCompany, provider.KindOf(err))
		if provider.Billed(err) {
			s.metrics.ObserveCredits(1)
		}
	}

	var total int64
	switch {
	case err == nil:
		total = resp.TotalCount
	case provider.KindOf(err) == provider.KindNoResults:
	default:
		return credits.Breakdown{}, fmt.Errorf("probe company search: %w", err)
	}
	return credits.Plan(sub, total, s.seg.Readable(sub.Company.Filters, total)), nil
}

// Export renders a job's results to w.
func (s *Service) Export(ctx context.Context, id types.JobID, format export.Format, w io.Writer) error {
	segments, err := s.Segments(ctx, id)
	if err != nil {
		return err
	}
	records, err := store.ReadAllResults(ctx, s.store, id)
	if err != nil {
		return fmt.Errorf("read results: %w", err)
	}
	table := export.Build(segments, records)
	if err := export.Write(w, format, table); err != nil {
		return err
	}
	log.Info("job exported", "job_id", id, "format", format, "rows", len(table.Rows))
	return nil
}

// ============================================================================
// Sweeper
// ============================================================================

// sweep publishes gauges and admits pending jobs. It runs on the cron
// schedule and once at start.
func (s *Service) sweep() {
	stats := s.jobs.Stats()
	if s.metrics != nil {
		s.metrics.UpdateJobStats(stats[string(types.JobPending)], stats[string(types.JobRunning)])

		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		usage, err := s.limiter.Usage(ctx)
		cancel()
		if err != nil {
			log.Warn("read limiter usage failed", "error", err)
		} else {
			s.metrics.UpdateDailyWindow(usage.Day, usage.DayLimit)
		}
	}
	log.Debug("sweep", "pending", stats[string(types.JobPending)], "running", stats[string(types.JobRunning)])
	s.admit()
}

// Stats returns the number of registered jobs per status.
func (s *Service) Stats() map[string]int {
	return s.jobs.Stats()
}

func notFound(id types.JobID, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return err
}
