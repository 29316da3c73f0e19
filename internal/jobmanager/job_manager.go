// ============================================================================
// Market-Sizer Job Manager - Job Lifecycle Registry
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: Track every job of the process and enforce the legal status
//          transitions
//
// Design:
//   1. jobs map - single source of truth for the lifecycle status
//   2. queue    - FIFO of pending jobs waiting for a runner slot
//   3. running  - index of jobs currently owned by a runner
//
//   Counters and rows live in the store; this registry only answers "which
//   jobs exist, in what state, and who is next".
//
// State Machine:
//
//   Pending ──Start──► Running ──► Completed
//      │                  │   └──► Failed
//      │                  └──────► Stopped
//      ├──────────────────────────► Stopped (stopped before a slot freed)
//      └──────────────────────────► Failed  (interrupted by restart)
//
//   Completed, Failed and Stopped are terminal.
//
// Concurrency:
//   sync.RWMutex guards every structure. Returned jobs are copies.
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/market-sizer/pkg/types"
)

var (
	ErrDuplicateJob      = errors.New("job already exists")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

var validTransitions = map[types.JobStatus][]types.JobStatus{
	types.JobPending: {types.JobRunning, types.JobStopped, types.JobFailed},
	types.JobRunning: {types.JobCompleted, types.JobFailed, types.JobStopped},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to types.JobStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// JobManager is the in-process job registry. It is safe for concurrent use.
type JobManager struct {
	mu      sync.RWMutex
	jobs    map[types.JobID]*types.Job
	queue   []types.JobID
	running map[types.JobID]struct{}
	now     func() time.Time
}

// NewJobManager returns an empty registry.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:    make(map[types.JobID]*types.Job),
		queue:   make([]types.JobID, 0),
		running: make(map[types.JobID]struct{}),
		now:     time.Now,
	}
}

// Enqueue registers a new job as pending at the back of the queue.
//
// Errors:
//   - ErrDuplicateJob: the id is already registered
func (jm *JobManager) Enqueue(job types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}
	job.Status = types.JobPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = jm.now()
	}
	jm.jobs[job.ID] = &job
	jm.queue = append(jm.queue, job.ID)
	return nil
}

// Track registers a job loaded from a store without queueing it. Pending
// jobs are queued; running jobs are indexed as running.
func (jm *JobManager) Track(job types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}
	jm.index(&job)
	return nil
}

func (jm *JobManager) index(job *types.Job) {
	jm.jobs[job.ID] = job
	switch job.Status {
	case types.JobPending:
		jm.queue = append(jm.queue, job.ID)
	case types.JobRunning:
		jm.running[job.ID] = struct{}{}
	}
}

// PopPending removes the oldest pending job from the queue and returns a
// copy of it. Its status is unchanged; call Start to claim it.
func (jm *JobManager) PopPending() *types.Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for len(jm.queue) > 0 {
		id := jm.queue[0]
		jm.queue = jm.queue[1:]
		if job, ok := jm.jobs[id]; ok && job.Status == types.JobPending {
			cp := *job
			return &cp
		}
	}
	return nil
}

// Start moves a pending job to running.
func (jm *JobManager) Start(id types.JobID) error {
	return jm.Transition(id, types.JobRunning, "")
}

// Transition moves a job to status. reason is kept as the job's error
// message when non-empty.
//
// Errors:
//   - ErrJobNotFound: the id is not registered
//   - ErrInvalidTransition: the move is not in the transition table
func (jm *JobManager) Transition(id types.JobID, to types.JobStatus, reason string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if !CanTransition(job.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
	}

	now := jm.now()
	if job.Status == types.JobPending {
		jm.dequeue(id)
	}
	job.Status = to
	if reason != "" {
		job.ErrorMessage = reason
	}
	switch {
	case to == types.JobRunning:
		job.StartedAt = &now
		jm.running[id] = struct{}{}
	case to.Terminal():
		job.FinishedAt = &now
		delete(jm.running, id)
	}
	return nil
}

func (jm *JobManager) dequeue(id types.JobID) {
	for i, qid := range jm.queue {
		if qid == id {
			jm.queue = append(jm.queue[:i], jm.queue[i+1:]...)
			return
		}
	}
}

// RequestStop flags a job for stopping and returns its status at the time
// of the request.
func (jm *JobManager) RequestStop(id types.JobID) (types.JobStatus, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return "", ErrJobNotFound
	}
	if !job.Status.Terminal() {
		job.StopRequested = true
	}
	return job.Status, nil
}

// GetJob returns a copy of the job.
func (jm *JobManager) GetJob(id types.JobID) (types.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return types.Job{}, ErrJobNotFound
	}
	return *job, nil
}

// RunningCount returns the number of jobs owned by a runner.
func (jm *JobManager) RunningCount() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.running)
}

// Running returns the ids of running jobs.
func (jm *JobManager) Running() []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	ids := make([]types.JobID, 0, len(jm.running))
	for id := range jm.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stats returns the number of jobs per status.
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[string]int{
		string(types.JobPending):   0,
		string(types.JobRunning):   0,
		string(types.JobCompleted): 0,
		string(types.JobFailed):    0,
		string(types.JobStopped):   0,
	}
	for _, job := range jm.jobs {
		stats[string(job.Status)]++
	}
	return stats
}
