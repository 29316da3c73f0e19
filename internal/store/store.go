// ============================================================================
// Market-Sizer Store - Persistence Contract
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: Row append/update service shared by every storage engine
//
// Engines:
//   memory   - maps guarded by a mutex, optional JSON snapshot file
//   sqlite   - sqlx over the pure-Go modernc driver
//   postgres - pgxpool
//
// Ownership:
//   Only the runner that owns a job writes its segments and results. Reads
//   may come from any goroutine at any time.
//
// Rules every engine enforces:
//   1. Result ids are assigned by the store in insertion order
//   2. A segment in a terminal status is never updated again
//   3. ReadResults returns records in insertion order
//
// ============================================================================

package store

import (
	"context"
	"errors"

	"github.com/ChuLiYu/market-sizer/pkg/types"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicate     = errors.New("already exists")
	ErrSegmentClosed = errors.New("segment already in a terminal status")
)

const (
	DefaultPerPage = 100
	MaxPerPage     = 1000
)

// Store persists jobs, segments and result records.
type Store interface {
	CreateJob(ctx context.Context, job *types.Job) error
	UpdateJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, id types.JobID) (*types.Job, error)
	// ListJobs returns every job, oldest first.
	ListJobs(ctx context.Context) ([]types.Job, error)
	// FindJobByFingerprint returns the most recent completed job with the
	// given fingerprint, or ErrNotFound.
	FindJobByFingerprint(ctx context.Context, fingerprint string) (*types.Job, error)

	AppendSegments(ctx context.Context, segments []types.Segment) error
	UpdateSegment(ctx context.Context, segment types.Segment) error
	ListSegments(ctx context.Context, jobID types.JobID) ([]types.Segment, error)

	// AppendResult stores records and assigns their ids.
	AppendResult(ctx context.Context, records ...types.ResultRecord) error
	// ReadProgress returns the stored counters plus per-query aggregates.
	ReadProgress(ctx context.Context, jobID types.JobID) (types.ProgressSnapshot, error)
	ReadResults(ctx context.Context, jobID types.JobID, page, perPage int) (types.ResultPage, error)

	Close() error
}

// NormalizePage clamps paging arguments: pages start at 1 and perPage
// falls back to DefaultPerPage and never exceeds MaxPerPage.
func NormalizePage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	return page, perPage
}

// Offset returns the index of the first record of page.
func Offset(page, perPage int) int {
	return (page - 1) * perPage
}

// ReadAllResults pages through every record of a job.
func ReadAllResults(ctx context.Context, s Store, jobID types.JobID) ([]types.ResultRecord, error) {
	var out []types.ResultRecord
	for page := 1; ; page++ {
		p, err := s.ReadResults(ctx, jobID, page, MaxPerPage)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Records...)
		if len(p.Records) < MaxPerPage || int64(len(out)) >= p.Total {
			return out, nil
		}
	}
}
