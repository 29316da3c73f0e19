// Package types defines the core domain model shared by the engine, the
// stores and the transport adapters.
package types

import (
	"encoding/json"
	"time"

	"github.com/ChuLiYu/market-sizer/pkg/search"
)

// JobID uniquely identifies a job.
type JobID string

// SegmentID uniquely identifies a segment within the whole system.
type SegmentID string

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"   // submitted, waiting for a runner slot
	JobRunning   JobStatus = "running"   // owned by a runner
	JobCompleted JobStatus = "completed" // every segment reached a terminal status
	JobFailed    JobStatus = "failed"    // aborted by an account-level error
	JobStopped   JobStatus = "stopped"   // stopped on request
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobStopped
}

// SegmentStatus is the lifecycle state of a segment.
type SegmentStatus string

const (
	SegmentPending   SegmentStatus = "pending"
	SegmentRunning   SegmentStatus = "running"
	SegmentDone      SegmentStatus = "done"
	SegmentError     SegmentStatus = "error"
	SegmentTruncated SegmentStatus = "truncated"
)

// Terminal reports whether the segment may no longer change.
func (s SegmentStatus) Terminal() bool {
	return s == SegmentDone || s == SegmentError || s == SegmentTruncated
}

// SegmentKind tells which endpoint a segment is executed against.
type SegmentKind string

const (
	SegmentCompany SegmentKind = "company"
	SegmentPerson  SegmentKind = "person"
)

// ResultStatus is the per-row outcome, independent of the job status.
type ResultStatus string

const (
	ResultOK       ResultStatus = "ok"
	ResultNotFound ResultStatus = "not_found"
	ResultError    ResultStatus = "error"
)

// RecordKind tells what a ResultRecord describes.
type RecordKind string

const (
	RecordCompany      RecordKind = "company"
	RecordPersonCount  RecordKind = "person_count"
	RecordSegmentError RecordKind = "segment_error"
)

// Job is the aggregate root. Counters are written only by the runner that
// owns the job.
type Job struct {
	ID          JobID             `json:"id"`
	Name        string            `json:"name"`
	Mode        search.Mode       `json:"mode"`
	Fingerprint string            `json:"fingerprint"`
	Submission  search.Submission `json:"submission"`

	Status        JobStatus `json:"status"`
	StopRequested bool      `json:"stop_requested"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Truncated     bool      `json:"truncated"`

	SegmentsTotal     int64 `json:"segments_total"`
	SegmentsDone      int64 `json:"segments_done"`
	SegmentsFailed    int64 `json:"segments_failed"`
	SegmentsTruncated int64 `json:"segments_truncated"`
	CompaniesFound    int64 `json:"companies_found"`

	CreditsEstimated int64 `json:"credits_estimated"`
	CreditsUsed      int64 `json:"credits_used"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Segment is one node of a segmentation tree, or a person-count unit.
type Segment struct {
	ID       SegmentID   `json:"id"`
	JobID    JobID       `json:"job_id"`
	ParentID SegmentID   `json:"parent_id,omitempty"`
	Kind     SegmentKind `json:"kind"`
	Name     string      `json:"name,omitempty"`   // person search name
	Domain   string      `json:"domain,omitempty"` // person search target

	Filters search.Filters `json:"filters,omitempty"`
	Depth   int            `json:"depth"`
	Leaf    bool           `json:"leaf"`

	Status      SegmentStatus `json:"status"`
	TotalCount  int64         `json:"total_count"`
	CreditsUsed int64         `json:"credits_used"`
	Error       string        `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResultRecord is an append-only row: a discovered company, a person
// count, or a segment-level error.
type ResultRecord struct {
	ID         int64           `json:"id"`
	JobID      JobID           `json:"job_id"`
	SegmentID  SegmentID       `json:"segment_id"`
	Kind       RecordKind      `json:"kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Domain     string          `json:"domain,omitempty"` // normalized root domain
	QueryName  string          `json:"query_name,omitempty"`
	TotalCount int64           `json:"total_count"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     ResultStatus    `json:"status"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ProgressSnapshot is the read model returned by status polling.
type ProgressSnapshot struct {
	JobID             JobID            `json:"job_id"`
	Name              string           `json:"name"`
	Status            JobStatus        `json:"status"`
	SegmentsTotal     int64            `json:"segments_total"`
	SegmentsDone      int64            `json:"segments_done"`
	SegmentsFailed    int64            `json:"segments_failed"`
	SegmentsTruncated int64            `json:"segments_truncated"`
	CompaniesFound    int64            `json:"companies_found"`
	CreditsEstimated  int64            `json:"credits_estimated"`
	CreditsUsed       int64            `json:"credits_used"`
	Truncated         bool             `json:"truncated"`
	ErrorMessage      string           `json:"error_message,omitempty"`
	Aggregates        map[string]int64 `json:"aggregates,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	StartedAt         *time.Time       `json:"started_at,omitempty"`
	FinishedAt        *time.Time       `json:"finished_at,omitempty"`
}

// ProgressOf builds the snapshot view of a job.
func ProgressOf(j *Job) ProgressSnapshot {
	return ProgressSnapshot{
		JobID:             j.ID,
		Name:              j.Name,
		Status:            j.Status,
		SegmentsTotal:     j.SegmentsTotal,
		SegmentsDone:      j.SegmentsDone,
		SegmentsFailed:    j.SegmentsFailed,
		SegmentsTruncated: j.SegmentsTruncated,
		CompaniesFound:    j.CompaniesFound,
		CreditsEstimated:  j.CreditsEstimated,
		CreditsUsed:       j.CreditsUsed,
		Truncated:         j.Truncated,
		ErrorMessage:      j.ErrorMessage,
		CreatedAt:         j.CreatedAt,
		StartedAt:         j.StartedAt,
		FinishedAt:        j.FinishedAt,
	}
}

// ResultPage is one page of a job's records in insertion order.
type ResultPage struct {
	JobID   JobID          `json:"job_id"`
	Page    int            `json:"page"`
	PerPage int            `json:"per_page"`
	Total   int64          `json:"total"`
	Records []ResultRecord `json:"records"`
}

// SnapshotData is the on-disk image of the in-memory store.
type SnapshotData struct {
	Jobs      map[JobID]*Job           `json:"jobs"`
	Segments  map[JobID][]Segment      `json:"segments"`
	Results   map[JobID][]ResultRecord `json:"results"`
	NextID    int64                    `json:"next_id"`
	WALSeq    uint64                   `json:"wal_seq"` // last journal event the image includes
	SchemaVer int                      `json:"schema_ver"`
}
