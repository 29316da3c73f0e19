// ============================================================================
// Market-Sizer Result Aggregator - Outcome Folding
// ============================================================================
//
// Package: internal/aggregator
// File: aggregator.go
// Purpose: Fold per-unit outcomes into job counters and result rows
//
// Failures are data here. Every unit of work reports an Outcome, and Fold
// turns it into the rows to append and, for the last unit of a segment,
// the segment's terminal state:
//
//   Outcome.Result │ company segment          │ person segment
//   ───────────────┼──────────────────────────┼──────────────────────────
//   Success        │ one row per new company  │ person_count row, ok
//   NotFound       │ not_found row            │ person_count row, ok, 0
//   Truncated      │ rows, segment truncated  │ n/a
//   Failure        │ segment_error row        │ segment_error row
//
// Companies are deduplicated by provider id across all segments of a job.
//
// Counters are atomic so status polling can read them while the job's
// result loop is folding. Only one goroutine may call Fold.
//
// ============================================================================

package aggregator

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/market-sizer/internal/domain"
	"github.com/ChuLiYu/market-sizer/internal/provider"
	"github.com/ChuLiYu/market-sizer/pkg/types"
)

// Result is the per-unit outcome type.
type Result string

const (
	Success   Result = "success"
	NotFound  Result = "not_found"
	Truncated Result = "truncated"
	Failure   Result = "error"
)

// Outcome is what a unit of work reports back.
type Outcome struct {
	Segment types.Segment
	Result  Result
	// Companies holds the rows of a company page.
	Companies []provider.Company
	// TotalCount is the provider's total for the segment.
	TotalCount int64
	// Credits billed by this unit, retries included.
	Credits int64
	Err     error
	// Final marks the last unit of the segment.
	Final bool
}

// Discovered is a company seen for the first time in the job.
type Discovered struct {
	Company provider.Company
	Root    string
	// Err is set when the website could not be reduced to a root domain.
	Err error
}

// Folded is the effect of one outcome.
type Folded struct {
	Records    []types.ResultRecord
	Discovered []Discovered
	// Segment is set when the outcome closed the segment.
	Segment *types.Segment
}

// Counters is a point-in-time copy of the job counters.
type Counters struct {
	SegmentsTotal     int64
	SegmentsDone      int64
	SegmentsFailed    int64
	SegmentsTruncated int64
	CompaniesFound    int64
}

// Aggregator folds the outcomes of one job.
type Aggregator struct {
	jobID types.JobID

	total     atomic.Int64
	done      atomic.Int64
	failed    atomic.Int64
	truncated atomic.Int64
	companies atomic.Int64

	seen    map[string]struct{}
	credits map[types.SegmentID]int64

	mu         sync.Mutex
	aggregates map[string]int64
}

// New returns an aggregator for jobID.
func New(jobID types.JobID) *Aggregator {
	return &Aggregator{
		jobID:      jobID,
		seen:       make(map[string]struct{}),
		credits:    make(map[types.SegmentID]int64),
		aggregates: make(map[string]int64),
	}
}

// Expect adds n segments to the job total.
func (a *Aggregator) Expect(n int) {
	a.total.Add(int64(n))
}

// dedupKey identifies a company across leaves by provider id, else by
// website. A company with neither is never treated as a repeat.
func dedupKey(c provider.Company) (string, bool) {
	switch {
	case c.ID != "":
		return "id:" + c.ID, true
	case c.Website != "":
		return "website:" + c.Website, true
	}
	return "", false
}

// Fold applies one outcome.
func (a *Aggregator) Fold(o Outcome) Folded {
	var out Folded
	seg := o.Segment
	a.credits[seg.ID] += o.Credits

	switch {
	case o.Result == Failure:
		out.Records = append(out.Records, a.errorRecord(seg, o.Err))
	case seg.Kind == types.SegmentPerson:
		out.Records = append(out.Records, a.personRecord(seg, o))
	case o.Result == NotFound:
		out.Records = append(out.Records, types.ResultRecord{
			JobID:     a.jobID,
			SegmentID: seg.ID,
			Kind:      types.RecordCompany,
			Status:    types.ResultNotFound,
		})
	default:
		for _, c := range o.Companies {
			if key, ok := dedupKey(c); ok {
				if _, dup := a.seen[key]; dup {
					continue
				}
				a.seen[key] = struct{}{}
			}
			a.companies.Add(1)

			root, err := domain.Normalize(c.Website)
			out.Discovered = append(out.Discovered, Discovered{Company: c, Root: root, Err: err})
			out.Records = append(out.Records, types.ResultRecord{
				JobID:      a.jobID,
				SegmentID:  seg.ID,
				Kind:       types.RecordCompany,
				EntityID:   c.ID,
				Name:       c.Name,
				Domain:     root,
				TotalCount: 1,
				Payload:    c.Raw,
				Status:     types.ResultOK,
			})
		}
	}

	if o.Final {
		closed := seg
		closed.TotalCount = o.TotalCount
		closed.CreditsUsed = a.credits[seg.ID]
		delete(a.credits, seg.ID)

		switch o.Result {
		case Failure:
			closed.Status = types.SegmentError
			if o.Err != nil {
				closed.Error = o.Err.Error()
			}
			a.failed.Add(1)
		case Truncated:
			closed.Status = types.SegmentTruncated
			a.truncated.Add(1)
		default:
			closed.Status = types.SegmentDone
		}
		a.done.Add(1)
		out.Segment = &closed
	}
	return out
}

func (a *Aggregator) personRecord(seg types.Segment, o Outcome) types.ResultRecord {
	count := o.TotalCount
	if o.Result == NotFound {
		count = 0
	}
	a.mu.Lock()
	a.aggregates[seg.Name] += count
	a.mu.Unlock()

	return types.ResultRecord{
		JobID:      a.jobID,
		SegmentID:  seg.ID,
		Kind:       types.RecordPersonCount,
		Domain:     seg.Domain,
		QueryName:  seg.Name,
		TotalCount: count,
		Status:     types.ResultOK,
	}
}

func (a *Aggregator) errorRecord(seg types.Segment, err error) types.ResultRecord {
	rec := types.ResultRecord{
		JobID:     a.jobID,
		SegmentID: seg.ID,
		Kind:      types.RecordSegmentError,
		Domain:    seg.Domain,
		QueryName: seg.Name,
		Status:    types.ResultError,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

// Counters returns the current counters.
func (a *Aggregator) Counters() Counters {
	return Counters{
		SegmentsTotal:     a.total.Load(),
		SegmentsDone:      a.done.Load(),
		SegmentsFailed:    a.failed.Load(),
		SegmentsTruncated: a.truncated.Load(),
		CompaniesFound:    a.companies.Load(),
	}
}

// Apply copies the counters onto job.
func (c Counters) Apply(job *types.Job) {
	job.SegmentsTotal = c.SegmentsTotal
	job.SegmentsDone = c.SegmentsDone
	job.SegmentsFailed = c.SegmentsFailed
	job.SegmentsTruncated = c.SegmentsTruncated
	job.CompaniesFound = c.CompaniesFound
	if c.SegmentsTruncated > 0 {
		job.Truncated = true
	}
}

// Aggregates returns the summed person count per query name.
func (a *Aggregator) Aggregates() map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int64, len(a.aggregates))
	for k, v := range a.aggregates {
		out[k] = v
	}
	return out
}

// Summarize computes per-query aggregates from stored records. Stores use
// it to answer progress reads for jobs no longer held in memory.
func Summarize(records []types.ResultRecord) map[string]int64 {
	out := make(map[string]int64)
	for _, r := range records {
		if r.Kind == types.RecordPersonCount && r.Status == types.ResultOK {
			out[r.QueryName] += r.TotalCount
		}
	}
	return out
}

// QueryNames returns the sorted person query names present in records.
func QueryNames(records []types.ResultRecord) []string {
	set := make(map[string]struct{})
	for _, r := range records {
		if r.QueryName != "" {
			set[r.QueryName] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
