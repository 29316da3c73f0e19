// Package credits maps searches and observed counts to provider credits
// and keeps the billed-call ledger of a job.
package credits

import (
	"sync/atomic"

	"github.com/ChuLiYu/market-sizer/pkg/search"
)

// PageSize is the number of company rows the provider returns per page.
// One page costs one credit.
const PageSize = 25

// Estimate returns the credits needed to read totalCount results of a
// search of the given kind. A person search is a single count-only call
// and always costs one credit.
func Estimate(kind search.Kind, totalCount int64) int64 {
	if kind == search.KindPerson {
		return 1
	}
	if totalCount <= 0 {
		return 0
	}
	return (totalCount + PageSize - 1) / PageSize
}

// Breakdown is a pre-run estimate split into its parts.
type Breakdown struct {
	Companies     int64 `json:"companies"`
	Probe         int64 `json:"probe"`
	CompanyPages  int64 `json:"company_pages"`
	PersonQueries int64 `json:"person_queries"`
	Total         int64 `json:"total"`
}

// Plan estimates a whole submission from the probed company total. The
// probe that produced totalCount is itself billed and counted. readable is
// the part of totalCount the segmentation can reach; a search that cannot
// be split below the result cap is read only up to the cap. Values outside
// [0, totalCount] mean all of it.
func Plan(sub search.Submission, totalCount, readable int64) Breakdown {
	if readable < 0 || readable > totalCount {
		readable = totalCount
	}
	var b Breakdown
	if sub.Company != nil {
		b.Probe = 1
		b.Companies = totalCount
		b.CompanyPages = Estimate(search.KindCompany, readable)
	}
	if sub.RunsPeople() {
		targets := readable + int64(len(sub.Targets))
		b.PersonQueries = targets * int64(len(sub.People)) * Estimate(search.KindPerson, 0)
	}
	b.Total = b.Probe + b.CompanyPages + b.PersonQueries
	return b
}

// Ledger counts billed calls. It is safe for concurrent use.
type Ledger struct {
	used atomic.Int64
}

// Charge records n billed calls and returns the new total.
func (l *Ledger) Charge(n int64) int64 {
	return l.used.Add(n)
}

// Used returns the number of billed calls so far.
func (l *Ledger) Used() int64 {
	return l.used.Load()
}
