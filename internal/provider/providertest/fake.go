// Package providertest offers in-process stand-ins for the search
// provider: a scripted Fake and a simulated Market that answers searches
// from a generated company population.
package providertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/market-sizer/internal/provider"
	"github.com/ChuLiYu/market-sizer/pkg/search"
)

// Handler answers one request.
type Handler func(req provider.Request) (*provider.Response, error)

// Fake is a provider.Client driven by a Handler. It records every call.
type Fake struct {
	Handler Handler
	// Delay is applied to every call before the handler runs.
	Delay time.Duration

	mu    sync.Mutex
	calls []provider.Request
}

// Search implements provider.Client.
func (f *Fake) Search(ctx context.Context, req provider.Request) (*provider.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, provider.Request{Endpoint: req.Endpoint, Filters: req.Filters.Clone(), Page: req.Page, PerPage: req.PerPage})
	f.mu.Unlock()

	if f.Delay > 0 {
		timer := time.NewTimer(f.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, &provider.Error{Kind: provider.KindNetwork, Err: ctx.Err()}
		}
	}
	if f.Handler == nil {
		return &provider.Response{Page: req.Page, PerPage: 25}, nil
	}
	return f.Handler(req)
}

// Calls returns a copy of the recorded requests.
func (f *Fake) Calls() []provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Request(nil), f.calls...)
}

// CallCount returns the number of calls made to endpoint.
func (f *Fake) CallCount(endpoint provider.Endpoint) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Endpoint == endpoint {
			n++
		}
	}
	return n
}

// ============================================================================
// Simulated market
// ============================================================================

// Filter names understood by Market.
const (
	FilterHeadcount      = "company_headcount"
	FilterLocation       = "company_location_search"
	FilterHeadcountBands = "company_headcount_range"
)

// SimCompany is one company of the simulated population.
type SimCompany struct {
	ID        string
	Name      string
	Website   string
	Country   string
	Headcount int
}

// Market answers company searches by filtering Companies and person
// searches from People, keyed by the scoped website.
type Market struct {
	Companies []SimCompany
	People    map[string]int64
	// PersonErrors forces an error for a scoped website.
	PersonErrors map[string]error
}

// NewMarket generates n companies spread over countries and a headcount
// range of 1..maxHeadcount. Websites are unique root domains.
func NewMarket(n int, countries []string, maxHeadcount int) *Market {
	m := &Market{People: make(map[string]int64)}
	for i := 0; i < n; i++ {
		website := fmt.Sprintf("company%d.com", i)
		m.Companies = append(m.Companies, SimCompany{
			ID:        strconv.Itoa(i + 1),
			Name:      fmt.Sprintf("Company %d", i),
			Website:   website,
			Country:   countries[i%len(countries)],
			Headcount: 1 + (i*7919)%maxHeadcount,
		})
		m.People[website] = int64(i % 5)
	}
	return m
}

// Handler returns the Market as a Fake handler.
func (m *Market) Handler() Handler {
	return func(req provider.Request) (*provider.Response, error) {
		if req.Endpoint == provider.EndpointPerson {
			return m.person(req)
		}
		return m.company(req)
	}
}

// Count returns the number of companies matching filters.
func (m *Market) Count(filters search.Filters) int64 {
	return int64(len(m.match(filters)))
}

func (m *Market) match(filters search.Filters) []SimCompany {
	var out []SimCompany
	for _, c := range m.Companies {
		if matches(c, filters) {
			out = append(out, c)
		}
	}
	return out
}

func (m *Market) company(req provider.Request) (*provider.Response, error) {
	matched := m.match(req.Filters)
	if len(matched) == 0 {
		return nil, &provider.Error{Kind: provider.KindNoResults, Code: "NO_RESULTS", Status: 400}
	}

	page := req.Page
	if page < 1 {
		page = 1
	}
	perPage := 25
	if req.PerPage > 0 {
		perPage = req.PerPage
	}
	start := (page - 1) * perPage
	end := start + perPage
	if start > len(matched) {
		start = len(matched)
	}
	if end > len(matched) {
		end = len(matched)
	}

	resp := &provider.Response{
		Page:       page,
		PerPage:    perPage,
		TotalCount: int64(len(matched)),
		TotalPages: (len(matched) + perPage - 1) / perPage,
	}
	for _, c := range matched[start:end] {
		row, _ := json.Marshal(map[string]any{
			"company": map[string]any{
				"company_id": c.ID,
				"name":       c.Name,
				"domain":     c.Website,
				"country":    c.Country,
				"headcount":  c.Headcount,
			},
		})
		resp.Results = append(resp.Results, row)
	}
	return resp, nil
}

func (m *Market) person(req provider.Request) (*provider.Response, error) {
	website, err := search.ScopedDomain(search.Definition{Filters: req.Filters})
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindInvalidFilters, Code: "INVALID_FILTERS", Status: 400, Message: err.Error()}
	}
	if e, ok := m.PersonErrors[website]; ok {
		return nil, e
	}
	if strings.Count(website, ".") > 1 && !strings.Contains(website, ".co.") {
		return nil, &provider.Error{
			Kind:    provider.KindInvalidFilters,
			Code:    "INVALID_FILTERS",
			Status:  400,
			Message: "Subdomains are not supported, please use the root domain",
		}
	}
	count, ok := m.People[website]
	if !ok || count == 0 {
		return nil, &provider.Error{Kind: provider.KindNoResults, Code: "NO_RESULTS", Status: 400}
	}
	return &provider.Response{Page: 1, PerPage: 25, TotalCount: count, TotalPages: int((count + 24) / 25)}, nil
}

func matches(c SimCompany, filters search.Filters) bool {
	for _, name := range filters.Names() {
		switch name {
		case FilterHeadcount:
			r, ok := filters[name].(search.Range)
			if !ok {
				continue
			}
			if r.Min != nil && c.Headcount < *r.Min {
				return false
			}
			if r.Max != nil && c.Headcount > *r.Max {
				return false
			}
		case FilterLocation:
			s, ok := filters[name].(search.Set)
			if !ok {
				continue
			}
			if len(s.Include) > 0 && !contains(s.Include, c.Country) {
				return false
			}
			if contains(s.Exclude, c.Country) {
				return false
			}
		case FilterHeadcountBands:
			l, ok := filters[name].(search.List)
			if !ok {
				continue
			}
			if !inBands(l.Values, c.Headcount) {
				return false
			}
		}
	}
	return true
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func inBands(bands []string, headcount int) bool {
	for _, band := range bands {
		lo, hi := parseBand(band)
		if headcount >= lo && headcount <= hi {
			return true
		}
	}
	return false
}

// parseBand reads "11-20" or "10000+", the latter meaning above 10000.
func parseBand(band string) (int, int) {
	if strings.HasSuffix(band, "+") {
		lo, _ := strconv.Atoi(strings.TrimSuffix(band, "+"))
		return lo + 1, int(^uint(0) >> 1)
	}
	parts := strings.SplitN(band, "-", 2)
	if len(parts) != 2 {
		return 0, -1
	}
	lo, _ := strconv.Atoi(parts[0])
	hi, _ := strconv.Atoi(parts[1])
	return lo, hi
}

// SortedWebsites returns the websites of companies matching filters.
func (m *Market) SortedWebsites(filters search.Filters) []string {
	var out []string
	for _, c := range m.match(filters) {
		out = append(out, c.Website)
	}
	sort.Strings(out)
	return out
}
