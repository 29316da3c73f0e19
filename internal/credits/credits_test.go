package credits

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/market-sizer/pkg/search"
)

func TestEstimate_Company(t *testing.T) {
	tests := []struct {
		count int64
		want  int64
	}{
		{0, 0},
		{1, 1},
		{24, 1},
		{25, 1},
		{26, 2},
		{50, 2},
		{51, 3},
		{25000, 1000},
		{60000, 2400},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Estimate(search.KindCompany, tt.count), "count=%d", tt.count)
	}
}

func TestEstimate_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		c := rng.Int63n(10_000_000)

		pages := Estimate(search.KindCompany, c)
		// ceil(c/25) is the smallest p with p*25 >= c
		assert.GreaterOrEqual(t, pages*PageSize, c)
		if c > 0 {
			assert.Less(t, (pages-1)*PageSize, c)
		}

		assert.Equal(t, int64(1), Estimate(search.KindPerson, c))
	}
}

func TestPlan(t *testing.T) {
	company := &search.Definition{Kind: search.KindCompany}
	people := []search.Definition{
		{Kind: search.KindPerson, Name: "sales"},
		{Kind: search.KindPerson, Name: "eng"},
	}

	tests := []struct {
		name     string
		sub      search.Submission
		count    int64
		readable int64
		want     Breakdown
	}{
		{
			name:     "detailed",
			sub:      search.Submission{Mode: search.ModeDetailed, Company: company, People: people},
			count:    100,
			readable: -1,
			want:     Breakdown{Companies: 100, Probe: 1, CompanyPages: 4, PersonQueries: 200, Total: 205},
		},
		{
			name:     "quick skips people",
			sub:      search.Submission{Mode: search.ModeQuick, Company: company, People: people},
			count:    100,
			readable: 100,
			want:     Breakdown{Companies: 100, Probe: 1, CompanyPages: 4, Total: 5},
		},
		{
			name:     "unsplittable search is read up to the cap",
			sub:      search.Submission{Mode: search.ModeDetailed, Company: company, People: people},
			count:    60000,
			readable: 25000,
			want:     Breakdown{Companies: 60000, Probe: 1, CompanyPages: 1000, PersonQueries: 50000, Total: 51001},
		},
		{
			name: "targets only",
			sub:  search.Submission{Mode: search.ModeDetailed, Targets: []string{"a.com", "b.com", "c.com"}, People: people},
			want: Breakdown{PersonQueries: 6, Total: 6},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Plan(tt.sub, tt.count, tt.readable))
		})
	}
}

func TestLedger_Concurrent(t *testing.T) {
	var l Ledger
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Charge(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(5000), l.Used())
}
