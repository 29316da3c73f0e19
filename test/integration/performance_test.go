// ============================================================================
// Market-Sizer Performance Tests
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Function: Throughput of a segmented job against a large simulated market
//
// TestSystemThroughput:
//   A 600-company market under a 100-row cap forces the segmenter to
//   split. Every company must be counted exactly once across segments.
//
// BenchmarkThroughput:
//   One 50-company job per iteration over a fresh memory store.
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/market-sizer/internal/provider"
	"github.com/ChuLiYu/market-sizer/internal/provider/providertest"
	"github.com/ChuLiYu/market-sizer/internal/segmenter"
	"github.com/ChuLiYu/market-sizer/internal/store"
	"github.com/ChuLiYu/market-sizer/internal/store/memory"
	"github.com/ChuLiYu/market-sizer/pkg/search"
	"github.com/ChuLiYu/market-sizer/pkg/types"
)

func TestSystemThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}
	ctx := context.Background()
	market := providertest.NewMarket(600, []string{"United States", "Germany", "France"}, 1000)
	st := memory.New()

	seg := segmenter.New()
	seg.Cap = 100
	svc, fake := newService(t, st, market.Handler(), seg, 8)
	t.Cleanup(func() { closeService(svc) })

	start := time.Now()
	id, err := svc.Submit(ctx, marketSubmission("throughput", search.Filters{providertest.FilterHeadcount: search.NewRange(1, 1000)}))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	job, err := svc.Wait(waitCtx, id)
	require.NoError(t, err)
	elapsed := time.Since(start)

	require.Equal(t, types.JobCompleted, job.Status, job.ErrorMessage)
	assert.EqualValues(t, 600, job.CompaniesFound)

	records, err := store.ReadAllResults(ctx, st, id)
	require.NoError(t, err)
	seen := make(map[string]int)
	for _, rec := range records {
		if rec.Kind == types.RecordCompany {
			seen[rec.EntityID]++
		}
	}
	assert.Len(t, seen, 600)
	for entity, n := range seen {
		require.Equal(t, 1, n, "company %s counted %d times", entity, n)
	}

	segs, err := svc.Segments(ctx, id)
	require.NoError(t, err)
	assert.Greater(t, len(segs), 1, "the cap forces a split")

	calls := len(fake.Calls())
	t.Logf("=== Performance Test Results ===")
	t.Logf("Companies: %d", job.CompaniesFound)
	t.Logf("Segments: %d", len(segs))
	t.Logf("Provider calls: %d (person: %d)", calls, fake.CallCount(provider.EndpointPerson))
	t.Logf("Elapsed time: %v", elapsed)
	t.Logf("Throughput: %.2f calls/second", float64(calls)/elapsed.Seconds())
	t.Logf("================================")
}

func BenchmarkThroughput(b *testing.B) {
	market := providertest.NewMarket(50, []string{"Germany"}, 100)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		svc, _ := newService(b, memory.New(), market.Handler(), nil, 8)
		id, err := svc.Submit(ctx, marketSubmission(fmt.Sprintf("bench-%d", i), search.Filters{}))
		require.NoError(b, err)
		job, err := svc.Wait(ctx, id)
		require.NoError(b, err)
		require.Equal(b, types.JobCompleted, job.Status)
		closeService(svc)
	}
}
