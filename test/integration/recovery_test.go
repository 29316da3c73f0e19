// ============================================================================
// Market-Sizer Recovery Test Suite
// ============================================================================
//
// Package: test/integration
// File: recovery_test.go
// Function: End-to-end crash recovery over the journaled memory store
//
// TestEndToEndRecovery:
//   1. Run a job over a 20-company market until 5 person counts are stored
//   2. Freeze the provider and copy the journal as a crash would leave it
//   3. Open a new store from the copy and start a new service
//   4. Verify the job is failed as interrupted, with its rows intact
//   5. Verify the same submission then runs to completion
//
// ============================================================================

package integration

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/market-sizer/internal/provider"
	"github.com/ChuLiYu/market-sizer/internal/provider/providertest"
	"github.com/ChuLiYu/market-sizer/internal/store/memory"
	"github.com/ChuLiYu/market-sizer/pkg/search"
	"github.com/ChuLiYu/market-sizer/pkg/types"
)

// freezeAfter answers the first n person searches and blocks the rest
// until release is closed.
func freezeAfter(n int, next providertest.Handler, release <-chan struct{}) providertest.Handler {
	var mu sync.Mutex
	served := 0
	return func(req provider.Request) (*provider.Response, error) {
		if req.Endpoint == provider.EndpointPerson {
			mu.Lock()
			served++
			frozen := served > n
			mu.Unlock()
			if frozen {
				<-release
			}
		}
		return next(req)
	}
}

func TestEndToEndRecovery(t *testing.T) {
	ctx := context.Background()
	market := providertest.NewMarket(20, []string{"Germany"}, 100)

	// Phase 1: run until the provider freezes
	path := filepath.Join(t.TempDir(), "store.json")
	first, err := memory.Open(path, time.Hour)
	require.NoError(t, err)

	release := make(chan struct{})
	svc, _ := newService(t, first, freezeAfter(5, market.Handler(), release), nil, 2)
	t.Cleanup(func() {
		close(release)
		closeService(svc)
		first.Close()
	})

	id, err := svc.Submit(ctx, marketSubmission("recovery", search.Filters{}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		page, err := first.ReadResults(ctx, id, 1, 1)
		return err == nil && page.Total >= 25
	}, 10*time.Second, 10*time.Millisecond, "20 company rows and 5 person counts")

	// Phase 2: the disk as a crash leaves it
	journal, err := os.ReadFile(memory.JournalPath(path))
	require.NoError(t, err)
	crashPath := filepath.Join(t.TempDir(), "store.json")
	require.NoError(t, os.WriteFile(memory.JournalPath(crashPath), journal, 0o644))

	// Phase 3: restart
	second, err := memory.Open(crashPath, time.Hour)
	require.NoError(t, err)
	restarted, _ := newService(t, second, market.Handler(), nil, 2)
	t.Cleanup(func() {
		closeService(restarted)
		second.Close()
	})

	job, err := restarted.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "interrupted by restart")
	require.NotNil(t, job.FinishedAt)

	page, err := restarted.Results(ctx, id, 1, 100)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, page.Total, int64(25), "rows written before the crash survive")

	// Phase 4: the failed job is never reused; a new one completes
	again := marketSubmission("recovery", search.Filters{})
	again.ReuseExisting = true
	newID, err := restarted.Submit(ctx, again)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	done, err := restarted.Wait(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, done.Status)
	assert.EqualValues(t, 20, done.CompaniesFound)
}
