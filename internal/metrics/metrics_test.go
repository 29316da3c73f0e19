package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/market-sizer/internal/provider"
	"github.com/ChuLiYu/market-sizer/pkg/types"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector()

	assert.NotNil(t, collector.apiCalls)
	assert.NotNil(t, collector.creditsUsed)
	assert.NotNil(t, collector.segments)
	assert.NotNil(t, collector.jobs)
	assert.NotNil(t, collector.limiterWait)
	assert.NotNil(t, collector.unitSeconds)
	assert.NotNil(t, collector.jobsRunning)
	assert.NotNil(t, collector.jobsPending)
	assert.NotNil(t, collector.dailyUsed)
	assert.NotNil(t, collector.dailyLimit)
}

func TestCollectorIsolation(t *testing.T) {
	// each collector owns its registry
	var c1, c2 *Collector
	assert.NotPanics(t, func() {
		c1 = NewCollector()
		c2 = NewCollector()
	})

	c1.ObserveCredits(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(c1.creditsUsed))
	assert.Equal(t, 0.0, testutil.ToFloat64(c2.creditsUsed))
}

func TestObserveUnit(t *testing.T) {
	collector := NewCollector()

	collector.ObserveUnit(types.SegmentPerson, 20*time.Millisecond, false)
	collector.ObserveUnit(types.SegmentPerson, 3*time.Second, true)
	collector.ObserveUnit(types.SegmentCompany, time.Second, false)

	assert.Equal(t, 3, testutil.CollectAndCount(collector.unitSeconds))
	assert.Equal(t, uint64(1), histogramCount(t, collector, "person", "failed"))
}

func histogramCount(t *testing.T, c *Collector, kind, outcome string) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.unitSeconds.WithLabelValues(kind, outcome).(prometheus.Histogram).Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestObserveCall(t *testing.T) {
	collector := NewCollector()

	testCases := []struct {
		name     string
		endpoint provider.Endpoint
		kind     provider.ErrorKind
		label    string
		outcome  string
	}{
		{"success", provider.EndpointCompany, "", "company", "ok"},
		{"no results", provider.EndpointPerson, provider.KindNoResults, "person", "no_results"},
		{"network", provider.EndpointPerson, provider.KindNetwork, "person", "network_error"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			collector.ObserveCall(tc.endpoint, tc.kind)
			got := testutil.ToFloat64(collector.apiCalls.WithLabelValues(tc.label, tc.outcome))
			assert.Equal(t, 1.0, got)
		})
	}
}

func TestObserveSegmentAndJob(t *testing.T) {
	collector := NewCollector()

	collector.ObserveSegment(types.SegmentDone)
	collector.ObserveSegment(types.SegmentDone)
	collector.ObserveSegment(types.SegmentError)
	collector.RecordJob(types.JobCompleted)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.segments.WithLabelValues("done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.segments.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobs.WithLabelValues("completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.jobs.WithLabelValues("failed")))
}

func TestUpdateGauges(t *testing.T) {
	collector := NewCollector()

	testCases := []struct {
		name    string
		pending int
		running int
	}{
		{"zero values", 0, 0},
		{"normal values", 10, 4},
		{"only pending", 3, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			collector.UpdateJobStats(tc.pending, tc.running)
			assert.Equal(t, float64(tc.pending), testutil.ToFloat64(collector.jobsPending))
			assert.Equal(t, float64(tc.running), testutil.ToFloat64(collector.jobsRunning))
		})
	}

	collector.UpdateDailyWindow(1200, 500000)
	assert.Equal(t, 1200.0, testutil.ToFloat64(collector.dailyUsed))
	assert.Equal(t, 500000.0, testutil.ToFloat64(collector.dailyLimit))
}

func TestLimiterWaitHistogram(t *testing.T) {
	collector := NewCollector()

	for _, d := range []time.Duration{0, 10 * time.Millisecond, 2 * time.Second} {
		collector.ObserveLimiterWait(d)
	}
	assert.Equal(t, 1, testutil.CollectAndCount(collector.limiterWait))
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.ObserveCall(provider.EndpointCompany, "")
			collector.ObserveCredits(1)
			collector.ObserveSegment(types.SegmentDone)
			collector.UpdateJobStats(1, 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100.0, testutil.ToFloat64(collector.creditsUsed))
	assert.Equal(t, 100.0, testutil.ToFloat64(collector.apiCalls.WithLabelValues("company", "ok")))
}

func TestHandlerServesMetrics(t *testing.T) {
	collector := NewCollector()
	collector.ObserveCredits(7)

	srv := httptest.NewServer(collector.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "marketsizer_credits_used_total 7")
	assert.Contains(t, string(body), "go_goroutines")
}
