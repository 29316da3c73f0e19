package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/market-sizer/internal/controller"
	"github.com/ChuLiYu/market-sizer/internal/credits"
	"github.com/ChuLiYu/market-sizer/internal/provider/providertest"
	"github.com/ChuLiYu/market-sizer/internal/ratelimit"
	"github.com/ChuLiYu/market-sizer/internal/runner"
	"github.com/ChuLiYu/market-sizer/internal/store/memory"
	"github.com/ChuLiYu/market-sizer/pkg/types"
)

const submission = `{
	"name": "saas",
	"company": {"filters": {"company_headcount": {"min": 1, "max": 100}}},
	"people": [{"name": "engineers", "filters": {}}]
}`

func newService(t *testing.T) *controller.Service {
	t.Helper()
	market := providertest.NewMarket(12, []string{"Germany", "France"}, 100)
	clock := ratelimit.NewFakeClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))

	svc, err := controller.New(controller.Deps{
		Store:   memory.New(),
		Client:  &providertest.Fake{Handler: market.Handler()},
		Limiter: ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithClock(clock)),
		Clock:   clock,
	}, controller.Config{Runner: runner.Config{Workers: 2, BackoffBase: time.Millisecond, FlushInterval: 10 * time.Millisecond}})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc
}

func newTestServer(t *testing.T) (*httptest.Server, *controller.Service) {
	t.Helper()
	svc := newService(t)
	srv := httptest.NewServer(NewHandler(svc))
	t.Cleanup(srv.Close)
	return srv, svc
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func submitJob(t *testing.T, base string) types.JobID {
	t.Helper()
	resp, body := do(t, http.MethodPost, base+"/api/jobs", submission)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var out struct {
		JobID types.JobID `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.JobID)
	return out.JobID
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestJobLifecycle(t *testing.T) {
	srv, svc := newTestServer(t)
	id := submitJob(t, srv.URL)

	_, err := svc.Wait(context.Background(), id)
	require.NoError(t, err)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/jobs/"+string(id), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p types.ProgressSnapshot
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, types.JobCompleted, p.Status)
	assert.EqualValues(t, 12, p.CompaniesFound)
	assert.Contains(t, p.Aggregates, "engineers")

	resp, body = do(t, http.MethodGet, srv.URL+"/api/jobs/"+string(id)+"/results?page=1&per_page=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page types.ResultPage
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Len(t, page.Records, 5)
	assert.EqualValues(t, 24, page.Total, "12 companies and 12 person counts")

	resp, body = do(t, http.MethodGet, srv.URL+"/api/jobs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs []JobSummary
	require.NoError(t, json.Unmarshal(body, &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)

	// stopping a finished job is a no-op
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/jobs/"+string(id)+"/stop", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestExportDownload(t *testing.T) {
	srv, svc := newTestServer(t)
	id := submitJob(t, srv.URL)
	_, err := svc.Wait(context.Background(), id)
	require.NoError(t, err)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/jobs/"+string(id)+"/export?format=csv", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), string(id)+".csv")

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	assert.Len(t, lines, 13)
	assert.Equal(t, "company_id,name,domain,root_domain,truncated,engineers", lines[0])

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/jobs/"+string(id)+"/export?format=xlsx", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/jobs/"+string(id)+"/export?format=pdf", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "unknown export format")
}

func TestEstimateEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/estimate", submission)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var b credits.Breakdown
	require.NoError(t, json.Unmarshal(body, &b))
	assert.EqualValues(t, 12, b.Companies)
	assert.EqualValues(t, 1+1+12, b.Total)
}

func TestErrorResponses(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid submission", http.MethodPost, "/api/jobs", `{"name": ""}`, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/api/jobs", `{`, http.StatusBadRequest},
		{"invalid estimate", http.MethodPost, "/api/estimate", `{"name": "x"}`, http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/api/jobs/missing", "", http.StatusNotFound},
		{"unknown job results", http.MethodGet, "/api/jobs/missing/results", "", http.StatusNotFound},
		{"unknown job stop", http.MethodPost, "/api/jobs/missing/stop", "", http.StatusNotFound},
		{"bad page", http.MethodGet, "/api/jobs/missing/results?page=abc", "", http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "/api/jobs", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode, string(body))
		})
	}
}
