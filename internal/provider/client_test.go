package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/market-sizer/pkg/search"
)

func newTestServer(t *testing.T, status int, body string, inspect func(r *http.Request, payload map[string]any)) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(raw, &payload)
		if inspect != nil {
			inspect(r, payload)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, "secret", 2*time.Second)
}

func TestHTTPClient_Success(t *testing.T) {
	body := `{"error": false, "results": [{"company": {"company_id": "c1", "name": "EY", "domain": "ey.com"}}],
	          "pagination": {"current_page": 2, "per_page": 25, "total_page": 40, "total_count": 1000}}`

	client := newTestServer(t, http.StatusOK, body, func(r *http.Request, payload map[string]any) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/search-company", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-KEY"))
		assert.Equal(t, float64(2), payload["page"])
		assert.NotContains(t, payload, "per_page")
		filters := payload["filters"].(map[string]any)
		assert.Contains(t, filters, "company_location_search")
	})

	resp, err := client.Search(context.Background(), Request{
		Endpoint: EndpointCompany,
		Filters:  search.Filters{"company_location_search": search.Set{Include: []string{"United States"}}},
		Page:     2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), resp.TotalCount)
	assert.Equal(t, 40, resp.TotalPages)
	assert.Equal(t, 2, resp.Page)
	require.Len(t, resp.Results, 1)

	company, err := CompanyFromRow(resp.Results[0])
	require.NoError(t, err)
	assert.Equal(t, "c1", company.ID)
	assert.Equal(t, "ey.com", company.Website)
}

func TestHTTPClient_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   ErrorKind
		wantBilled bool
	}{
		{"invalid filters", 400, `{"error": true, "error_code": "INVALID_FILTERS", "filter_error": "Subdomains are not supported"}`, KindInvalidFilters, true},
		{"no results", 400, `{"error": true, "error_code": "NO_RESULTS"}`, KindNoResults, true},
		{"bad key", 401, `{"error": true, "error_code": "INVALID_API_KEY"}`, KindAuth, false},
		{"out of credits", 400, `{"error": true, "error_code": "INSUFFICIENT_CREDITS"}`, KindQuotaExceeded, false},
		{"throttled", 429, `{"error": true, "error_code": "RATE_LIMITED"}`, KindNetwork, false},
		{"server error html", 502, `<html>bad gateway</html>`, KindNetwork, false},
		{"non json 200", 200, `not json`, KindUnknown, true},
		{"error flag on 200", 200, `{"error": true, "error_code": "SOMETHING_NEW"}`, KindUnknown, true},
		{"forbidden without code", 403, `{"error": true}`, KindAuth, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestServer(t, tt.status, tt.body, nil)
			_, err := client.Search(context.Background(), Request{Endpoint: EndpointPerson, Filters: search.Filters{}})
			require.Error(t, err)

			var pe *Error
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.wantKind, pe.Kind)
			assert.Equal(t, tt.status, pe.Status)
			assert.Equal(t, tt.wantKind, KindOf(err))
			assert.Equal(t, tt.wantBilled, Billed(err))
		})
	}
}

func TestHTTPClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "k", 50*time.Millisecond)
	_, err := client.Search(context.Background(), Request{Endpoint: EndpointCompany})
	require.Error(t, err)
	assert.Equal(t, KindNetwork, KindOf(err))
	assert.True(t, Retryable(err))
	assert.False(t, Billed(err))
}

func TestHTTPClient_ProbeSendsPerPage(t *testing.T) {
	client := newTestServer(t, 200, `{"results": [], "pagination": {"total_count": 7}}`, func(r *http.Request, payload map[string]any) {
		assert.Equal(t, float64(1), payload["per_page"])
	})
	resp, err := client.Search(context.Background(), Request{Endpoint: EndpointCompany, PerPage: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.TotalCount)
	assert.Equal(t, 1, resp.Page)
}

func TestErrorHelpers(t *testing.T) {
	sub := &Error{Kind: KindInvalidFilters, Message: "Subdomains are NOT supported"}
	assert.True(t, IsSubdomainError(sub))
	assert.True(t, IsSubdomainError(errors.Join(errors.New("wrapped"), sub)))
	assert.False(t, IsSubdomainError(&Error{Kind: KindInvalidFilters, Message: "bad location"}))
	assert.False(t, IsSubdomainError(&Error{Kind: KindUnknown, Message: "subdomain"}))

	assert.True(t, Fatal(&Error{Kind: KindAuth}))
	assert.True(t, Fatal(&Error{Kind: KindQuotaExceeded}))
	assert.False(t, Fatal(&Error{Kind: KindInvalidFilters}))

	assert.Equal(t, KindNetwork, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.True(t, Billed(nil))
}

func TestCompanyFromRow(t *testing.T) {
	tests := []struct {
		name    string
		row     string
		want    Company
		wantErr bool
	}{
		{"wrapped", `{"company": {"company_id": 42, "name": "A", "website": "https://a.com"}}`, Company{ID: "42", Name: "A", Website: "https://a.com"}, false},
		{"flat", `{"id": "x1", "name": "B", "domain": "b.io"}`, Company{ID: "x1", Name: "B", Website: "b.io"}, false},
		{"empty", `{"name": "nobody"}`, Company{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CompanyFromRow(json.RawMessage(tt.row))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.ID, got.ID)
			assert.Equal(t, tt.want.Name, got.Name)
			assert.Equal(t, tt.want.Website, got.Website)
			assert.NotEmpty(t, got.Raw)
		})
	}
}
