// ============================================================================
// Market-Sizer Provider Client - Search API Access
// ============================================================================
//
// Package: internal/provider
// File: client.go
// Purpose: The only network-facing dependency of the engine
//
// Wire Protocol:
//   POST {base}/search-company | {base}/search-person
//   Header  X-KEY: <api key>
//   Body    {"page": 1, "per_page": 1, "filters": {...}}
//
//   Success {"results": [...], "pagination": {"current_page": 1,
//            "per_page": 25, "total_page": 40, "total_count": 1000}}
//   Failure HTTP >= 400, or {"error": true, "error_code": "INVALID_FILTERS",
//            "filter_error": "..."}
//
// Every failure is returned as *Error with a kind; see errors.go.
//
// ============================================================================

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/market-sizer/pkg/search"
)

// Endpoint is a provider search path.
type Endpoint string

const (
	EndpointCompany Endpoint = "/search-company"
	EndpointPerson  Endpoint = "/search-person"
)

// EndpointFor returns the endpoint serving a definition kind.
func EndpointFor(kind search.Kind) Endpoint {
	if kind == search.KindPerson {
		return EndpointPerson
	}
	return EndpointCompany
}

// Request is a single search call.
type Request struct {
	Endpoint Endpoint
	Filters  search.Filters
	Page     int
	PerPage  int // 0 leaves the provider default; probes ask for 1
}

// Response is a decoded page of results.
type Response struct {
	Results    []json.RawMessage
	Page       int
	PerPage    int
	TotalPages int
	TotalCount int64
}

// Client issues search calls.
type Client interface {
	Search(ctx context.Context, req Request) (*Response, error)
}

const maxBodyBytes = 16 << 20

// HTTPClient talks to the provider over HTTPS.
type HTTPClient struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPClient builds a client with a pooled transport. timeout bounds
// each call including reading the body.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		client:  &http.Client{Transport: transport},
	}
}

type payload struct {
	Page    int            `json:"page"`
	PerPage int            `json:"per_page,omitempty"`
	Filters search.Filters `json:"filters"`
}

type envelope struct {
	Error       bool              `json:"error"`
	ErrorCode   string            `json:"error_code"`
	FilterError string            `json:"filter_error"`
	Message     string            `json:"message"`
	Results     []json.RawMessage `json:"results"`
	Pagination  struct {
		CurrentPage int   `json:"current_page"`
		PerPage     int   `json:"per_page"`
		TotalPage   int   `json:"total_page"`
		TotalCount  int64 `json:"total_count"`
	} `json:"pagination"`
}

// Search performs one call. Transport failures and timeouts come back as
// KindNetwork; provider refusals carry the provider's code and message.
func (c *HTTPClient) Search(ctx context.Context, req Request) (*Response, error) {
	page := req.Page
	if page < 1 {
		page = 1
	}
	body, err := json.Marshal(payload{Page: page, PerPage: req.PerPage, Filters: req.Filters})
	if err != nil {
		return nil, &Error{Kind: KindInvalidFilters, Message: "encode filters", Err: err}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+string(req.Endpoint), bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Message: "build request", Err: err}
	}
	httpReq.Header.Set("X-KEY", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: "http POST " + string(req.Endpoint), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Status: resp.StatusCode, Message: "read body", Err: err}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		kind := KindUnknown
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			kind = KindNetwork
		}
		return nil, &Error{
			Kind:    kind,
			Code:    "NON_JSON_RESPONSE",
			Status:  resp.StatusCode,
			Message: truncate(string(raw), 200),
		}
	}

	if resp.StatusCode >= 400 || env.Error {
		msg := env.FilterError
		if msg == "" {
			msg = env.Message
		}
		return nil, &Error{
			Kind:    classify(resp.StatusCode, env.ErrorCode),
			Code:    env.ErrorCode,
			Status:  resp.StatusCode,
			Message: msg,
		}
	}

	perPage := env.Pagination.PerPage
	if perPage == 0 {
		perPage = 25
	}
	current := env.Pagination.CurrentPage
	if current == 0 {
		current = page
	}
	return &Response{
		Results:    env.Results,
		Page:       current,
		PerPage:    perPage,
		TotalPages: env.Pagination.TotalPage,
		TotalCount: env.Pagination.TotalCount,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Company is the subset of a company row the engine needs.
type Company struct {
	ID      string
	Name    string
	Website string
	Raw     json.RawMessage
}

// CompanyFromRow extracts a company from a result row. Rows may carry the
// company directly or wrap it under a "company" key.
func CompanyFromRow(row json.RawMessage) (Company, error) {
	var wrapped struct {
		Company json.RawMessage `json:"company"`
	}
	entity := row
	if err := json.Unmarshal(row, &wrapped); err == nil && len(wrapped.Company) > 0 && wrapped.Company[0] == '{' {
		entity = wrapped.Company
	}

	var fields struct {
		CompanyID json.RawMessage `json:"company_id"`
		ID        json.RawMessage `json:"id"`
		Name      string          `json:"name"`
		Domain    string          `json:"domain"`
		Website   string          `json:"website"`
	}
	if err := json.Unmarshal(entity, &fields); err != nil {
		return Company{}, fmt.Errorf("decode company row: %w", err)
	}

	id := scalar(fields.CompanyID)
	if id == "" {
		id = scalar(fields.ID)
	}
	website := fields.Domain
	if website == "" {
		website = fields.Website
	}
	if id == "" && website == "" {
		return Company{}, errors.New("company row has neither id nor website")
	}
	return Company{ID: id, Name: fields.Name, Website: website, Raw: entity}, nil
}

// scalar renders a JSON string or number as text.
func scalar(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
