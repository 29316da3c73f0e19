// Package server exposes the engine over HTTP (JSON API) and gRPC
// (health plus the marketsizer.v1.Jobs service).
//
// HTTP routes:
//
//	POST /api/jobs                      → submit a job (submission JSON)
//	GET  /api/jobs                      → list jobs
//	GET  /api/jobs/{id}                 → progress snapshot
//	GET  /api/jobs/{id}/results?page=   → one page of result rows
//	POST /api/jobs/{id}/stop            → request a cooperative stop
//	GET  /api/jobs/{id}/export?format=  → csv or xlsx download
//	POST /api/estimate                  → credit estimate for a submission
//	GET  /healthz                       → liveness
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ChuLiYu/market-sizer/internal/controller"
	"github.com/ChuLiYu/market-sizer/internal/credits"
	"github.com/ChuLiYu/market-sizer/internal/export"
	"github.com/ChuLiYu/market-sizer/internal/provider"
	"github.com/ChuLiYu/market-sizer/pkg/search"
	"github.com/ChuLiYu/market-sizer/pkg/types"
)

var log = slog.Default()

const maxBodyBytes = 1 << 20

// Service is the part of the engine facade the transports need.
type Service interface {
	SubmitJSON(ctx context.Context, data []byte) (types.JobID, error)
	Status(ctx context.Context, id types.JobID) (types.ProgressSnapshot, error)
	List(ctx context.Context) ([]types.Job, error)
	Results(ctx context.Context, id types.JobID, page, perPage int) (types.ResultPage, error)
	Stop(ctx context.Context, id types.JobID) error
	Estimate(ctx context.Context, sub search.Submission) (credits.Breakdown, error)
	Export(ctx context.Context, id types.JobID, format export.Format, w io.Writer) error
}

var _ Service = (*controller.Service)(nil)

// ─── Response types ───────────────────────────────────────────────────────────

// JobSummary is one entry of the job list.
type JobSummary struct {
	ID               types.JobID     `json:"id"`
	Name             string          `json:"name"`
	Mode             search.Mode     `json:"mode"`
	Status           types.JobStatus `json:"status"`
	CompaniesFound   int64           `json:"companies_found"`
	CreditsEstimated int64           `json:"credits_estimated"`
	CreditsUsed      int64           `json:"credits_used"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ─── Handler ─────────────────────────────────────────────────────────────────

// Handler serves the JSON API.
type Handler struct {
	svc Service
}

// NewHandler returns the API mounted on a fresh mux, with request logging.
func NewHandler(svc Service) http.Handler {
	h := &Handler{svc: svc}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return logRequests(mux)
}

// RegisterRoutes mounts all routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("POST /api/jobs", h.submit)
	mux.HandleFunc("GET /api/jobs", h.list)
	mux.HandleFunc("GET /api/jobs/{id}", h.status)
	mux.HandleFunc("GET /api/jobs/{id}/results", h.results)
	mux.HandleFunc("POST /api/jobs/{id}/stop", h.stop)
	mux.HandleFunc("GET /api/jobs/{id}/export", h.export)
	mux.HandleFunc("POST /api/estimate", h.estimate)
}

// NewHTTPServer wraps handler with the server timeouts used by serve.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Individual handlers ──────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	id, err := h.svc.SubmitJSON(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonOK(w, http.StatusAccepted, map[string]any{"job_id": id, "status": types.JobPending})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.svc.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobSummary{
			ID:               j.ID,
			Name:             j.Name,
			Mode:             j.Mode,
			Status:           j.Status,
			CompaniesFound:   j.CompaniesFound,
			CreditsEstimated: j.CreditsEstimated,
			CreditsUsed:      j.CreditsUsed,
			CreatedAt:        j.CreatedAt,
		})
	}
	jsonOK(w, http.StatusOK, out)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Status(r.Context(), types.JobID(r.PathValue("id")))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonOK(w, http.StatusOK, p)
}

func (h *Handler) results(w http.ResponseWriter, r *http.Request) {
	page, err := intParam(r, "page", 1)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	perPage, err := intParam(r, "per_page", 0)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.svc.Results(r.Context(), types.JobID(r.PathValue("id")), page, perPage)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonOK(w, http.StatusOK, res)
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(r.PathValue("id"))
	if err := h.svc.Stop(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	jsonOK(w, http.StatusAccepted, map[string]any{"job_id": id, "stop_requested": true})
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, err)
		return
	}
	id := types.JobID(r.PathValue("id"))

	// rendered fully first so that a failure can still be reported as JSON
	var buf bytes.Buffer
	if err := h.svc.Export(r.Context(), id, format, &buf); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, id, format))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		log.Warn("export write failed", "job_id", id, "error", err)
	}
}

func (h *Handler) estimate(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	sub, err := search.ParseSubmission(body)
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := h.svc.Estimate(r.Context(), sub)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonOK(w, http.StatusOK, b)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		jsonError(w, "request body too large or unreadable", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	return body, true
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, search.ErrInvalidSubmission), errors.Is(err, export.ErrUnknownFormat):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error("request failed", "error", err)
	}
	jsonError(w, err.Error(), code)
}

func jsonOK(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("encode response failed", "error", err)
	}
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	jsonOK(w, code, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.code, "duration", time.Since(start))
	})
}
