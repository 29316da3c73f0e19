// ============================================================================
// Market-Sizer SQLite Store
// ============================================================================
//
// Package: internal/store/sqlite
// File: sqlite.go
// Purpose: Store on an embedded SQLite file (pure-Go modernc driver)
//
// Layout:
//   jobs      one row per job, submission kept as JSON text
//   segments  one row per segment, filters kept as JSON text
//   results   append-only, INTEGER PRIMARY KEY AUTOINCREMENT gives the
//             insertion order
//
//   Timestamps are unix nanoseconds. Tables are created idempotently on
//   open; there is no migration step.
//
// SQLite allows one writer at a time, so the pool holds one connection and
// statements queue instead of failing with SQLITE_BUSY.
//
// ============================================================================

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/market-sizer/internal/store"
	"github.com/ChuLiYu/market-sizer/pkg/search"
	"github.com/ChuLiYu/market-sizer/pkg/types"
)

var log = slog.Default()

const driverName = "sqlite"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id                 TEXT PRIMARY KEY,
		name               TEXT NOT NULL,
		mode               TEXT NOT NULL,
		fingerprint        TEXT NOT NULL,
		submission         TEXT NOT NULL,
		status             TEXT NOT NULL,
		stop_requested     INTEGER NOT NULL DEFAULT 0,
		error_message      TEXT NOT NULL DEFAULT '',
		truncated          INTEGER NOT NULL DEFAULT 0,
		segments_total     INTEGER NOT NULL DEFAULT 0,
		segments_done      INTEGER NOT NULL DEFAULT 0,
		segments_failed    INTEGER NOT NULL DEFAULT 0,
		segments_truncated INTEGER NOT NULL DEFAULT 0,
		companies_found    INTEGER NOT NULL DEFAULT 0,
		credits_estimated  INTEGER NOT NULL DEFAULT 0,
		credits_used       INTEGER NOT NULL DEFAULT 0,
		created_at         INTEGER NOT NULL,
		started_at         INTEGER,
		finished_at        INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_fingerprint ON jobs (fingerprint, status)`,
	`CREATE TABLE IF NOT EXISTS segments (
		id           TEXT PRIMARY KEY,
		job_id       TEXT NOT NULL,
		parent_id    TEXT NOT NULL DEFAULT '',
		kind         TEXT NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		domain       TEXT NOT NULL DEFAULT '',
		filters      TEXT NOT NULL,
		depth        INTEGER NOT NULL DEFAULT 0,
		leaf         INTEGER NOT NULL DEFAULT 0,
		status       TEXT NOT NULL,
		total_count  INTEGER NOT NULL DEFAULT 0,
		credits_used INTEGER NOT NULL DEFAULT 0,
		error        TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_segments_job ON segments (job_id)`,
	`CREATE TABLE IF NOT EXISTS results (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id      TEXT NOT NULL,
		segment_id  TEXT NOT NULL DEFAULT '',
		kind        TEXT NOT NULL,
		entity_id   TEXT NOT NULL DEFAULT '',
		name        TEXT NOT NULL DEFAULT '',
		domain      TEXT NOT NULL DEFAULT '',
		query_name  TEXT NOT NULL DEFAULT '',
		total_count INTEGER NOT NULL DEFAULT 0,
		payload     TEXT,
		status      TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_results_job ON results (job_id, id)`,
}

// Store is a Store on SQLite.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects to the database at path (":memory:" for a private
// in-memory database) and creates the tables.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", "path", path)
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ============================================================================
// Row mapping
// ============================================================================

type jobRow struct {
	ID                string        `db:"id"`
	Name              string        `db:"name"`
	Mode              string        `db:"mode"`
	Fingerprint       string        `db:"fingerprint"`
	Submission        string        `db:"submission"`
	Status            string        `db:"status"`
	StopRequested     bool          `db:"stop_requested"`
	ErrorMessage      string        `db:"error_message"`
	Truncated         bool          `db:"truncated"`
	SegmentsTotal     int64         `db:"segments_total"`
	SegmentsDone      int64         `db:"segments_done"`
	SegmentsFailed    int64         `db:"segments_failed"`
	SegmentsTruncated int64         `db:"segments_truncated"`
	CompaniesFound    int64         `db:"companies_found"`
	CreditsEstimated  int64         `db:"credits_estimated"`
	CreditsUsed       int64         `db:"credits_used"`
	CreatedAt         int64         `db:"created_at"`
	StartedAt         sql.NullInt64 `db:"started_at"`
	FinishedAt        sql.NullInt64 `db:"finished_at"`
}

func toJobRow(j *types.Job) (jobRow, error) {
	sub, err := json.Marshal(j.Submission)
	if err != nil {
		return jobRow{}, fmt.Errorf("encode submission: %w", err)
	}
	return jobRow{
		ID:                string(j.ID),
		Name:              j.Name,
		Mode:              string(j.Mode),
		Fingerprint:       j.Fingerprint,
		Submission:        string(sub),
		Status:            string(j.Status),
		StopRequested:     j.StopRequested,
		ErrorMessage:      j.ErrorMessage,
		Truncated:         j.Truncated,
		SegmentsTotal:     j.SegmentsTotal,
		SegmentsDone:      j.SegmentsDone,
		SegmentsFailed:    j.SegmentsFailed,
		SegmentsTruncated: j.SegmentsTruncated,
		CompaniesFound:    j.CompaniesFound,
		CreditsEstimated:  j.CreditsEstimated,
		CreditsUsed:       j.CreditsUsed,
		CreatedAt:         j.CreatedAt.UnixNano(),
		StartedAt:         nullTime(j.StartedAt),
		FinishedAt:        nullTime(j.FinishedAt),
	}, nil
}

func (r jobRow) job() (*types.Job, error) {
	var sub search.Submission
	if err := json.Unmarshal([]byte(r.Submission), &sub); err != nil {
		return nil, fmt.Errorf("decode submission of job %s: %w", r.ID, err)
	}
	return &types.Job{
		ID:                types.JobID(r.ID),
		Name:              r.Name,
		Mode:              search.Mode(r.Mode),
		Fingerprint:       r.Fingerprint,
		Submission:        sub,
		Status:            types.JobStatus(r.Status),
		StopRequested:     r.StopRequested,
		ErrorMessage:      r.ErrorMessage,
		Truncated:         r.Truncated,
		SegmentsTotal:     r.SegmentsTotal,
		SegmentsDone:      r.SegmentsDone,
		SegmentsFailed:    r.SegmentsFailed,
		SegmentsTruncated: r.SegmentsTruncated,
		CompaniesFound:    r.CompaniesFound,
		CreditsEstimated:  r.CreditsEstimated,
		CreditsUsed:       r.CreditsUsed,
		CreatedAt:         fromNanos(r.CreatedAt),
		StartedAt:         timePtr(r.StartedAt),
		FinishedAt:        timePtr(r.FinishedAt),
	}, nil
}

type segmentRow struct {
	ID          string `db:"id"`
	JobID       string `db:"job_id"`
	ParentID    string `db:"parent_id"`
	Kind        string `db:"kind"`
	Name        string `db:"name"`
	Domain      string `db:"domain"`
	Filters     string `db:"filters"`
	Depth       int    `db:"depth"`
	Leaf        bool   `db:"leaf"`
	Status      string `db:"status"`
	TotalCount  int64  `db:"total_count"`
	CreditsUsed int64  `db:"credits_used"`
	Error       string `db:"error"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

func toSegmentRow(seg types.Segment) (segmentRow, error) {
	filters, err := json.Marshal(seg.Filters)
	if err != nil {
		return segmentRow{}, fmt.Errorf("encode filters of segment %s: %w", seg.ID, err)
	}
	return segmentRow{
		ID:          string(seg.ID),
		JobID:       string(seg.JobID),
		ParentID:    string(seg.ParentID),
		Kind:        string(seg.Kind),
		Name:        seg.Name,
		Domain:      seg.Domain,
		Filters:     string(filters),
		Depth:       seg.Depth,
		Leaf:        seg.Leaf,
		Status:      string(seg.Status),
		TotalCount:  seg.TotalCount,
		CreditsUsed: seg.CreditsUsed,
		Error:       seg.Error,
		CreatedAt:   seg.CreatedAt.UnixNano(),
		UpdatedAt:   seg.UpdatedAt.UnixNano(),
	}, nil
}

func (r segmentRow) segment() (types.Segment, error) {
	var filters search.Filters
	if err := json.Unmarshal([]byte(r.Filters), &filters); err != nil {
		return types.Segment{}, fmt.Errorf("decode filters of segment %s: %w", r.ID, err)
	}
	return types.Segment{
		ID:          types.SegmentID(r.ID),
		JobID:       types.JobID(r.JobID),
		ParentID:    types.SegmentID(r.ParentID),
		Kind:        types.SegmentKind(r.Kind),
		Name:        r.Name,
		Domain:      r.Domain,
		Filters:     filters,
		Depth:       r.Depth,
		Leaf:        r.Leaf,
		Status:      types.SegmentStatus(r.Status),
		TotalCount:  r.TotalCount,
		CreditsUsed: r.CreditsUsed,
		Error:       r.Error,
		CreatedAt:   fromNanos(r.CreatedAt),
		UpdatedAt:   fromNanos(r.UpdatedAt),
	}, nil
}

type resultRow struct {
	ID         int64          `db:"id"`
	JobID      string         `db:"job_id"`
	SegmentID  string         `db:"segment_id"`
	Kind       string         `db:"kind"`
	EntityID   string         `db:"entity_id"`
	Name       string         `db:"name"`
	Domain     string         `db:"domain"`
	QueryName  string         `db:"query_name"`
	TotalCount int64          `db:"total_count"`
	Payload    sql.NullString `db:"payload"`
	Status     string         `db:"status"`
	Error      string         `db:"error"`
	CreatedAt  int64          `db:"created_at"`
}

func toResultRow(r types.ResultRecord) resultRow {
	row := resultRow{
		JobID:      string(r.JobID),
		SegmentID:  string(r.SegmentID),
		Kind:       string(r.Kind),
		EntityID:   r.EntityID,
		Name:       r.Name,
		Domain:     r.Domain,
		QueryName:  r.QueryName,
		TotalCount: r.TotalCount,
		Status:     string(r.Status),
		Error:      r.Error,
		CreatedAt:  r.CreatedAt.UnixNano(),
	}
	if len(r.Payload) > 0 {
		row.Payload = sql.NullString{String: string(r.Payload), Valid: true}
	}
	return row
}

func (r resultRow) record() types.ResultRecord {
	rec := types.ResultRecord{
		ID:         r.ID,
		JobID:      types.JobID(r.JobID),
		SegmentID:  types.SegmentID(r.SegmentID),
		Kind:       types.RecordKind(r.Kind),
		EntityID:   r.EntityID,
		Name:       r.Name,
		Domain:     r.Domain,
		QueryName:  r.QueryName,
		TotalCount: r.TotalCount,
		Status:     types.ResultStatus(r.Status),
		Error:      r.Error,
		CreatedAt:  fromNanos(r.CreatedAt),
	}
	if r.Payload.Valid {
		rec.Payload = json.RawMessage(r.Payload.String)
	}
	return rec
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// ============================================================================
// Jobs
// ============================================================================

const jobColumns = `id, name, mode, fingerprint, submission, status, stop_requested,
	error_message, truncated, segments_total, segments_done, segments_failed,
	segments_truncated, companies_found, credits_estimated, credits_used,
	created_at, started_at, finished_at`

func (s *Store) CreateJob(ctx context.Context, job *types.Job) error {
	row, err := toJobRow(job)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (
		:id, :name, :mode, :fingerprint, :submission, :status, :stop_requested,
		:error_message, :truncated, :segments_total, :segments_done, :segments_failed,
		:segments_truncated, :companies_found, :credits_estimated, :credits_used,
		:created_at, :started_at, :finished_at)
		ON CONFLICT (id) DO NOTHING`, row)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, store.ErrDuplicate)
	}
	return nil
}

func (s *Store) UpdateJob(ctx context.Context, job *types.Job) error {
	row, err := toJobRow(job)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `UPDATE jobs SET
		name = :name, mode = :mode, fingerprint = :fingerprint, submission = :submission,
		status = :status, stop_requested = :stop_requested, error_message = :error_message,
		truncated = :truncated, segments_total = :segments_total, segments_done = :segments_done,
		segments_failed = :segments_failed, segments_truncated = :segments_truncated,
		companies_found = :companies_found, credits_estimated = :credits_estimated,
		credits_used = :credits_used, started_at = :started_at, finished_at = :finished_at
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return row.job()
}

func (s *Store) ListJobs(ctx context.Context) ([]types.Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]types.Job, 0, len(rows))
	for _, r := range rows {
		job, err := r.job()
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, nil
}

func (s *Store) FindJobByFingerprint(ctx context.Context, fingerprint string) (*types.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs
		WHERE fingerprint = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`, fingerprint, string(types.JobCompleted))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fingerprint %s: %w", fingerprint, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find job by fingerprint: %w", err)
	}
	return row.job()
}

// ============================================================================
// Segments
// ============================================================================

const segmentColumns = `id, job_id, parent_id, kind, name, domain, filters, depth, leaf,
	status, total_count, credits_used, error, created_at, updated_at`

func (s *Store) AppendSegments(ctx context.Context, segments []types.Segment) error {
	if len(segments) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, `INSERT INTO segments (`+segmentColumns+`) VALUES (
		:id, :job_id, :parent_id, :kind, :name, :domain, :filters, :depth, :leaf,
		:status, :total_count, :credits_used, :error, :created_at, :updated_at)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare segment insert: %w", err)
	}
	defer stmt.Close()

	now := s.now()
	for _, seg := range segments {
		if seg.CreatedAt.IsZero() {
			seg.CreatedAt = now
		}
		if seg.UpdatedAt.IsZero() {
			seg.UpdatedAt = seg.CreatedAt
		}
		row, err := toSegmentRow(seg)
		if err != nil {
			return err
		}
		res, err := stmt.ExecContext(ctx, row)
		if err != nil {
			return fmt.Errorf("insert segment %s: %w", seg.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("segment %s: %w", seg.ID, store.ErrDuplicate)
		}
	}
	return tx.Commit()
}

func (s *Store) UpdateSegment(ctx context.Context, seg types.Segment) error {
	seg.UpdatedAt = s.now()
	row, err := toSegmentRow(seg)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `UPDATE segments SET
		parent_id = :parent_id, kind = :kind, name = :name, domain = :domain,
		filters = :filters, depth = :depth, leaf = :leaf, status = :status,
		total_count = :total_count, credits_used = :credits_used, error = :error,
		updated_at = :updated_at
		WHERE id = :id AND status NOT IN ('done', 'error', 'truncated')`, row)
	if err != nil {
		return fmt.Errorf("update segment %s: %w", seg.ID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var status string
	err = s.db.GetContext(ctx, &status, `SELECT status FROM segments WHERE id = ?`, string(seg.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("segment %s: %w", seg.ID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get segment %s: %w", seg.ID, err)
	}
	return fmt.Errorf("segment %s (%s): %w", seg.ID, status, store.ErrSegmentClosed)
}

func (s *Store) ListSegments(ctx context.Context, jobID types.JobID) ([]types.Segment, error) {
	var rows []segmentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+segmentColumns+` FROM segments
		WHERE job_id = ? ORDER BY rowid`, string(jobID)); err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	out := make([]types.Segment, 0, len(rows))
	for _, r := range rows {
		seg, err := r.segment()
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, nil
}

// ============================================================================
// Results
// ============================================================================

func (s *Store) AppendResult(ctx context.Context, records ...types.ResultRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, `INSERT INTO results (
		job_id, segment_id, kind, entity_id, name, domain, query_name,
		total_count, payload, status, error, created_at)
		VALUES (:job_id, :segment_id, :kind, :entity_id, :name, :domain, :query_name,
		:total_count, :payload, :status, :error, :created_at)`)
	if err != nil {
		return fmt.Errorf("prepare result insert: %w", err)
	}
	defer stmt.Close()

	now := s.now()
	for _, rec := range records {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		if _, err := stmt.ExecContext(ctx, toResultRow(rec)); err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) ReadProgress(ctx context.Context, jobID types.JobID) (types.ProgressSnapshot, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return types.ProgressSnapshot{}, err
	}
	snap := types.ProgressOf(job)

	var sums []struct {
		QueryName string `db:"query_name"`
		Total     int64  `db:"total"`
	}
	if err := s.db.SelectContext(ctx, &sums, `SELECT query_name, SUM(total_count) AS total
		FROM results WHERE job_id = ? AND kind = ? AND status = ?
		GROUP BY query_name`, string(jobID), string(types.RecordPersonCount), string(types.ResultOK)); err != nil {
		return types.ProgressSnapshot{}, fmt.Errorf("sum person counts: %w", err)
	}
	snap.Aggregates = make(map[string]int64, len(sums))
	for _, row := range sums {
		snap.Aggregates[row.QueryName] = row.Total
	}
	return snap, nil
}

func (s *Store) ReadResults(ctx context.Context, jobID types.JobID, page, perPage int) (types.ResultPage, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return types.ResultPage{}, err
	}
	page, perPage = store.NormalizePage(page, perPage)
	out := types.ResultPage{JobID: jobID, Page: page, PerPage: perPage, Records: []types.ResultRecord{}}

	// count and page come from one snapshot so Total matches the rows
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return types.ResultPage{}, fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback()

	if err := tx.GetContext(ctx, &out.Total, `SELECT COUNT(*) FROM results WHERE job_id = ?`, string(jobID)); err != nil {
		return types.ResultPage{}, fmt.Errorf("count results: %w", err)
	}

	var rows []resultRow
	if err := tx.SelectContext(ctx, &rows, `SELECT id, job_id, segment_id, kind, entity_id, name,
		domain, query_name, total_count, payload, status, error, created_at
		FROM results WHERE job_id = ? ORDER BY id LIMIT ? OFFSET ?`,
		string(jobID), perPage, store.Offset(page, perPage)); err != nil {
		return types.ResultPage{}, fmt.Errorf("read results: %w", err)
	}
	for _, r := range rows {
		out.Records = append(out.Records, r.record())
	}
	return out, nil
}
