// ============================================================================
// Market-Sizer Postgres Store
// ============================================================================
//
// Package: internal/store/postgres
// File: postgres.go
// Purpose: Store on PostgreSQL through a pgx connection pool
//
// Layout mirrors the SQLite engine with native types: TIMESTAMPTZ for
// times, JSONB for submissions, filters and payloads, BIGSERIAL for the
// result sequence. Tables are created idempotently on open.
//
// ============================================================================

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ChuLiYu/market-sizer/internal/store"
	"github.com/ChuLiYu/market-sizer/pkg/search"
	"github.com/ChuLiYu/market-sizer/pkg/types"
)

var log = slog.Default()

// Config tunes the pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id                 TEXT PRIMARY KEY,
		name               TEXT NOT NULL,
		mode               TEXT NOT NULL,
		fingerprint        TEXT NOT NULL,
		submission         JSONB NOT NULL,
		status             TEXT NOT NULL,
		stop_requested     BOOLEAN NOT NULL DEFAULT FALSE,
		error_message      TEXT NOT NULL DEFAULT '',
		truncated          BOOLEAN NOT NULL DEFAULT FALSE,
		segments_total     BIGINT NOT NULL DEFAULT 0,
		segments_done      BIGINT NOT NULL DEFAULT 0,
		segments_failed    BIGINT NOT NULL DEFAULT 0,
		segments_truncated BIGINT NOT NULL DEFAULT 0,
		companies_found    BIGINT NOT NULL DEFAULT 0,
		credits_estimated  BIGINT NOT NULL DEFAULT 0,
		credits_used       BIGINT NOT NULL DEFAULT 0,
		created_at         TIMESTAMPTZ NOT NULL,
		started_at         TIMESTAMPTZ,
		finished_at        TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_fingerprint ON jobs (fingerprint, status)`,
	`CREATE TABLE IF NOT EXISTS segments (
		seq          BIGSERIAL,
		id           TEXT PRIMARY KEY,
		job_id       TEXT NOT NULL,
		parent_id    TEXT NOT NULL DEFAULT '',
		kind         TEXT NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		domain       TEXT NOT NULL DEFAULT '',
		filters      JSONB NOT NULL,
		depth        INTEGER NOT NULL DEFAULT 0,
		leaf         BOOLEAN NOT NULL DEFAULT FALSE,
		status       TEXT NOT NULL,
		total_count  BIGINT NOT NULL DEFAULT 0,
		credits_used BIGINT NOT NULL DEFAULT 0,
		error        TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_segments_job ON segments (job_id, seq)`,
	`CREATE TABLE IF NOT EXISTS results (
		id          BIGSERIAL PRIMARY KEY,
		job_id      TEXT NOT NULL,
		segment_id  TEXT NOT NULL DEFAULT '',
		kind        TEXT NOT NULL,
		entity_id   TEXT NOT NULL DEFAULT '',
		name        TEXT NOT NULL DEFAULT '',
		domain      TEXT NOT NULL DEFAULT '',
		query_name  TEXT NOT NULL DEFAULT '',
		total_count BIGINT NOT NULL DEFAULT 0,
		payload     JSONB,
		status      TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_results_job ON results (job_id, id)`,
}

// Store is a Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open creates the pool, checks connectivity and creates the tables.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "marketsizer"

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool, now: time.Now}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	log.Info("postgres store opened", "max_conns", pc.MaxConns)
	return s, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ============================================================================
// Jobs
// ============================================================================

const jobColumns = `id, name, mode, fingerprint, submission, status, stop_requested,
	error_message, truncated, segments_total, segments_done, segments_failed,
	segments_truncated, companies_found, credits_estimated, credits_used,
	created_at, started_at, finished_at`

func scanJob(row pgx.Row) (*types.Job, error) {
	var (
		j          types.Job
		id, mode   string
		status     string
		submission []byte
	)
	if err := row.Scan(
		&id, &j.Name, &mode, &j.Fingerprint, &submission, &status, &j.StopRequested,
		&j.ErrorMessage, &j.Truncated, &j.SegmentsTotal, &j.SegmentsDone, &j.SegmentsFailed,
		&j.SegmentsTruncated, &j.CompaniesFound, &j.CreditsEstimated, &j.CreditsUsed,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(submission, &j.Submission); err != nil {
		return nil, fmt.Errorf("decode submission of job %s: %w", id, err)
	}
	j.ID = types.JobID(id)
	j.Mode = search.Mode(mode)
	j.Status = types.JobStatus(status)
	return &j, nil
}

func jobArgs(j *types.Job) ([]any, error) {
	sub, err := json.Marshal(j.Submission)
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}
	return []any{
		string(j.ID), j.Name, string(j.Mode), j.Fingerprint, sub, string(j.Status), j.StopRequested,
		j.ErrorMessage, j.Truncated, j.SegmentsTotal, j.SegmentsDone, j.SegmentsFailed,
		j.SegmentsTruncated, j.CompaniesFound, j.CreditsEstimated, j.CreditsUsed,
		j.CreatedAt, j.StartedAt, j.FinishedAt,
	}, nil
}

func (s *Store) CreateJob(ctx context.Context, job *types.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO NOTHING`, args...)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", job.ID, store.ErrDuplicate)
	}
	return nil
}

func (s *Store) UpdateJob(ctx context.Context, job *types.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	// created_at is immutable
	args = append(args[:16:16], args[17:]...)
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET
		name = $2, mode = $3, fingerprint = $4, submission = $5, status = $6,
		stop_requested = $7, error_message = $8, truncated = $9, segments_total = $10,
		segments_done = $11, segments_failed = $12, segments_truncated = $13,
		companies_found = $14, credits_estimated = $15, credits_used = $16,
		started_at = $17, finished_at = $18
		WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", job.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context) ([]types.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]types.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs scan: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (s *Store) FindJobByFingerprint(ctx context.Context, fingerprint string) (*types.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE fingerprint = $1 AND status = $2
		ORDER BY created_at DESC LIMIT 1`, fingerprint, string(types.JobCompleted)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("fingerprint %s: %w", fingerprint, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find job by fingerprint: %w", err)
	}
	return job, nil
}

// ============================================================================
// Segments
// ============================================================================

const segmentColumns = `id, job_id, parent_id, kind, name, domain, filters, depth, leaf,
	status, total_count, credits_used, error, created_at, updated_at`

func segmentArgs(seg types.Segment) ([]any, error) {
	filters, err := json.Marshal(seg.Filters)
	if err != nil {
		return nil, fmt.Errorf("encode filters of segment %s: %w", seg.ID, err)
	}
	return []any{
		string(seg.ID), string(seg.JobID), string(seg.ParentID), string(seg.Kind), seg.Name, seg.Domain,
		filters, seg.Depth, seg.Leaf, string(seg.Status), seg.TotalCount, seg.CreditsUsed, seg.Error,
		seg.CreatedAt, seg.UpdatedAt,
	}, nil
}

func (s *Store) AppendSegments(ctx context.Context, segments []types.Segment) error {
	if len(segments) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now()
	for _, seg := range segments {
		if seg.CreatedAt.IsZero() {
			seg.CreatedAt = now
		}
		if seg.UpdatedAt.IsZero() {
			seg.UpdatedAt = seg.CreatedAt
		}
		args, err := segmentArgs(seg)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `INSERT INTO segments (`+segmentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO NOTHING`, args...)
		if err != nil {
			return fmt.Errorf("insert segment %s: %w", seg.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("segment %s: %w", seg.ID, store.ErrDuplicate)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) UpdateSegment(ctx context.Context, seg types.Segment) error {
	seg.UpdatedAt = s.now()
	filters, err := json.Marshal(seg.Filters)
	if err != nil {
		return fmt.Errorf("encode filters of segment %s: %w", seg.ID, err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE segments SET
		parent_id = $2, kind = $3, name = $4, domain = $5, filters = $6, depth = $7,
		leaf = $8, status = $9, total_count = $10, credits_used = $11, error = $12,
		updated_at = $13
		WHERE id = $1 AND status NOT IN ('done', 'error', 'truncated')`,
		string(seg.ID), string(seg.ParentID), string(seg.Kind), seg.Name, seg.Domain, filters, seg.Depth,
		seg.Leaf, string(seg.Status), seg.TotalCount, seg.CreditsUsed, seg.Error, seg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update segment %s: %w", seg.ID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM segments WHERE id = $1`, string(seg.ID)).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("segment %s: %w", seg.ID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get segment %s: %w", seg.ID, err)
	}
	return fmt.Errorf("segment %s (%s): %w", seg.ID, status, store.ErrSegmentClosed)
}

func (s *Store) ListSegments(ctx context.Context, jobID types.JobID) ([]types.Segment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+segmentColumns+` FROM segments
		WHERE job_id = $1 ORDER BY seq`, string(jobID))
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	out := make([]types.Segment, 0)
	for rows.Next() {
		var (
			seg                           types.Segment
			id, job, parent, kind, status string
			filters                       []byte
		)
		if err := rows.Scan(&id, &job, &parent, &kind, &seg.Name, &seg.Domain, &filters, &seg.Depth,
			&seg.Leaf, &status, &seg.TotalCount, &seg.CreditsUsed, &seg.Error, &seg.CreatedAt, &seg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list segments scan: %w", err)
		}
		if err := json.Unmarshal(filters, &seg.Filters); err != nil {
			return nil, fmt.Errorf("decode filters of segment %s: %w", id, err)
		}
		seg.ID = types.SegmentID(id)
		seg.JobID = types.JobID(job)
		seg.ParentID = types.SegmentID(parent)
		seg.Kind = types.SegmentKind(kind)
		seg.Status = types.SegmentStatus(status)
		out = append(out, seg)
	}
	return out, rows.Err()
}

// ============================================================================
// Results
// ============================================================================

func (s *Store) AppendResult(ctx context.Context, records ...types.ResultRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	now := s.now()
	for _, rec := range records {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		var payload []byte
		if len(rec.Payload) > 0 {
			payload = rec.Payload
		}
		batch.Queue(`INSERT INTO results (job_id, segment_id, kind, entity_id, name, domain,
			query_name, total_count, payload, status, error, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			string(rec.JobID), string(rec.SegmentID), string(rec.Kind), rec.EntityID, rec.Name, rec.Domain,
			rec.QueryName, rec.TotalCount, payload, string(rec.Status), rec.Error, rec.CreatedAt)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert results: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) ReadProgress(ctx context.Context, jobID types.JobID) (types.ProgressSnapshot, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return types.ProgressSnapshot{}, err
	}
	snap := types.ProgressOf(job)

	rows, err := s.pool.Query(ctx, `SELECT query_name, SUM(total_count)::BIGINT
		FROM results WHERE job_id = $1 AND kind = $2 AND status = $3
		GROUP BY query_name`, string(jobID), string(types.RecordPersonCount), string(types.ResultOK))
	if err != nil {
		return types.ProgressSnapshot{}, fmt.Errorf("sum person counts: %w", err)
	}
	defer rows.Close()

	snap.Aggregates = make(map[string]int64)
	for rows.Next() {
		var (
			name  string
			total int64
		)
		if err := rows.Scan(&name, &total); err != nil {
			return types.ProgressSnapshot{}, fmt.Errorf("sum person counts scan: %w", err)
		}
		snap.Aggregates[name] = total
	}
	return snap, rows.Err()
}

func (s *Store) ReadResults(ctx context.Context, jobID types.JobID, page, perPage int) (types.ResultPage, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return types.ResultPage{}, err
	}
	page, perPage = store.NormalizePage(page, perPage)
	out := types.ResultPage{JobID: jobID, Page: page, PerPage: perPage, Records: []types.ResultRecord{}}

	// count and page come from one snapshot so Total matches the rows
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return types.ResultPage{}, fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM results WHERE job_id = $1`, string(jobID)).Scan(&out.Total); err != nil {
		return types.ResultPage{}, fmt.Errorf("count results: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT id, job_id, segment_id, kind, entity_id, name, domain,
		query_name, total_count, payload, status, error, created_at
		FROM results WHERE job_id = $1 ORDER BY id LIMIT $2 OFFSET $3`,
		string(jobID), perPage, store.Offset(page, perPage))
	if err != nil {
		return types.ResultPage{}, fmt.Errorf("read results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec                        types.ResultRecord
			job, segment, kind, status string
			payload                    []byte
		)
		if err := rows.Scan(&rec.ID, &job, &segment, &kind, &rec.EntityID, &rec.Name, &rec.Domain,
			&rec.QueryName, &rec.TotalCount, &payload, &status, &rec.Error, &rec.CreatedAt); err != nil {
			return types.ResultPage{}, fmt.Errorf("read results scan: %w", err)
		}
		rec.JobID = types.JobID(job)
		rec.SegmentID = types.SegmentID(segment)
		rec.Kind = types.RecordKind(kind)
		rec.Status = types.ResultStatus(status)
		if payload != nil {
			rec.Payload = json.RawMessage(payload)
		}
		out.Records = append(out.Records, rec)
	}
	return out, rows.Err()
}
