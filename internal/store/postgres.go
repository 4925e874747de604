// Package store provides Postgres-backed persistence for jobs, media, and
// users.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fetchwork/mediascrape/internal/scrape"
)

// defaultMaxConns keeps the pool small enough for the 1 GB memory budget.
const defaultMaxConns = 5

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Postgres implements scrape.Store on a pgx connection pool.
type Postgres struct {
	pool pgxPool
}

// New connects to Postgres, pings, and applies the schema.
func New(ctx context.Context, databaseURL string) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if poolCfg.MaxConns > defaultMaxConns || poolCfg.MaxConns == 0 {
		poolCfg.MaxConns = defaultMaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for
// testing).
func NewWithPool(pool pgxPool) *Postgres {
	return &Postgres{pool: pool}
}

// CreateJob inserts a pending job and returns it with its assigned id.
func (p *Postgres) CreateJob(ctx context.Context, userID *int64, urls []string) (scrape.Job, error) {
	job := scrape.Job{
		UserID: userID,
		URLs:   urls,
		Status: scrape.JobStatusPending,
	}
	var userIDArg any
	if userID != nil {
		userIDArg = *userID
	}
	err := p.pool.QueryRow(ctx,
		`INSERT INTO scrape_jobs (user_id, urls, status) VALUES ($1, $2, $3) RETURNING id, created_at`,
		userIDArg, urls, scrape.JobStatusPending,
	).Scan(&job.ID, &job.CreatedAt)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob loads a job with its media count.
func (p *Postgres) GetJob(ctx context.Context, id int64) (scrape.Job, error) {
	var job scrape.Job
	err := p.pool.QueryRow(ctx,
		`SELECT j.id, j.user_id, j.urls, j.status, j.created_at, j.completed_at, count(m.id)
		 FROM scrape_jobs j
		 LEFT JOIN media m ON m.job_id = j.id
		 WHERE j.id = $1
		 GROUP BY j.id`,
		id,
	).Scan(&job.ID, &job.UserID, &job.URLs, &job.Status, &job.CreatedAt, &job.CompletedAt, &job.MediaCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Job{}, scrape.ErrNotFound
	}
	if err != nil {
		return scrape.Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// ListJobs returns a page of jobs newest first, plus the total count.
func (p *Postgres) ListJobs(ctx context.Context, page, limit int) ([]scrape.Job, int64, error) {
	var total int64
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM scrape_jobs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := p.pool.Query(ctx,
		`SELECT j.id, j.user_id, j.urls, j.status, j.created_at, j.completed_at, count(m.id)
		 FROM scrape_jobs j
		 LEFT JOIN media m ON m.job_id = j.id
		 GROUP BY j.id
		 ORDER BY j.created_at DESC
		 LIMIT $1 OFFSET $2`,
		limit, (page-1)*limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("select jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]scrape.Job, 0, limit)
	for rows.Next() {
		var job scrape.Job
		if err := rows.Scan(&job.ID, &job.UserID, &job.URLs, &job.Status, &job.CreatedAt, &job.CompletedAt, &job.MediaCount); err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, total, nil
}

// MarkJobProcessing transitions a pending job to processing. Idempotent:
// already-processing jobs are left alone, and terminal jobs are never
// reopened.
func (p *Postgres) MarkJobProcessing(ctx context.Context, id int64) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE scrape_jobs SET status = $2 WHERE id = $1 AND status = $3`,
		id, scrape.JobStatusProcessing, scrape.JobStatusPending,
	)
	if err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	return nil
}

// FinishJob writes a terminal status and completion time. Jobs already in a
// terminal state are not touched.
func (p *Postgres) FinishJob(ctx context.Context, id int64, status scrape.JobStatus, completedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finish job: %q is not a terminal status", status)
	}
	_, err := p.pool.Exec(ctx,
		`UPDATE scrape_jobs SET status = $2, completed_at = $3
		 WHERE id = $1 AND status IN ($4, $5)`,
		id, status, completedAt, scrape.JobStatusPending, scrape.JobStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// InsertMedia bulk-inserts extracted media for a page, skipping rows whose
// (job_id, media_url) already exists. Returns the number of rows written.
func (p *Postgres) InsertMedia(ctx context.Context, jobID int64, sourceURL string, items []scrape.MediaItem) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}
	urls := make([]string, len(items))
	types := make([]string, len(items))
	titles := make([]string, len(items))
	for i, item := range items {
		urls[i] = item.URL
		types[i] = string(item.Type)
		titles[i] = item.Title
	}
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO media (job_id, source_url, media_url, type, title)
		 SELECT $1, $2, unnest($3::text[]), unnest($4::text[]), unnest($5::text[])
		 ON CONFLICT (job_id, media_url) DO NOTHING`,
		jobID, sourceURL, urls, types, titles,
	)
	if err != nil {
		return 0, fmt.Errorf("insert media: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListMedia returns a filtered page of media newest first, plus the total
// count under the same filter.
func (p *Postgres) ListMedia(ctx context.Context, filter scrape.MediaFilter) ([]scrape.Media, int64, error) {
	where, args := mediaWhere(filter)

	var total int64
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM media`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count media: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT id, job_id, source_url, media_url, type, title, created_at FROM media%s
		 ORDER BY created_at DESC
		 LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2,
	)
	args = append(args, filter.Limit, (filter.Page-1)*filter.Limit)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("select media: %w", err)
	}
	defer rows.Close()

	media := make([]scrape.Media, 0, filter.Limit)
	for rows.Next() {
		var m scrape.Media
		if err := rows.Scan(&m.ID, &m.JobID, &m.SourceURL, &m.MediaURL, &m.Type, &m.Title, &m.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan media: %w", err)
		}
		media = append(media, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate media: %w", err)
	}
	return media, total, nil
}

func mediaWhere(filter scrape.MediaFilter) (string, []any) {
	var clauses []string
	var args []any
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		clauses = append(clauses, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		clauses = append(clauses, fmt.Sprintf("(title ILIKE $%d OR source_url ILIKE $%d)", len(args), len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// GetMedia loads one media row together with a summary of its job.
func (p *Postgres) GetMedia(ctx context.Context, id int64) (scrape.Media, scrape.Job, error) {
	var m scrape.Media
	var job scrape.Job
	err := p.pool.QueryRow(ctx,
		`SELECT m.id, m.job_id, m.source_url, m.media_url, m.type, m.title, m.created_at,
		        j.id, j.urls, j.status, j.created_at, j.completed_at,
		        (SELECT count(*) FROM media mc WHERE mc.job_id = j.id)
		 FROM media m
		 JOIN scrape_jobs j ON j.id = m.job_id
		 WHERE m.id = $1`,
		id,
	).Scan(&m.ID, &m.JobID, &m.SourceURL, &m.MediaURL, &m.Type, &m.Title, &m.CreatedAt,
		&job.ID, &job.URLs, &job.Status, &job.CreatedAt, &job.CompletedAt, &job.MediaCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Media{}, scrape.Job{}, scrape.ErrNotFound
	}
	if err != nil {
		return scrape.Media{}, scrape.Job{}, fmt.Errorf("select media: %w", err)
	}
	return m, job, nil
}

// MediaStats aggregates counts for the stats endpoint.
func (p *Postgres) MediaStats(ctx context.Context) (scrape.MediaStats, error) {
	var stats scrape.MediaStats
	err := p.pool.QueryRow(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE type = 'image'),
		        count(*) FILTER (WHERE type = 'video'),
		        count(*) FILTER (WHERE created_at >= now() - interval '24 hours')
		 FROM media`,
	).Scan(&stats.Total, &stats.Images, &stats.Videos, &stats.Last24h)
	if err != nil {
		return scrape.MediaStats{}, fmt.Errorf("media stats: %w", err)
	}
	return stats, nil
}

// GetUserByUsername loads an authentication principal.
func (p *Postgres) GetUserByUsername(ctx context.Context, username string) (scrape.User, error) {
	var user scrape.User
	err := p.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = $1`,
		username,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.User{}, scrape.ErrNotFound
	}
	if err != nil {
		return scrape.User{}, fmt.Errorf("select user: %w", err)
	}
	return user, nil
}

// Ping verifies database liveness for health checks.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
