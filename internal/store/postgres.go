package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat-maintenance-scheduler/internal/models"
)

// Sentinel errors surfaced to callers. Everything else is wrapped storage failure.
var (
	ErrDuplicateJob = errors.New("job already registered")
	ErrJobNotFound  = errors.New("job not found")
	ErrNotRetryable = errors.New("job is not failed or has exhausted retries")
)

const jobColumns = `job_name, job_kind, description, target, status, progress,
	total_items, processed_items, batch_size, batch_pause_ms, depends_on,
	retry_count, max_retries, metadata, last_error,
	created_ts, started_ts, last_updated_ts, completed_ts`

// Store wraps pgxpool for Postgres persistence of jobs, history, and stats.
// Lease state deliberately lives elsewhere: no mutation here spans more than a
// single row, which is what keeps the protocol safe under worker crashes.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RegisterJobParams collects inputs required to insert a job.
type RegisterJobParams struct {
	Name        string
	Kind        string
	Description string
	Target      string
	TotalItems  int64
	BatchSize   int
	PauseMs     int
	DependsOn   []string
	MaxRetries  int
	Metadata    map[string]any
}

// RegisterJob inserts a new job in pending status. A second registration under
// the same name returns ErrDuplicateJob and leaves the first row untouched.
func (s *Store) RegisterJob(ctx context.Context, p RegisterJobParams) (models.Job, error) {
	if p.BatchSize <= 0 {
		p.BatchSize = 100
	}
	if p.PauseMs < 0 {
		p.PauseMs = 0
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}

	metadataJSON, err := marshalMetadata(p.Metadata)
	if err != nil {
		return models.Job{}, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO maintenance_jobs (
			job_name, job_kind, description, target, total_items,
			batch_size, batch_pause_ms, depends_on, max_retries, metadata,
			status, created_ts
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', NOW())
		RETURNING `+jobColumns,
		p.Name, p.Kind, emptyToNil(p.Description), emptyToNil(p.Target), p.TotalItems,
		p.BatchSize, p.PauseMs, p.DependsOn, p.MaxRetries, metadataJSON)

	job, err := scanJob(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return models.Job{}, ErrDuplicateJob
		}
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by name.
func (s *Store) GetJob(ctx context.Context, name string) (models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM maintenance_jobs WHERE job_name = $1`, name)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs matching the optional status and kind filters, oldest
// first. Creation order is the tiebreak used everywhere for "next" selection.
func (s *Store) ListJobs(ctx context.Context, status, kind string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM maintenance_jobs
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR job_kind = $2)
		ORDER BY created_ts ASC
	`, status, kind)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkRunning transitions a job to running and stamps started_ts on its first
// run. Callers must hold a live lease on the job.
func (s *Store) MarkRunning(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE maintenance_jobs
		SET status = 'running',
		    started_ts = COALESCE(started_ts, NOW()),
		    last_updated_ts = NOW()
		WHERE job_name = $1
	`, name)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MarkCompleted closes a job out on the body's say-so, used when the body
// reports its last batch before the counters cross the registered total. The
// total is shrunk to the actual processed count so the completion rule stays
// consistent for later reads.
func (s *Store) MarkCompleted(ctx context.Context, name string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE maintenance_jobs
		SET status = 'completed',
		    total_items = CASE WHEN processed_items > 0 THEN processed_items ELSE total_items END,
		    progress = 100,
		    completed_ts = COALESCE(completed_ts, NOW()),
		    last_updated_ts = NOW()
		WHERE job_name = $1
		RETURNING `+jobColumns, name)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("mark completed: %w", err)
	}
	return job, nil
}

// UpdateProgress atomically adds itemsDelta to processed_items and recomputes
// the percentage. The total hint only takes effect while the stored total is
// still zero, so a late, smaller estimate can never force a spurious
// completion. When processed_items reaches a positive total the job flips to
// completed and completed_ts is stamped. Every expression reads the target
// row directly, one statement, no subquery: concurrent callers serialize on
// the row lock and each sees the other's committed total.
func (s *Store) UpdateProgress(ctx context.Context, name string, itemsDelta, totalHint int64) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE maintenance_jobs
		SET processed_items = processed_items + $2,
		    total_items = CASE
		        WHEN total_items > 0 THEN total_items
		        WHEN $3 > 0 THEN $3::BIGINT
		        ELSE 0
		    END,
		    progress = CASE
		        WHEN total_items > 0 THEN LEAST(100, (100 * (processed_items + $2) / total_items))::INTEGER
		        WHEN $3 > 0 THEN LEAST(100, (100 * (processed_items + $2) / $3))::INTEGER
		        ELSE progress
		    END,
		    status = CASE
		        WHEN total_items > 0 AND processed_items + $2 >= total_items THEN 'completed'
		        WHEN total_items = 0 AND $3 > 0 AND processed_items + $2 >= $3 THEN 'completed'
		        ELSE status
		    END,
		    completed_ts = CASE
		        WHEN completed_ts IS NULL AND (
		            (total_items > 0 AND processed_items + $2 >= total_items) OR
		            (total_items = 0 AND $3 > 0 AND processed_items + $2 >= $3)
		        ) THEN NOW()
		        ELSE completed_ts
		    END,
		    last_updated_ts = NOW()
		WHERE job_name = $1
		RETURNING `+jobColumns,
		name, itemsDelta, totalHint)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("update progress: %w", err)
	}
	return job, nil
}

// SetFailed records a body failure. The retry counter is untouched here; only
// RetryFailed spends retries.
func (s *Store) SetFailed(ctx context.Context, name, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE maintenance_jobs
		SET status = 'failed', last_error = $2, last_updated_ts = NOW()
		WHERE job_name = $1
	`, name, errMsg)
	if err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RetryFailed returns every failed job with retries left to pending, spending
// one retry each. Progress counters are kept: a retried job resumes rather
// than restarts. Jobs at the retry bound stay failed until an operator steps in.
func (s *Store) RetryFailed(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE maintenance_jobs
		SET status = 'pending',
		    last_error = NULL,
		    retry_count = retry_count + 1,
		    last_updated_ts = NOW()
		WHERE status = 'failed' AND retry_count < max_retries
	`)
	if err != nil {
		return 0, fmt.Errorf("retry failed jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RetryJob is the single-job form of RetryFailed, for operator tooling. It
// refuses jobs that are not failed or have exhausted their retries.
func (s *Store) RetryJob(ctx context.Context, name string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE maintenance_jobs
		SET status = 'pending',
		    last_error = NULL,
		    retry_count = retry_count + 1,
		    last_updated_ts = NOW()
		WHERE job_name = $1 AND status = 'failed' AND retry_count < max_retries
		RETURNING `+jobColumns, name)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either unknown or not retryable; let the caller tell them apart.
		if _, getErr := s.GetJob(ctx, name); getErr != nil {
			return models.Job{}, getErr
		}
		return models.Job{}, ErrNotRetryable
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("retry job: %w", err)
	}
	return job, nil
}

// AppendHistory adds one immutable execution record. No update or delete is
// exposed; pruning is somebody else's problem.
func (s *Store) AppendHistory(ctx context.Context, rec models.ExecutionRecord) error {
	metadataJSON, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO maintenance_job_history (job_name, started_ts, ended_ts, status, items_processed, error_message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.JobName, rec.StartedAt, rec.EndedAt, rec.Status, rec.ItemsProcessed, rec.Error, metadataJSON)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// GetHistory returns the most recent execution records for a job.
func (s *Store) GetHistory(ctx context.Context, name string, limit int64) ([]models.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_name, started_ts, ended_ts, status, items_processed, error_message, metadata
		FROM maintenance_job_history
		WHERE job_name = $1
		ORDER BY started_ts DESC
		LIMIT $2
	`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var records []models.ExecutionRecord
	for rows.Next() {
		var rec models.ExecutionRecord
		var errMsg pgtype.Text
		var metadataJSON []byte
		if err := rows.Scan(&rec.ID, &rec.JobName, &rec.StartedAt, &rec.EndedAt, &rec.Status, &rec.ItemsProcessed, &errMsg, &metadataJSON); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec.Error = textPtr(errMsg)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal history metadata: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByStatus returns the number of jobs in the given status.
func (s *Store) CountByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM maintenance_jobs WHERE status = $1`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs by status: %w", err)
	}
	return n, nil
}

// CountAll returns the total number of registered jobs.
func (s *Store) CountAll(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM maintenance_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// RecomputeDailyStats upserts the rollup row for the given date from current
// job state plus that day's history. Purely observational.
func (s *Store) RecomputeDailyStats(ctx context.Context, date time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO maintenance_job_stats (
			stat_date, total_jobs, completed_jobs, failed_jobs,
			total_items_processed, total_execution_time_ms, avg_items_per_second, updated_ts
		)
		SELECT $1::date, j.total, j.completed, j.failed,
		       h.items, h.ms,
		       CASE WHEN h.secs > 0 THEN h.items::DOUBLE PRECISION / h.secs ELSE NULL END,
		       NOW()
		FROM (
			SELECT COUNT(*) AS total,
			       COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			       COUNT(*) FILTER (WHERE status = 'failed') AS failed
			FROM maintenance_jobs
		) AS j, (
			SELECT COALESCE(SUM(items_processed), 0) AS items,
			       COALESCE(SUM(EXTRACT(EPOCH FROM (ended_ts - started_ts)) * 1000), 0)::BIGINT AS ms,
			       COALESCE(SUM(EXTRACT(EPOCH FROM (ended_ts - started_ts))), 0) AS secs
			FROM maintenance_job_history
			WHERE started_ts::date = $1::date
		) AS h
		ON CONFLICT (stat_date) DO UPDATE SET
			total_jobs = EXCLUDED.total_jobs,
			completed_jobs = EXCLUDED.completed_jobs,
			failed_jobs = EXCLUDED.failed_jobs,
			total_items_processed = EXCLUDED.total_items_processed,
			total_execution_time_ms = EXCLUDED.total_execution_time_ms,
			avg_items_per_second = EXCLUDED.avg_items_per_second,
			updated_ts = EXCLUDED.updated_ts
	`, date)
	if err != nil {
		return fmt.Errorf("recompute daily stats: %w", err)
	}
	return nil
}

// GetDailyStats returns rollups for the last N days, newest first.
func (s *Store) GetDailyStats(ctx context.Context, days int) ([]models.DailyStats, error) {
	if days <= 0 {
		days = 7
	}
	rows, err := s.pool.Query(ctx, `
		SELECT stat_date, total_jobs, completed_jobs, failed_jobs,
		       total_items_processed, total_execution_time_ms, avg_items_per_second, updated_ts
		FROM maintenance_job_stats
		WHERE stat_date >= CURRENT_DATE - $1
		ORDER BY stat_date DESC
	`, days)
	if err != nil {
		return nil, fmt.Errorf("get daily stats: %w", err)
	}
	defer rows.Close()

	var stats []models.DailyStats
	for rows.Next() {
		var st models.DailyStats
		var avg pgtype.Float8
		if err := rows.Scan(&st.Date, &st.TotalJobs, &st.CompletedJobs, &st.FailedJobs,
			&st.TotalItemsProcessed, &st.TotalExecutionMs, &avg, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan daily stats: %w", err)
		}
		if avg.Valid {
			v := avg.Float64
			st.AvgItemsPerSecond = &v
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var description, target, lastErr pgtype.Text
	var startedTs, updatedTs, completedTs pgtype.Timestamptz
	var metadataJSON []byte

	err := row.Scan(
		&job.Name, &job.Kind, &description, &target, &job.Status, &job.Progress,
		&job.TotalItems, &job.ProcessedItems, &job.BatchSize, &job.BatchPauseMs, &job.DependsOn,
		&job.RetryCount, &job.MaxRetries, &metadataJSON, &lastErr,
		&job.CreatedAt, &startedTs, &updatedTs, &completedTs,
	)
	if err != nil {
		return models.Job{}, err
	}

	job.Description = description.String
	job.Target = target.String
	job.LastError = textPtr(lastErr)
	job.StartedAt = tsPtr(startedTs)
	job.UpdatedAt = tsPtr(updatedTs)
	job.CompletedAt = tsPtr(completedTs)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &job.Metadata); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return job, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
