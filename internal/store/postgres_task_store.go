package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/ocrflow/ocrflow/internal/domain"
)

const postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	filename TEXT NOT NULL,
	file_hash TEXT NOT NULL DEFAULT '',
	webhook_url TEXT NOT NULL DEFAULT '',
	total_pages INTEGER NOT NULL DEFAULT 0,
	processed_pages INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_file_hash ON jobs(file_hash);
`

// PostgresTaskStore backs the registry with PostgreSQL for multi-replica
// deployments. Per-id write serialization uses row locks.
type PostgresTaskStore struct {
	db *sql.DB
}

func NewPostgresTaskStore(ctx context.Context, dsn string) (*PostgresTaskStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure jobs schema: %w", err)
	}

	return &PostgresTaskStore{db: db}, nil
}

func (s *PostgresTaskStore) Close() error {
	return s.db.Close()
}

const pgSelectJobSQL = `SELECT id, status, filename, file_hash, webhook_url, total_pages, processed_pages, error_message, created_at, updated_at FROM jobs`

func (s *PostgresTaskStore) Create(ctx context.Context, job domain.Job) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, status, filename, file_hash, webhook_url, total_pages, processed_pages, error_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID,
		string(job.Status),
		job.Filename,
		job.FileHash,
		job.WebhookURL,
		job.TotalPages,
		job.ProcessedPages,
		job.ErrorMessage,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresTaskStore) Get(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, pgSelectJobSQL+` WHERE id = $1`, id)
	return scanPGJob(row)
}

func (s *PostgresTaskStore) Update(ctx context.Context, id string, upd Update) (domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, pgSelectJobSQL+` WHERE id = $1 FOR UPDATE`, id)
	job, err := scanPGJob(row)
	if err != nil {
		return domain.Job{}, err
	}

	merged, err := applyUpdate(job, upd)
	if err != nil {
		return domain.Job{}, err
	}
	merged.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(
		ctx,
		`UPDATE jobs
		 SET status = $1, total_pages = $2, processed_pages = $3, error_message = $4, updated_at = $5
		 WHERE id = $6`,
		string(merged.Status),
		merged.TotalPages,
		merged.ProcessedPages,
		merged.ErrorMessage,
		merged.UpdatedAt,
		id,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Job{}, fmt.Errorf("commit update: %w", err)
	}
	return merged, nil
}

func (s *PostgresTaskStore) List(ctx context.Context, filter *domain.Status) ([]domain.Job, error) {
	query := pgSelectJobSQL
	args := []any{}
	if filter != nil {
		query += ` WHERE status = $1`
		args = append(args, string(*filter))
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		job, err := scanPGJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func (s *PostgresTaskStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresTaskStore) FindCompletedByHash(ctx context.Context, hash string) (domain.Job, bool, error) {
	if hash == "" {
		return domain.Job{}, false, nil
	}

	row := s.db.QueryRowContext(
		ctx,
		pgSelectJobSQL+` WHERE file_hash = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1`,
		hash,
		string(domain.StatusCompleted),
	)
	job, err := scanPGJob(row)
	if err == ErrNotFound {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

func scanPGJob(row rowScanner) (domain.Job, error) {
	var (
		job    domain.Job
		status string
	)
	err := row.Scan(
		&job.ID,
		&status,
		&job.Filename,
		&job.FileHash,
		&job.WebhookURL,
		&job.TotalPages,
		&job.ProcessedPages,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.Job{}, ErrNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("scan job: %w", err)
	}

	parsed, err := domain.ParseStatus(status)
	if err != nil {
		return domain.Job{}, fmt.Errorf("stored job %s: %w", job.ID, err)
	}
	job.Status = parsed
	return job, nil
}
