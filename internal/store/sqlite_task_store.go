package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ocrflow/ocrflow/internal/domain"
	_ "modernc.org/sqlite"
)

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	filename TEXT NOT NULL,
	file_hash TEXT NOT NULL DEFAULT '',
	webhook_url TEXT NOT NULL DEFAULT '',
	total_pages INTEGER NOT NULL DEFAULT 0,
	processed_pages INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_file_hash ON jobs(file_hash);
`

// SQLiteTaskStore is the default durable backend. A single connection
// serializes all writes; SQLite handles durability per statement.
type SQLiteTaskStore struct {
	db *sql.DB
}

func NewSQLiteTaskStore(ctx context.Context, path string) (*SQLiteTaskStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure jobs schema: %w", err)
	}

	return &SQLiteTaskStore{db: db}, nil
}

func (s *SQLiteTaskStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteTaskStore) Create(ctx context.Context, job domain.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE id = ?`, job.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check job existence: %w", err)
	}
	if exists > 0 {
		return ErrDuplicateID
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO jobs (id, status, filename, file_hash, webhook_url, total_pages, processed_pages, error_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		string(job.Status),
		job.Filename,
		job.FileHash,
		job.WebhookURL,
		job.TotalPages,
		job.ProcessedPages,
		job.ErrorMessage,
		job.CreatedAt.UTC().Format(time.RFC3339Nano),
		job.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

func (s *SQLiteTaskStore) Get(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, selectJobSQL+` WHERE id = ?`, id)
	return scanJob(row)
}

func (s *SQLiteTaskStore) Update(ctx context.Context, id string, upd Update) (domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectJobSQL+` WHERE id = ?`, id)
	job, err := scanJob(row)
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
		 SET status = ?, total_pages = ?, processed_pages = ?, error_message = ?, updated_at = ?
		 WHERE id = ?`,
		string(merged.Status),
		merged.TotalPages,
		merged.ProcessedPages,
		merged.ErrorMessage,
		merged.UpdatedAt.Format(time.RFC3339Nano),
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

func (s *SQLiteTaskStore) List(ctx context.Context, filter *domain.Status) ([]domain.Job, error) {
	query := selectJobSQL
	args := []any{}
	if filter != nil {
		query += ` WHERE status = ?`
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
		job, err := scanJob(rows)
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

func (s *SQLiteTaskStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
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

func (s *SQLiteTaskStore) FindCompletedByHash(ctx context.Context, hash string) (domain.Job, bool, error) {
	if hash == "" {
		return domain.Job{}, false, nil
	}

	row := s.db.QueryRowContext(
		ctx,
		selectJobSQL+` WHERE file_hash = ? AND status = ? ORDER BY created_at DESC LIMIT 1`,
		hash,
		string(domain.StatusCompleted),
	)
	job, err := scanJob(row)
	if err == ErrNotFound {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

const selectJobSQL = `SELECT id, status, filename, file_hash, webhook_url, total_pages, processed_pages, error_message, created_at, updated_at FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job                  domain.Job
		status               string
		createdAt, updatedAt string
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
		&createdAt,
		&updatedAt,
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

	if job.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return domain.Job{}, fmt.Errorf("parse created_at for job %s: %w", job.ID, err)
	}
	if job.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return domain.Job{}, fmt.Errorf("parse updated_at for job %s: %w", job.ID, err)
	}
	return job, nil
}
