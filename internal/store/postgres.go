package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mailrelay/internal/models"
	"mailrelay/internal/state"
)

// PostgresEmailJobStore persists jobs in the email_jobs table:
//
//	CREATE TABLE email_jobs (
//	    id            TEXT PRIMARY KEY,
//	    request_id    TEXT UNIQUE,
//	    recipient     TEXT NOT NULL,
//	    subject       TEXT,
//	    body          TEXT,
//	    status        TEXT NOT NULL,
//	    retry_count   INT NOT NULL DEFAULT 0,
//	    error_message TEXT,
//	    created_at    TIMESTAMPTZ NOT NULL,
//	    updated_at    TIMESTAMPTZ NOT NULL,
//	    sent_at       TIMESTAMPTZ
//	);
//
// Schema creation itself is owned by the deployment, not by this package.
type PostgresEmailJobStore struct {
	db *sql.DB
}

func NewPostgresEmailJobStore(db *sql.DB) *PostgresEmailJobStore {
	return &PostgresEmailJobStore{db: db}
}

const jobColumns = `id, request_id, recipient, subject, body, status, retry_count, error_message, created_at, updated_at, sent_at`

func (s *PostgresEmailJobStore) Create(ctx context.Context, job *models.EmailJob) error {
	query := `
		INSERT INTO email_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now(), NULL)
	`
	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.RequestID,
		job.Recipient,
		job.Subject,
		job.Body,
		job.Status,
		job.RetryCount,
		job.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert email job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresEmailJobStore) FindByID(ctx context.Context, id string) (*models.EmailJob, error) {
	query := `SELECT ` + jobColumns + ` FROM email_jobs WHERE id = $1`
	return s.queryOne(ctx, query, id)
}

func (s *PostgresEmailJobStore) FindByRequestID(ctx context.Context, requestID string) (*models.EmailJob, error) {
	query := `SELECT ` + jobColumns + ` FROM email_jobs WHERE request_id = $1`
	return s.queryOne(ctx, query, requestID)
}

// Update writes the full record. The consumer loop is the single logical
// owner of a job while its message is in flight, so no optimistic locking is
// applied here.
func (s *PostgresEmailJobStore) Update(ctx context.Context, job *models.EmailJob) error {
	query := `
		UPDATE email_jobs
		SET status = $2,
		    retry_count = $3,
		    error_message = $4,
		    sent_at = $5,
		    updated_at = now()
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Status,
		job.RetryCount,
		job.ErrorMessage,
		job.SentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update email job %s: %w", job.ID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("email job %s not found for update", job.ID)
	}
	return nil
}

func (s *PostgresEmailJobStore) FindStale(ctx context.Context, status state.JobStatus, olderThan time.Time, limit int) ([]models.EmailJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM email_jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, status, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale %s jobs: %w", status, err)
	}
	defer rows.Close()

	var jobs []models.EmailJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *PostgresEmailJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresEmailJobStore) queryOne(ctx context.Context, query string, arg any) (*models.EmailJob, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.EmailJob, error) {
	var job models.EmailJob
	if err := row.Scan(
		&job.ID,
		&job.RequestID,
		&job.Recipient,
		&job.Subject,
		&job.Body,
		&job.Status,
		&job.RetryCount,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.SentAt,
	); err != nil {
		return nil, err
	}
	return &job, nil
}
