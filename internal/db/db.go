package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailflow/internal/models"
)

// Store persists EmailJob records in Postgres. Jobs are inserted once by
// the scheduling API and updated at most once by a worker when the job
// reaches a terminal status.
type Store struct {
	Pool *pgxpool.Pool
}

func New(conn string) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), conn)
	if err != nil {
		return nil, err
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

const jobColumns = `id, sender_email, sender_name, recipient_email, subject, body,
	 scheduled_at, min_delay_seconds, hourly_limit, status, attempts,
	 sent_at, last_error, created_at, updated_at`

// CreateJob inserts a new SCHEDULED job, minting its id.
func (s *Store) CreateJob(ctx context.Context, job *models.EmailJob) error {
	job.ID = uuid.NewString()
	job.Status = models.StatusScheduled

	_, err := s.Pool.Exec(ctx,
		`INSERT INTO email_jobs
		 (id, sender_email, sender_name, recipient_email, subject, body,
		  scheduled_at, min_delay_seconds, hourly_limit, status, attempts,
		  created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,0,NOW(),NOW())`,
		job.ID,
		job.SenderEmail,
		job.SenderName,
		job.RecipientEmail,
		job.Subject,
		job.Body,
		job.ScheduledAt,
		job.MinDelaySeconds,
		job.HourlyLimit,
		job.Status,
	)
	if err != nil {
		return fmt.Errorf("insert email job: %w", err)
	}

	return nil
}

// GetJob loads a job by id. A missing row returns (nil, nil) so callers
// can treat an orphaned queue entry as a no-op rather than an error.
func (s *Store) GetJob(ctx context.Context, id string) (*models.EmailJob, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM email_jobs WHERE id=$1`, id)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get email job: %w", err)
	}

	return job, nil
}

// MarkSent records a successful delivery: terminal SENT status, the
// dispatch timestamp, one completed attempt, and a cleared error.
func (s *Store) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE email_jobs
		 SET status=$1,
		     sent_at=$2,
		     attempts=attempts+1,
		     last_error=NULL,
		     updated_at=NOW()
		 WHERE id=$3`,
		models.StatusSent,
		sentAt,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark job sent: %w", err)
	}

	return nil
}

// MarkFailed records a failed delivery attempt as terminal FAILED with
// the transport's error message.
func (s *Store) MarkFailed(ctx context.Context, id string, reason string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE email_jobs
		 SET status=$1,
		     attempts=attempts+1,
		     last_error=$2,
		     updated_at=NOW()
		 WHERE id=$3`,
		models.StatusFailed,
		reason,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}

	return nil
}

// ListScheduled returns jobs still awaiting dispatch, earliest first.
func (s *Store) ListScheduled(ctx context.Context) ([]*models.EmailJob, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+jobColumns+` FROM email_jobs
		 WHERE status=$1
		 ORDER BY scheduled_at ASC`,
		models.StatusScheduled,
	)
	if err != nil {
		return nil, fmt.Errorf("list scheduled jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListCompleted returns terminal jobs, most recently sent first.
func (s *Store) ListCompleted(ctx context.Context) ([]*models.EmailJob, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+jobColumns+` FROM email_jobs
		 WHERE status=$1 OR status=$2
		 ORDER BY sent_at DESC NULLS LAST`,
		models.StatusSent,
		models.StatusFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("list completed jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]*models.EmailJob, error) {
	var jobs []*models.EmailJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan email job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*models.EmailJob, error) {
	var job models.EmailJob
	err := row.Scan(
		&job.ID,
		&job.SenderEmail,
		&job.SenderName,
		&job.RecipientEmail,
		&job.Subject,
		&job.Body,
		&job.ScheduledAt,
		&job.MinDelaySeconds,
		&job.HourlyLimit,
		&job.Status,
		&job.Attempts,
		&job.SentAt,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &job, nil
}
