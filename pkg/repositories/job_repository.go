package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mapfold/atlas-engine/pkg/apperrors"
	"github.com/mapfold/atlas-engine/pkg/database"
	"github.com/mapfold/atlas-engine/pkg/models"
)

// JobRepository persists scheduled jobs for status queries. A partial unique
// index on (task_name, target_key) over live rows enforces at most one
// pending-or-running job per pair at the storage layer.
type JobRepository interface {
	// CreatePending inserts a pending job. If a live job for the same
	// (task_name, target_key) exists, the enqueue coalesces: the existing
	// job is returned and created is false.
	CreatePending(ctx context.Context, job *models.Job) (created bool, existing *models.Job, err error)

	// MarkRunning transitions a job to running.
	MarkRunning(ctx context.Context, id uuid.UUID) error

	// MarkComplete transitions a job to complete.
	MarkComplete(ctx context.Context, id uuid.UUID) error

	// MarkFailed transitions a job to failed, storing the error message.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error

	// GetLatest returns the most recent job for (task_name, target_key),
	// or ErrNotFound when none was ever enqueued.
	GetLatest(ctx context.Context, taskName, targetKey string) (*models.Job, error)

	// LastCompletedAt returns the completion time of the most recent
	// successful run, or nil when none succeeded yet.
	LastCompletedAt(ctx context.Context, taskName, targetKey string) (*time.Time, error)
}

type jobRepository struct {
	db *database.DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *database.DB) JobRepository {
	return &jobRepository{db: db}
}

const jobColumns = `id, task_name, target_key, args, status, error, created_at, started_at, completed_at`

func (r *jobRepository) CreatePending(ctx context.Context, job *models.Job) (bool, *models.Job, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = models.JobStatusPending
	job.CreatedAt = time.Now()

	args, err := json.Marshal(job.Args)
	if err != nil {
		return false, nil, fmt.Errorf("failed to marshal job args: %w", err)
	}
	if job.Args == nil {
		args = []byte(`{}`)
	}

	tag, err := r.db.Exec(ctx, `
		INSERT INTO jobs (id, task_name, target_key, args, status, created_at)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		ON CONFLICT (task_name, target_key) WHERE status IN ('pending', 'running')
		DO NOTHING`,
		job.ID, job.TaskName, job.TargetKey, args, job.CreatedAt)
	if err != nil {
		return false, nil, fmt.Errorf("failed to create job: %w", err)
	}

	if tag.RowsAffected() == 1 {
		return true, job, nil
	}

	existing, err := r.getLive(ctx, job.TaskName, job.TargetKey)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (r *jobRepository) getLive(ctx context.Context, taskName, targetKey string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE task_name = $1 AND target_key = $2 AND status IN ('pending', 'running')`
	job, err := scanJob(r.db.QueryRow(ctx, query, taskName, targetKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get live job: %w", err)
	}
	return job, nil
}

func (r *jobRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, id, `UPDATE jobs SET status = 'running', started_at = now() WHERE id = $1`)
}

func (r *jobRepository) MarkComplete(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, id, `UPDATE jobs SET status = 'complete', completed_at = now() WHERE id = $1`)
}

func (r *jobRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error = $2, completed_at = now() WHERE id = $1`,
		id, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *jobRepository) transition(ctx context.Context, id uuid.UUID, query string) error {
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to transition job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *jobRepository) GetLatest(ctx context.Context, taskName, targetKey string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE task_name = $1 AND target_key = $2
		ORDER BY created_at DESC
		LIMIT 1`

	job, err := scanJob(r.db.QueryRow(ctx, query, taskName, targetKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest job: %w", err)
	}
	return job, nil
}

func (r *jobRepository) LastCompletedAt(ctx context.Context, taskName, targetKey string) (*time.Time, error) {
	var completedAt *time.Time
	err := r.db.QueryRow(ctx, `
		SELECT MAX(completed_at) FROM jobs
		WHERE task_name = $1 AND target_key = $2 AND status = 'complete'`,
		taskName, targetKey).Scan(&completedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get last completion: %w", err)
	}
	return completedAt, nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var args []byte
	err := row.Scan(
		&job.ID, &job.TaskName, &job.TargetKey, &args, &job.Status, &job.Error,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &job.Args); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job args: %w", err)
		}
	}
	return &job, nil
}
