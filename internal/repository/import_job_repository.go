package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"crm-import/internal/models"
)

type ImportJobRepository struct {
	db *sqlx.DB
}

func NewImportJobRepository(db *sqlx.DB) *ImportJobRepository {
	return &ImportJobRepository{db: db}
}

const importJobColumns = `id, portal_id, status, original_filename, stored_filepath, field_mappings,
	settings, total_rows, processed_rows, error_details, created_at, updated_at`

// Create inserts a pending job and sets its ID.
func (r *ImportJobRepository) Create(ctx context.Context, job *models.ImportJob) error {
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	query := `INSERT INTO import_jobs (portal_id, status, original_filename, stored_filepath,
	          field_mappings, settings, total_rows, processed_rows, error_details)
	          VALUES (:portal_id, :status, :original_filename, :stored_filepath,
	          :field_mappings, :settings, :total_rows, :processed_rows, :error_details)`
	result, err := r.db.NamedExecContext(ctx, query, job)
	if err != nil {
		return fmt.Errorf("insert import job: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	job.ID = id
	return nil
}

func (r *ImportJobRepository) GetByID(ctx context.Context, id int64) (*models.ImportJob, error) {
	var job models.ImportJob
	query := "SELECT " + importJobColumns + " FROM import_jobs WHERE id = ? LIMIT 1"
	if err := r.db.GetContext(ctx, &job, query, id); err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// GetByPortal returns the job only when it belongs to the portal.
func (r *ImportJobRepository) GetByPortal(ctx context.Context, portalID, id int64) (*models.ImportJob, error) {
	var job models.ImportJob
	query := "SELECT " + importJobColumns + " FROM import_jobs WHERE id = ? AND portal_id = ? LIMIT 1"
	if err := r.db.GetContext(ctx, &job, query, id, portalID); err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// ListByPortal returns one page of the portal's jobs, newest first, and the
// total number of jobs.
func (r *ImportJobRepository) ListByPortal(ctx context.Context, portalID int64, limit, offset int) ([]models.ImportJob, int, error) {
	var jobs []models.ImportJob
	var total int

	countQuery := "SELECT COUNT(*) FROM import_jobs WHERE portal_id = ?"
	if err := r.db.GetContext(ctx, &total, countQuery, portalID); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + importJobColumns + " FROM import_jobs WHERE portal_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	if err := r.db.SelectContext(ctx, &jobs, query, portalID, limit, offset); err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// MarkProcessing moves a pending job to processing. A job already in a
// terminal state is left untouched.
func (r *ImportJobRepository) MarkProcessing(ctx context.Context, id int64) error {
	query := `UPDATE import_jobs SET status = ?, updated_at = NOW()
	          WHERE id = ? AND status IN (?, ?)`
	_, err := r.db.ExecContext(ctx, query, models.StatusProcessing, id, models.StatusPending, models.StatusProcessing)
	return err
}

func (r *ImportJobRepository) SetTotalRows(ctx context.Context, id int64, total int) error {
	query := "UPDATE import_jobs SET total_rows = ?, updated_at = NOW() WHERE id = ?"
	_, err := r.db.ExecContext(ctx, query, total, id)
	return err
}

func (r *ImportJobRepository) UpdateProgress(ctx context.Context, id int64, processed int, errs models.RowErrors) error {
	query := "UPDATE import_jobs SET processed_rows = ?, error_details = ?, updated_at = NOW() WHERE id = ?"
	_, err := r.db.ExecContext(ctx, query, processed, errs, id)
	return err
}

func (r *ImportJobRepository) MarkCompleted(ctx context.Context, id int64, processed int, errs models.RowErrors) error {
	return r.finish(ctx, id, models.StatusCompleted, processed, errs)
}

func (r *ImportJobRepository) MarkFailed(ctx context.Context, id int64, processed int, errs models.RowErrors) error {
	return r.finish(ctx, id, models.StatusFailed, processed, errs)
}

func (r *ImportJobRepository) finish(ctx context.Context, id int64, status models.JobStatus, processed int, errs models.RowErrors) error {
	query := `UPDATE import_jobs SET status = ?, processed_rows = ?, error_details = ?, updated_at = NOW()
	          WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, status, processed, errs, id); err != nil {
		return fmt.Errorf("mark import job %d %s: %w", id, status, err)
	}
	return nil
}
