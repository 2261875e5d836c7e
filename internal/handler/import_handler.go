package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"crm-import/internal/config"
	"crm-import/internal/models"
	"crm-import/internal/repository"
	"crm-import/internal/service"
	"crm-import/internal/source"
	"crm-import/internal/utils"
	"crm-import/internal/worker"
)

// ImportJobStore is the job persistence used by the import endpoints.
type ImportJobStore interface {
	Create(ctx context.Context, job *models.ImportJob) error
	GetByID(ctx context.Context, id int64) (*models.ImportJob, error)
	ListByPortal(ctx context.Context, portalID int64, limit, offset int) ([]models.ImportJob, int, error)
	MarkFailed(ctx context.Context, id int64, processed int, errs models.RowErrors) error
}

type PortalLookup interface {
	GetByID(ctx context.Context, id int64) (*models.Portal, error)
}

// TaskEnqueuer is satisfied by *asynq.Client.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type ImportHandler struct {
	jobs     ImportJobStore
	portals  PortalLookup
	queue    TaskEnqueuer
	progress service.ProgressReader
	reports  *service.ErrorReportService
	cfg      *config.Config
	logger   *logrus.Entry
}

func NewImportHandler(
	jobs ImportJobStore,
	portals PortalLookup,
	queue TaskEnqueuer,
	progress service.ProgressReader,
	reports *service.ErrorReportService,
	cfg *config.Config,
	logger *logrus.Entry,
) *ImportHandler {
	return &ImportHandler{
		jobs:     jobs,
		portals:  portals,
		queue:    queue,
		progress: progress,
		reports:  reports,
		cfg:      cfg,
		logger:   logger.WithField("component", "import_handler"),
	}
}

// StartImport stores the uploaded file, creates a pending job and queues it.
func (h *ImportHandler) StartImport(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File is required", err)
	}

	if !source.IsSupported(file.Filename) {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Only CSV and Excel files (.csv, .xlsx, .xlsm) are allowed", nil)
	}
	if file.Size > int64(h.cfg.UploadMaxSize) {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File size exceeds maximum limit", nil)
	}

	portalID, err := strconv.ParseInt(c.FormValue("portal_id"), 10, 64)
	if err != nil || portalID <= 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "portal_id is required", nil)
	}
	if _, err := h.portals.GetByID(c.UserContext(), portalID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Portal not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load portal", err)
	}

	entityTypeID, err := strconv.Atoi(c.FormValue("entity_type_id"))
	if err != nil || entityTypeID <= 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "entity_type_id is required", nil)
	}

	var mappings models.FieldMappings
	if err := json.Unmarshal([]byte(c.FormValue("field_mappings")), &mappings); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "field_mappings must be a JSON array", err)
	}
	if err := mappings.Validate(); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid field mappings", err)
	}

	settings := models.Settings{}
	if raw := strings.TrimSpace(c.FormValue("settings")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "settings must be a JSON object", err)
		}
	}
	if settings.BatchSize == 0 && h.cfg.ImportBatchSize > 0 {
		settings.BatchSize = h.cfg.ImportBatchSize
	}
	settings.ApplyDefaults()
	settings.EntityTypeID = entityTypeID
	if err := settings.Validate(); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid settings", err)
	}

	if err := os.MkdirAll(h.cfg.UploadPath, 0o755); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to prepare upload directory", err)
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	filePath := filepath.Join(h.cfg.UploadPath, uuid.New().String()+ext)
	if err := c.SaveFile(file, filePath); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save file", err)
	}

	job := &models.ImportJob{
		PortalID:         portalID,
		Status:           models.StatusPending,
		OriginalFilename: file.Filename,
		StoredFilepath:   filePath,
		FieldMappings:    mappings,
		Settings:         settings,
	}
	if err := h.jobs.Create(c.UserContext(), job); err != nil {
		_ = os.Remove(filePath)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create import job", err)
	}

	log := h.logger.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"portal_id": portalID,
		"filename":  file.Filename,
	})

	if err := h.enqueue(c.UserContext(), job.ID); err != nil {
		log.WithError(err).Error("Failed to queue import job")
		errs := models.RowErrors{{Error: "failed to queue import job: " + err.Error(), Data: map[string]any{"stage": "queue"}}}
		if markErr := h.jobs.MarkFailed(c.UserContext(), job.ID, 0, errs); markErr != nil {
			log.WithError(markErr).Error("Failed to mark job failed")
		}
		return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Failed to queue import job", err)
	}
	log.Info("Import job created")

	c.Status(fiber.StatusAccepted)
	return utils.SuccessResponse(c, "Import job created", fiber.Map{
		"job_id": job.ID,
	})
}

func (h *ImportHandler) enqueue(ctx context.Context, jobID int64) error {
	if h.queue == nil {
		return errors.New("task queue is not available")
	}
	task, err := worker.NewImportTask(jobID)
	if err != nil {
		return err
	}
	_, err = h.queue.EnqueueContext(ctx, task)
	return err
}

// GetStatus reports the job state. While the job runs, counters come from
// the live progress entry when it is newer than the stored snapshot.
func (h *ImportHandler) GetStatus(c *fiber.Ctx) error {
	job, err := h.loadJob(c)
	if job == nil {
		return err
	}

	processed, total := job.ProcessedRows, job.TotalRows
	errorsCount := len(job.ErrorDetails)
	if job.Status == models.StatusProcessing && h.progress != nil {
		live, err := h.progress.Get(c.UserContext(), job.ID)
		if err != nil {
			h.logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to read live progress")
		} else if live != nil && live.ProcessedRows >= processed {
			processed, total = live.ProcessedRows, live.TotalRows
			errorsCount = live.ErrorsCount
		}
	}

	return utils.SuccessResponse(c, "Import status retrieved successfully", fiber.Map{
		"job_id":              job.ID,
		"status":              job.Status,
		"original_filename":   job.OriginalFilename,
		"total_rows":          total,
		"processed_rows":      processed,
		"progress_percentage": models.ProgressPercentage(processed, total),
		"errors_count":        errorsCount,
		"error_details":       nonNilErrors(job.ErrorDetails),
		"created_at":          job.CreatedAt,
		"updated_at":          job.UpdatedAt,
	})
}

// GetHistory lists a portal's jobs, newest first.
func (h *ImportHandler) GetHistory(c *fiber.Ctx) error {
	portalID, err := strconv.ParseInt(c.Query("portal_id"), 10, 64)
	if err != nil || portalID <= 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "portal_id is required", nil)
	}

	page := utils.ParsePage(c)
	jobs, total, err := h.jobs.ListByPortal(c.UserContext(), portalID, page.Size, page.Offset())
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to retrieve import history", err)
	}

	items := make([]fiber.Map, 0, len(jobs))
	for i := range jobs {
		job := &jobs[i]
		items = append(items, fiber.Map{
			"job_id":              job.ID,
			"status":              job.Status,
			"original_filename":   job.OriginalFilename,
			"entity_type_id":      job.Settings.EntityTypeID,
			"total_rows":          job.TotalRows,
			"processed_rows":      job.ProcessedRows,
			"progress_percentage": job.ProgressPercentage(),
			"errors_count":        len(job.ErrorDetails),
			"created_at":          job.CreatedAt,
			"updated_at":          job.UpdatedAt,
		})
	}

	return utils.PaginatedResponse(c, "Import history retrieved successfully", items, page.Meta(int64(total)))
}

// DownloadErrorLog sends the job's error list as an xlsx workbook.
func (h *ImportHandler) DownloadErrorLog(c *fiber.Ctx) error {
	job, err := h.loadJob(c)
	if job == nil {
		return err
	}
	if len(job.ErrorDetails) == 0 {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "No errors recorded for this import", nil)
	}

	var buf bytes.Buffer
	if err := h.reports.WriteErrorReport(job, &buf); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to generate error report", err)
	}

	c.Set(fiber.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="import-%d-errors.xlsx"`, job.ID))
	return c.Send(buf.Bytes())
}

// loadJob resolves :id. On a nil job the response is already written and
// err is the result of writing it.
func (h *ImportHandler) loadJob(c *fiber.Ctx) (*models.ImportJob, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid import job ID", err)
	}
	job, err := h.jobs.GetByID(c.UserContext(), id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Import job not found", nil)
	}
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load import job", err)
	}
	return job, nil
}

func nonNilErrors(errs models.RowErrors) models.RowErrors {
	if errs == nil {
		return models.RowErrors{}
	}
	return errs
}
