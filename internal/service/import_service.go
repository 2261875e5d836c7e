package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"crm-import/internal/bitrix24"
	"crm-import/internal/models"
	"crm-import/internal/repository"
	"crm-import/internal/source"
)

const (
	DefaultProgressInterval = 100
	DefaultMaxRetries       = 3

	addMethod = "crm.item.add"
)

// Failure stages recorded with a job-fatal error.
const (
	StagePortal     = "portal"
	StageSettings   = "settings"
	StageOpenFile   = "open_file"
	StageCountRows  = "count_rows"
	StageReadRows   = "read_rows"
	StageBatch      = "batch"
	StagePersist    = "persist"
	StageUnexpected = "unexpected"
)

// JobStore is the persistence the orchestrator needs for import jobs.
type JobStore interface {
	GetByID(ctx context.Context, id int64) (*models.ImportJob, error)
	MarkProcessing(ctx context.Context, id int64) error
	SetTotalRows(ctx context.Context, id int64, total int) error
	UpdateProgress(ctx context.Context, id int64, processed int, errs models.RowErrors) error
	MarkCompleted(ctx context.Context, id int64, processed int, errs models.RowErrors) error
	MarkFailed(ctx context.Context, id int64, processed int, errs models.RowErrors) error
}

// RowTransformer turns one source row into the fields sent to the CRM.
type RowTransformer interface {
	Transform(row source.Row, headers []string, rules models.FieldMappings) (map[string]any, error)
}

type PortalStore interface {
	GetByID(ctx context.Context, id int64) (*models.Portal, error)
}

// StageError is a job-fatal failure together with the step that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

type ImportOptions struct {
	MaxRetries       int
	ProgressInterval int
	Location         *time.Location
}

// ImportService drives one import job from its stored file to the CRM.
type ImportService struct {
	jobs       JobStore
	portals    PortalStore
	clients    ClientFactory
	progress   ProgressPublisher
	transform  RowTransformer
	duplicates *DuplicateFilter
	open       func(path, name string) (source.Reader, error)
	opts       ImportOptions
	logger     *logrus.Entry
}

func NewImportService(jobs JobStore, portals PortalStore, clients ClientFactory, progress ProgressPublisher, opts ImportOptions, logger *logrus.Entry) *ImportService {
	if opts.ProgressInterval < 1 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("component", "import")
	return &ImportService{
		jobs:       jobs,
		portals:    portals,
		clients:    clients,
		progress:   progress,
		transform:  NewTransformEngine(opts.Location, logger),
		duplicates: NewDuplicateFilter(logger),
		open:       source.Open,
		opts:       opts,
		logger:     logger,
	}
}

// importRun is the mutable state of one execution.
type importRun struct {
	job       *models.ImportJob
	client    RemoteClient
	headers   []string
	batch     *bitrix24.BatchRequest
	lines     map[string]int
	processed int
	total     int
	errors    models.RowErrors
	log       *logrus.Entry
}

func (r *importRun) addError(e models.RowError) {
	r.errors = append(r.errors, e)
}

// Run processes the job. A job that does not exist or is already finished
// is ignored. Any job-fatal failure marks the job failed and is returned.
func (s *ImportService) Run(ctx context.Context, jobID int64) (err error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.WithField("job_id", jobID).Warn("Import job not found, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load import job %d: %w", jobID, err)
	}
	if job.Status.IsTerminal() {
		s.logger.WithFields(logrus.Fields{
			"job_id": jobID,
			"status": job.Status,
		}).Info("Import job already finished, skipping")
		return nil
	}

	run := &importRun{
		job:    job,
		lines:  make(map[string]int),
		errors: append(models.RowErrors(nil), job.ErrorDetails...),
		log: s.logger.WithFields(logrus.Fields{
			"job_id":    job.ID,
			"portal_id": job.PortalID,
		}),
	}

	if err := s.jobs.MarkProcessing(ctx, job.ID); err != nil {
		return fmt.Errorf("mark job %d processing: %w", job.ID, err)
	}
	run.log.WithField("filename", job.OriginalFilename).Info("Import started")

	defer func() {
		if r := recover(); r != nil {
			err = s.fail(ctx, run, stageErr(StageUnexpected, fmt.Errorf("panic: %v", r)))
		}
	}()

	if err := s.execute(ctx, run); err != nil {
		return s.fail(ctx, run, err)
	}

	if err := s.jobs.MarkCompleted(ctx, job.ID, run.processed, run.errors); err != nil {
		return s.fail(ctx, run, stageErr(StagePersist, err))
	}
	s.publish(ctx, run, models.StatusCompleted)
	run.log.WithFields(logrus.Fields{
		"processed_rows": run.processed,
		"errors":         len(run.errors),
	}).Info("Import completed")
	return nil
}

func (s *ImportService) execute(ctx context.Context, run *importRun) error {
	job := run.job

	portal, err := s.portals.GetByID(ctx, job.PortalID)
	if errors.Is(err, repository.ErrNotFound) {
		return stageErr(StagePortal, fmt.Errorf("portal %d not found", job.PortalID))
	}
	if err != nil {
		return stageErr(StagePortal, err)
	}
	if job.Settings.EntityTypeID <= 0 {
		return stageErr(StageSettings, errors.New("entity_type_id is not set"))
	}
	run.client = s.clients.ForPortal(portal)

	reader, err := s.open(job.StoredFilepath, job.OriginalFilename)
	if err != nil {
		return stageErr(StageOpenFile, err)
	}
	defer reader.Close()

	run.total, err = reader.TotalRows()
	if err != nil {
		return stageErr(StageCountRows, err)
	}
	if err := s.jobs.SetTotalRows(ctx, job.ID, run.total); err != nil {
		return stageErr(StagePersist, err)
	}
	run.headers = reader.Headers()
	run.batch = bitrix24.NewBatchRequest()
	batchSize := job.Settings.EffectiveBatchSize()

	for {
		if err := ctx.Err(); err != nil {
			return stageErr(StageReadRows, err)
		}

		row, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var rowErr *source.RowReadError
			if !errors.As(err, &rowErr) {
				return stageErr(StageReadRows, err)
			}
			run.processed++
			run.addError(models.RowError{Row: rowErr.Line, Error: rowErr.Err.Error()})
		} else {
			run.processed++
			s.processRow(ctx, run, row)
		}

		if run.batch.Count() >= batchSize {
			if err := s.flush(ctx, run); err != nil {
				return stageErr(StageBatch, err)
			}
		}
		if run.processed%s.opts.ProgressInterval == 0 {
			s.snapshot(ctx, run)
		}
	}

	if err := s.flush(ctx, run); err != nil {
		return stageErr(StageBatch, err)
	}
	return nil
}

func (s *ImportService) processRow(ctx context.Context, run *importRun, row source.Row) {
	job := run.job

	fields, err := s.transformRow(run, row)
	if err != nil {
		run.addError(models.RowError{Row: row.Line, Error: err.Error()})
		return
	}
	if len(fields) == 0 {
		run.log.WithField("row", row.Line).Debug("Row has no mapped values, skipping")
		return
	}

	if job.Settings.DuplicateHandling == models.DuplicateSkip &&
		s.duplicates.IsDuplicate(ctx, fields, job.Settings.EntityTypeID, run.client, job.Settings) {
		run.log.WithField("row", row.Line).Debug("Duplicate row skipped")
		return
	}

	key := fmt.Sprintf("row_%d", row.Line)
	err = run.batch.AddCommand(key, addMethod, map[string]any{
		"entityTypeId": job.Settings.EntityTypeID,
		"fields":       fields,
	})
	if err != nil {
		run.addError(models.RowError{Row: row.Line, Command: key, Error: err.Error()})
		return
	}
	run.lines[key] = row.Line
}

// transformRow runs the transformer for one row. A panic is returned as the
// row's error so the rest of the file is still imported.
func (s *ImportService) transformRow(run *importRun, row source.Row) (fields map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			fields = nil
			err = fmt.Errorf("transform failed: %v", r)
		}
	}()
	return s.transform.Transform(row, run.headers, run.job.FieldMappings)
}

// flush sends the accumulated commands and folds the outcome into the run.
// Per-command and per-chunk failures are recorded; anything that stops the
// batch as a whole (credential refresh, cancellation) is returned.
func (s *ImportService) flush(ctx context.Context, run *importRun) error {
	if !run.batch.HasCommands() {
		return nil
	}
	defer func() {
		run.batch.Clear()
		run.lines = make(map[string]int)
	}()

	result, err := run.client.CallBatch(ctx, run.batch, s.opts.MaxRetries)
	if err != nil {
		return err
	}

	for _, e := range result.Errors {
		entry := models.RowError{Command: e.Key, Error: e.Message}
		if line, ok := run.lines[e.Key]; ok {
			entry.Row = line
		}
		if e.Code != "" {
			entry.Data = map[string]any{"code": e.Code}
		}
		run.addError(entry)
		run.log.WithFields(logrus.Fields{
			"command": e.Key,
			"code":    e.Code,
		}).Warn(e.Message)
	}
	s.publish(ctx, run, models.StatusProcessing)
	return nil
}

func (s *ImportService) snapshot(ctx context.Context, run *importRun) {
	if err := s.jobs.UpdateProgress(ctx, run.job.ID, run.processed, run.errors); err != nil {
		run.log.WithError(err).Warn("Failed to persist progress")
	}
	s.publish(ctx, run, models.StatusProcessing)
}

func (s *ImportService) publish(ctx context.Context, run *importRun, status models.JobStatus) {
	if s.progress == nil {
		return
	}
	err := s.progress.Publish(ctx, Progress{
		JobID:         run.job.ID,
		Status:        status,
		TotalRows:     run.total,
		ProcessedRows: run.processed,
		ErrorsCount:   len(run.errors),
		Percentage:    models.ProgressPercentage(run.processed, run.total),
		UpdatedAt:     time.Now(),
	})
	if err != nil {
		run.log.WithError(err).Debug("Failed to publish progress")
	}
}

// fail records cause as the job's final error and marks it failed. Errors
// collected before the failure are kept.
func (s *ImportService) fail(ctx context.Context, run *importRun, cause error) error {
	stage := StageUnexpected
	var se *StageError
	if errors.As(cause, &se) {
		stage = se.Stage
	}
	data := map[string]any{"stage": stage}
	if bitrix24.IsTokenRefreshError(cause) {
		data["reauthorize"] = true
	}
	message := cause.Error()
	if se != nil {
		message = se.Err.Error()
	}
	run.addError(models.RowError{Error: message, Data: data})

	run.log.WithField("stage", stage).WithError(cause).Error("Import failed")

	// Stored even when ctx is already cancelled.
	persistCtx := context.WithoutCancel(ctx)
	if err := s.jobs.MarkFailed(persistCtx, run.job.ID, run.processed, run.errors); err != nil {
		run.log.WithError(err).Error("Failed to mark job failed")
	}
	s.publish(persistCtx, run, models.StatusFailed)
	return cause
}
