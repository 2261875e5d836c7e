package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

const (
	TypeImportProcess = "import:process"
	ImportQueue       = "default"
)

type ImportTaskPayload struct {
	JobID int64 `json:"job_id"`
}

// NewImportTask builds the task that runs one import job. Jobs are not
// retried by the queue; a failed job stays failed until re-submitted.
func NewImportTask(jobID int64) (*asynq.Task, error) {
	payload, err := json.Marshal(ImportTaskPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeImportProcess, payload, asynq.MaxRetry(0), asynq.Queue(ImportQueue)), nil
}

// JobRunner executes one import job to completion.
type JobRunner interface {
	Run(ctx context.Context, jobID int64) error
}

type ImportTaskHandler struct {
	runner JobRunner
	logger *logrus.Entry
}

func NewImportTaskHandler(runner JobRunner, logger *logrus.Entry) *ImportTaskHandler {
	return &ImportTaskHandler{
		runner: runner,
		logger: logger.WithField("component", "worker"),
	}
}

func (h *ImportTaskHandler) Handle(ctx context.Context, task *asynq.Task) error {
	var payload ImportTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID <= 0 {
		return fmt.Errorf("invalid job id %d: %w", payload.JobID, asynq.SkipRetry)
	}

	log := h.logger.WithField("job_id", payload.JobID)
	log.Info("Starting import task")

	if err := h.runner.Run(ctx, payload.JobID); err != nil {
		log.WithError(err).Error("Import task failed")
		return fmt.Errorf("import job %d: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}

	log.Info("Import task finished")
	return nil
}
