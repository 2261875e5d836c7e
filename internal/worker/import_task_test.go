package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls []int64
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, jobID int64) error {
	f.calls = append(f.calls, jobID)
	return f.err
}

func newHandler(runner JobRunner) *ImportTaskHandler {
	logger, _ := test.NewNullLogger()
	return NewImportTaskHandler(runner, logrus.NewEntry(logger))
}

func TestNewImportTask(t *testing.T) {
	task, err := NewImportTask(42)
	require.NoError(t, err)
	assert.Equal(t, TypeImportProcess, task.Type())

	var payload ImportTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, int64(42), payload.JobID)
	assert.JSONEq(t, `{"job_id":42}`, string(task.Payload()))
}

func TestImportTaskHandler_RunsJob(t *testing.T) {
	runner := &fakeRunner{}
	task, err := NewImportTask(7)
	require.NoError(t, err)

	require.NoError(t, newHandler(runner).Handle(context.Background(), task))
	assert.Equal(t, []int64{7}, runner.calls)
}

func TestImportTaskHandler_FailedJobIsNotRetried(t *testing.T) {
	runner := &fakeRunner{err: errors.New("batch: halted")}
	task, err := NewImportTask(7)
	require.NoError(t, err)

	err = newHandler(runner).Handle(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Contains(t, err.Error(), "import job 7")
}

func TestImportTaskHandler_BadPayload(t *testing.T) {
	runner := &fakeRunner{}
	h := newHandler(runner)

	err := h.Handle(context.Background(), asynq.NewTask(TypeImportProcess, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = h.Handle(context.Background(), asynq.NewTask(TypeImportProcess, []byte(`{"job_id":0}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, runner.calls)
}
