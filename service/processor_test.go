package service

import (
	"context"
	"errors"
	"testing"

	"TopicToSlides-server/logger"
	"TopicToSlides-server/models"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	calls []string
	err   error
}

func (r *recordingRunner) CreateProject(ctx context.Context, projectID string) error {
	r.calls = append(r.calls, "create:"+projectID)
	return r.err
}

func (r *recordingRunner) RestartProject(ctx context.Context, projectID string) error {
	r.calls = append(r.calls, "restart:"+projectID)
	return r.err
}

func (r *recordingRunner) RestartSlide(ctx context.Context, projectID, slideID string) error {
	r.calls = append(r.calls, "slide:"+projectID+"/"+slideID)
	return r.err
}

func (r *recordingRunner) ExportPDF(ctx context.Context, projectID string) error {
	r.calls = append(r.calls, "pdf:"+projectID)
	return r.err
}

func (r *recordingRunner) ExportPPTX(ctx context.Context, projectID string) error {
	r.calls = append(r.calls, "pptx:"+projectID)
	return r.err
}

func newProcessorEnv(t *testing.T) (*models.Store, *recordingRunner, *Processor) {
	t.Helper()
	db, err := models.Open("sqlite", ":memory:")
	require.NoError(t, err)
	store := models.NewStore(db)
	require.NoError(t, store.AddProject(context.Background(), &models.Project{ProjectID: "p1", ProjectName: "x", Topic: "x", PageNum: 1}))
	r := &recordingRunner{}
	return store, r, NewProcessor(store, r, r, logger.Nop())
}

func TestProcessorDispatchesByType(t *testing.T) {
	store, r, p := newProcessorEnv(t)
	ctx := context.Background()

	tasks := []models.Task{
		{ID: "t1", ProjectId: "p1", Type: models.TaskTypeCreateProject},
		{ID: "t2", ProjectId: "p1", Type: models.TaskTypeRestartSlide, SlideId: "2.3"},
		{ID: "t3", ProjectId: "p1", Type: models.TaskTypeExportPDF,
			Parameters: models.TaskParameters{Export: &models.ExportParams{ContinueToPPTX: true}}},
	}
	for i := range tasks {
		require.NoError(t, store.CreateTask(ctx, &tasks[i]))
		require.NoError(t, p.Process(ctx, tasks[i].ID))
	}
	assert.Equal(t, []string{"create:p1", "slide:p1/2.3", "pdf:p1", "pptx:p1"}, r.calls)

	got, err := store.GetTask(ctx, "t3")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSuccess, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "pptx", got.Result.ResourceType)
	assert.NotNil(t, got.FinishedAt)
}

func TestProcessorMarksFailure(t *testing.T) {
	store, r, p := newProcessorEnv(t)
	ctx := context.Background()
	r.err = errors.New("llm down")

	require.NoError(t, store.CreateTask(ctx, &models.Task{ID: "t1", ProjectId: "p1", Type: models.TaskTypeRestartProject}))
	assert.Error(t, p.Process(ctx, "t1"))
	got, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, "llm down", got.Error)

	require.NoError(t, store.CreateTask(ctx, &models.Task{ID: "t2", ProjectId: "p1", Type: "render_video"}))
	assert.Error(t, p.Process(ctx, "t2"))
}

func TestHandleGenerateTaskSkipsRetry(t *testing.T) {
	_, _, p := newProcessorEnv(t)

	err := p.HandleGenerateTask(context.Background(), asynq.NewTask(TypeGenerateTask, []byte("{bad")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	task, err := NewGenerateTask("missing")
	require.NoError(t, err)
	err = p.HandleGenerateTask(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

// cancelRunner 模拟 asynq 任务超时：执行过程中取消 ctx
type cancelRunner struct {
	recordingRunner
	cancel context.CancelFunc
}

func (r *cancelRunner) CreateProject(ctx context.Context, projectID string) error {
	r.cancel()
	return ctx.Err()
}

func TestProcessorRecordsFailureAfterTimeout(t *testing.T) {
	store, _, _ := newProcessorEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &cancelRunner{cancel: cancel}
	p := NewProcessor(store, r, r, logger.Nop())

	require.NoError(t, store.CreateTask(context.Background(), &models.Task{ID: "t1", ProjectId: "p1", Type: models.TaskTypeCreateProject}))
	assert.ErrorIs(t, p.Process(ctx, "t1"), context.Canceled)

	got, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, context.Canceled.Error(), got.Error)
}
