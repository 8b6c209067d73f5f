package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Tjy5/pdf-exam-question-extractor/app/config"
	"github.com/Tjy5/pdf-exam-question-extractor/app/database"
	"github.com/Tjy5/pdf-exam-question-extractor/app/events"
	"github.com/Tjy5/pdf-exam-question-extractor/app/logger"
	"github.com/Tjy5/pdf-exam-question-extractor/app/model"
	"github.com/Tjy5/pdf-exam-question-extractor/app/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fakeRasterizer struct {
	pages int
}

func (r *fakeRasterizer) PageCount(pdfPath string) (int, error) { return r.pages, nil }

func (r *fakeRasterizer) RenderPage(pdfPath string, pageNum, dpi int, outPath string) error {
	return nil
}

func newTestService(t *testing.T) *TaskService {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Task{}, &model.TaskStep{}, &model.TaskEvent{}))
	database.DB = db

	log := logger.New(config.LogConfig{Level: "error", Format: "text", Output: "stdout"})
	cfg := &config.Config{}
	cfg.Paths.DataDir = t.TempDir()

	channel := events.NewChannel(db, log)
	runner := pipeline.NewRunner(
		[]pipeline.Step{pipeline.NewStructureStep()},
		pipeline.NewGormStatusStore(db),
		channel,
		pipeline.RunnerOptions{MaxRetries: 1},
		log,
	)
	return NewTaskService(cfg, log, runner, &fakeRasterizer{pages: 7})
}

func TestCreateTask(t *testing.T) {
	svc := newTestService(t)

	task, err := svc.CreateTask("行测2023.pdf", []byte("%PDF-1.7 fake content"), model.TaskModeAuto)
	require.NoError(t, err)

	assert.Len(t, task.TaskID, 64)
	assert.Equal(t, model.TaskStatusPending, task.Status)
	assert.Equal(t, 7, task.ExpectedPages)
	assert.Len(t, task.Steps, model.StepCount)

	// PDF落盘到工作区
	data, err := os.ReadFile(task.PDFPath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 fake content", string(data))
	assert.Equal(t, filepath.Join(task.Workdir, "source.pdf"), task.PDFPath)
}

func TestCreateTask_DuplicateContentReused(t *testing.T) {
	svc := newTestService(t)

	first, err := svc.CreateTask("a.pdf", []byte("same bytes"), model.TaskModeAuto)
	require.NoError(t, err)
	second, err := svc.CreateTask("a.pdf", []byte("same bytes"), model.TaskModeAuto)
	require.NoError(t, err)

	assert.Equal(t, first.TaskID, second.TaskID)

	var count int64
	require.NoError(t, database.DB.Model(&model.Task{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestCreateTask_NameChangesIdentity(t *testing.T) {
	svc := newTestService(t)

	first, err := svc.CreateTask("a.pdf", []byte("same bytes"), model.TaskModeAuto)
	require.NoError(t, err)
	second, err := svc.CreateTask("b.pdf", []byte("same bytes"), model.TaskModeAuto)
	require.NoError(t, err)

	assert.NotEqual(t, first.TaskID, second.TaskID)
}

func TestCreateTask_EmptyContent(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreateTask("a.pdf", nil, model.TaskModeAuto)
	assert.Error(t, err)
}

func TestGetTask_NotFound(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.GetTask("no-such-task")
	assert.Error(t, err)
}

func TestRecoverStaleTasks(t *testing.T) {
	svc := newTestService(t)

	task, err := svc.CreateTask("a.pdf", []byte("content"), model.TaskModeAuto)
	require.NoError(t, err)

	// 模拟进程被杀时留下的执行中状态
	require.NoError(t, database.DB.Model(&model.Task{}).
		Where("task_id = ?", task.TaskID).
		Update("status", model.TaskStatusProcessing).Error)
	require.NoError(t, database.DB.Model(&model.TaskStep{}).
		Where("task_id = ? AND step_index = ?", task.TaskID, 1).
		Update("status", model.StepStatusRunning).Error)

	require.NoError(t, svc.RecoverStaleTasks())

	recovered, err := svc.GetTask(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, recovered.Status)
	assert.NotEmpty(t, recovered.ErrorMsg)
	assert.Equal(t, model.StepStatusFailed, recovered.Steps[1].Status)

	// 未在执行的步骤不受影响
	assert.Equal(t, model.StepStatusPending, recovered.Steps[0].Status)
}

func TestQueueStats(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreateTask("a.pdf", []byte("one"), model.TaskModeAuto)
	require.NoError(t, err)
	_, err = svc.CreateTask("b.pdf", []byte("two"), model.TaskModeAuto)
	require.NoError(t, err)

	stats, err := svc.QueueStats()
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats[string(model.TaskStatusPending)])
	assert.EqualValues(t, 0, stats[string(model.TaskStatusCompleted)])
	assert.EqualValues(t, 0, stats["executing"])
}

func TestStartTask_Missing(t *testing.T) {
	svc := newTestService(t)

	assert.Error(t, svc.StartTask("no-such-task", 0, true))
}
