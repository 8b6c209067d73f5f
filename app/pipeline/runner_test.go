package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Tjy5/pdf-exam-question-extractor/app/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// fakeStep 用标记文件表示完成状态的假步骤
type fakeStep struct {
	name      string
	workdir   string
	mu        sync.Mutex
	execCount int
	failTimes int  // 前N次执行返回可重试错误
	fatal     bool // 失败时返回致命错误
}

func (s *fakeStep) Name() string  { return s.name }
func (s *fakeStep) Title() string { return s.name }

func (s *fakeStep) marker() string {
	return filepath.Join(s.workdir, s.name+".done")
}

func (s *fakeStep) Completed(sc *StepContext) bool {
	_, err := os.Stat(s.marker())
	return err == nil
}

func (s *fakeStep) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	s.mu.Lock()
	s.execCount++
	count := s.execCount
	s.mu.Unlock()

	if count <= s.failTimes {
		err := fmt.Errorf("模拟失败（第 %d 次）", count)
		if s.fatal {
			return nil, Fatal(err)
		}
		return nil, err
	}
	if err := os.WriteFile(s.marker(), []byte("ok"), 0o644); err != nil {
		return nil, err
	}
	return &StepResult{ArtifactCount: 1}, nil
}

func (s *fakeStep) Reset(sc *StepContext) error {
	if err := os.Remove(s.marker()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *fakeStep) executions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execCount
}

// fakeSink 记录全部事件供断言
type fakeSink struct {
	mu    sync.Mutex
	steps [][]model.TaskStep
	logs  []string
	dones []model.TaskStatus
}

func (s *fakeSink) EmitStep(taskID string, steps []model.TaskStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]model.TaskStep, len(steps))
	copy(snapshot, steps)
	s.steps = append(s.steps, snapshot)
}

func (s *fakeSink) EmitLog(taskID, message, level string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, message)
}

func (s *fakeSink) EmitDone(taskID string, status model.TaskStatus, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dones = append(s.dones, status)
}

type runnerFixture struct {
	db     *gorm.DB
	store  *GormStatusStore
	sink   *fakeSink
	task   *model.Task
	steps  []*fakeStep
	runner *Runner
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Task{}, &model.TaskStep{}))

	workdir := t.TempDir()
	task := &model.Task{
		TaskID:  "task-test",
		PDFName: "exam.pdf",
		PDFPath: filepath.Join(workdir, "exam.pdf"),
		Workdir: workdir,
		Mode:    model.TaskModeAuto,
		Status:  model.TaskStatusPending,
		Steps:   model.NewTaskSteps("task-test"),
	}
	require.NoError(t, db.Create(task).Error)

	fakes := make([]*fakeStep, model.StepCount)
	steps := make([]Step, model.StepCount)
	for i, def := range model.StepDefinitions {
		fakes[i] = &fakeStep{name: def.Name, workdir: workdir}
		steps[i] = fakes[i]
	}

	sink := &fakeSink{}
	store := NewGormStatusStore(db)
	runner := NewRunner(steps, store, sink,
		RunnerOptions{MaxRetries: 3, RetryDelay: time.Millisecond}, newTestLogger())

	return &runnerFixture{db: db, store: store, sink: sink, task: task, steps: fakes, runner: runner}
}

func (f *runnerFixture) loadTask(t *testing.T) *model.Task {
	t.Helper()
	var task model.Task
	require.NoError(t, f.db.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_index ASC")
	}).First(&task, "task_id = ?", f.task.TaskID).Error)
	return &task
}

func TestRunner_RunToCompletion(t *testing.T) {
	f := newRunnerFixture(t)

	require.NoError(t, f.runner.Run(context.Background(), f.task, 0, true))

	task := f.loadTask(t)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	for _, s := range task.Steps {
		assert.Equal(t, model.StepStatusCompleted, s.Status)
		assert.Equal(t, 1, s.ArtifactCount)
		assert.NotNil(t, s.StartedAt)
		assert.NotNil(t, s.EndedAt)
	}
	for _, fs := range f.steps {
		assert.Equal(t, 1, fs.executions())
	}
	require.Len(t, f.sink.dones, 1)
	assert.Equal(t, model.TaskStatusCompleted, f.sink.dones[0])
}

// 重复跑同一任务：产物已齐全，全部步骤记为 skipped 且不重新执行
func TestRunner_SecondRunSkipsAll(t *testing.T) {
	f := newRunnerFixture(t)
	require.NoError(t, f.runner.Run(context.Background(), f.task, 0, true))
	require.NoError(t, f.runner.Run(context.Background(), f.task, 0, true))

	task := f.loadTask(t)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	for _, s := range task.Steps {
		assert.Equal(t, model.StepStatusSkipped, s.Status)
	}
	for _, fs := range f.steps {
		assert.Equal(t, 1, fs.executions(), "第二次运行不应重新执行任何步骤")
	}
}

func TestRunner_FailureHaltsProgression(t *testing.T) {
	f := newRunnerFixture(t)
	f.steps[2].failTimes = 99
	f.steps[2].fatal = true

	err := f.runner.Run(context.Background(), f.task, 0, true)
	require.Error(t, err)

	task := f.loadTask(t)
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	assert.NotEmpty(t, task.ErrorMsg)
	assert.Equal(t, model.StepStatusCompleted, task.Steps[0].Status)
	assert.Equal(t, model.StepStatusCompleted, task.Steps[1].Status)
	assert.Equal(t, model.StepStatusFailed, task.Steps[2].Status)
	assert.NotEmpty(t, task.Steps[2].ErrorMsg)
	assert.Equal(t, model.StepStatusPending, task.Steps[3].Status)
	assert.Equal(t, model.StepStatusPending, task.Steps[4].Status)

	assert.Equal(t, 0, f.steps[3].executions())
	require.Len(t, f.sink.dones, 1)
	assert.Equal(t, model.TaskStatusFailed, f.sink.dones[0])
}

func TestRunner_RetryThenSucceed(t *testing.T) {
	f := newRunnerFixture(t)
	f.steps[1].failTimes = 2 // 前两次失败，第三次成功

	require.NoError(t, f.runner.Run(context.Background(), f.task, 0, true))
	assert.Equal(t, 3, f.steps[1].executions())

	task := f.loadTask(t)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
}

func TestRunner_FatalErrorNotRetried(t *testing.T) {
	f := newRunnerFixture(t)
	f.steps[0].failTimes = 99
	f.steps[0].fatal = true

	require.Error(t, f.runner.Run(context.Background(), f.task, 0, true))
	assert.Equal(t, 1, f.steps[0].executions(), "致命错误不应重试")
}

// 从第2步重启：第0、1步的状态与产物原样保留
func TestRunner_RestartScoping(t *testing.T) {
	f := newRunnerFixture(t)
	require.NoError(t, f.runner.Run(context.Background(), f.task, 0, true))

	require.NoError(t, f.runner.ResetStep(f.task, 2))

	task := f.loadTask(t)
	assert.Equal(t, model.StepStatusCompleted, task.Steps[0].Status)
	assert.Equal(t, model.StepStatusCompleted, task.Steps[1].Status)
	assert.Equal(t, model.StepStatusPending, task.Steps[2].Status)
	assert.Equal(t, model.StepStatusCompleted, task.Steps[3].Status)

	// 第0、1步的产物未被触碰
	assert.FileExists(t, f.steps[0].marker())
	assert.FileExists(t, f.steps[1].marker())
	assert.NoFileExists(t, f.steps[2].marker())

	require.NoError(t, f.runner.Run(context.Background(), f.task, 2, true))

	task = f.loadTask(t)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Equal(t, model.StepStatusCompleted, task.Steps[0].Status, "重启不应重置更早的步骤")
	assert.Equal(t, model.StepStatusCompleted, task.Steps[2].Status)
	assert.Equal(t, 2, f.steps[2].executions())
	assert.Equal(t, 1, f.steps[0].executions(), "更早的已完成步骤不应重新执行")
	assert.Equal(t, 1, f.steps[3].executions())
}

func TestRunner_SingleStepMode(t *testing.T) {
	f := newRunnerFixture(t)

	require.NoError(t, f.runner.Run(context.Background(), f.task, 0, false))

	task := f.loadTask(t)
	assert.Equal(t, model.TaskStatusPaused, task.Status, "还有步骤未完成，任务暂停等待人工触发")
	assert.Equal(t, model.StepStatusCompleted, task.Steps[0].Status)
	assert.Equal(t, model.StepStatusPending, task.Steps[1].Status)
	assert.Equal(t, 1, f.steps[0].executions())
	assert.Equal(t, 0, f.steps[1].executions())

	// 逐步执行到最后一步后任务完成，中间每次都停在暂停态
	for i := 1; i < model.StepCount; i++ {
		require.NoError(t, f.runner.Run(context.Background(), f.task, i, false))
		if i < model.StepCount-1 {
			assert.Equal(t, model.TaskStatusPaused, f.loadTask(t).Status)
		}
	}
	task = f.loadTask(t)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
}

func TestRunner_InvalidStartStep(t *testing.T) {
	f := newRunnerFixture(t)
	assert.Error(t, f.runner.Run(context.Background(), f.task, -1, true))
	assert.Error(t, f.runner.Run(context.Background(), f.task, model.StepCount, true))
}
