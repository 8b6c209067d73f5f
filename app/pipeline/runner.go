package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/Tjy5/pdf-exam-question-extractor/app/logger"
	"github.com/Tjy5/pdf-exam-question-extractor/app/model"
	"go.uber.org/zap"
)

// StatusStore 步骤状态持久化层
type StatusStore interface {
	LoadSteps(taskID string) ([]model.TaskStep, error)
	SaveStep(step *model.TaskStep) error
	SetTaskStatus(taskID string, status model.TaskStatus, errMsg string) error
}

// EventSink 事件接收端，由事件通道实现
type EventSink interface {
	EmitStep(taskID string, steps []model.TaskStep)
	EmitLog(taskID, message, level string)
	EmitDone(taskID string, status model.TaskStatus, errMsg string)
}

// RunnerOptions 运行器参数
type RunnerOptions struct {
	MaxRetries int           // 单步重试次数上限
	RetryDelay time.Duration // 重试基础延迟，指数退避
}

// Runner 流水线运行器：顺序执行步骤、持久化状态转移、发事件。
// 同一任务不允许并发执行，互斥由任务服务在外层保证。
type Runner struct {
	steps  []Step
	store  StatusStore
	events EventSink
	opts   RunnerOptions
	log    *logger.Logger
}

// NewRunner 创建运行器
func NewRunner(steps []Step, store StatusStore, events EventSink, opts RunnerOptions, log *logger.Logger) *Runner {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Runner{steps: steps, store: store, events: events, opts: opts, log: log}
}

// StepCount 步骤总数
func (r *Runner) StepCount() int {
	return len(r.steps)
}

// Run 从 startStep 开始执行流水线。
// runToEnd 为 false 时只执行一个步骤就返回（手动模式）。
// 已有完成标记的步骤记为 skipped 直接跳过；任一步骤失败则停止推进，
// 任务进入可续跑的失败态。startStep 之前的步骤不做任何改动。
func (r *Runner) Run(ctx context.Context, task *model.Task, startStep int, runToEnd bool) error {
	if startStep < 0 || startStep >= len(r.steps) {
		return fmt.Errorf("起始步骤序号越界: %d", startStep)
	}

	if err := r.store.SetTaskStatus(task.TaskID, model.TaskStatusProcessing, ""); err != nil {
		return err
	}
	states, err := r.store.LoadSteps(task.TaskID)
	if err != nil {
		return err
	}
	if len(states) != len(r.steps) {
		return fmt.Errorf("任务 %s 的步骤记录数不符: %d != %d", task.TaskID, len(states), len(r.steps))
	}

	r.log.Info("流水线开始",
		zap.String("task_id", task.TaskID),
		zap.Int("start_step", startStep),
		zap.Bool("run_to_end", runToEnd))

	for idx := startStep; idx < len(r.steps); idx++ {
		step := r.steps[idx]
		state := &states[idx]
		sc := r.stepContext(task, state)

		if step.Completed(sc) {
			state.Status = model.StepStatusSkipped
			state.ErrorMsg = ""
			if err := r.saveAndEmit(task.TaskID, state, states); err != nil {
				return err
			}
			sc.Logf(fmt.Sprintf("%s 产物已齐全，跳过", step.Title()))
			if !runToEnd {
				break
			}
			continue
		}

		now := time.Now()
		state.Status = model.StepStatusRunning
		state.ErrorMsg = ""
		state.StartedAt = &now
		state.EndedAt = nil
		state.Progress = 0
		state.ProgressText = ""
		if err := r.saveAndEmit(task.TaskID, state, states); err != nil {
			return err
		}

		result, execErr := r.executeWithRetry(ctx, step, sc)

		ended := time.Now()
		state.EndedAt = &ended
		if execErr != nil {
			state.Status = model.StepStatusFailed
			state.ErrorMsg = execErr.Error()
			if err := r.saveAndEmit(task.TaskID, state, states); err != nil {
				return err
			}
			if err := r.store.SetTaskStatus(task.TaskID, model.TaskStatusFailed, execErr.Error()); err != nil {
				return err
			}
			r.events.EmitDone(task.TaskID, model.TaskStatusFailed, execErr.Error())
			r.log.Error("步骤失败",
				zap.String("task_id", task.TaskID),
				zap.String("step", step.Name()),
				zap.Error(execErr))
			return fmt.Errorf("步骤 %s 失败: %w", step.Name(), execErr)
		}

		state.Status = model.StepStatusCompleted
		state.ArtifactCount = result.ArtifactCount
		state.Progress = 1.0
		if err := r.saveAndEmit(task.TaskID, state, states); err != nil {
			return err
		}

		if !runToEnd {
			break
		}
	}

	return r.finish(task.TaskID, states, runToEnd)
}

// finish 判定整体状态：全部完成/跳过 → completed；
// 手动模式中途停下 → paused 等待下一次指令；其余情况回到 pending
func (r *Runner) finish(taskID string, states []model.TaskStep, runToEnd bool) error {
	allDone := true
	for i := range states {
		if states[i].Status != model.StepStatusCompleted && states[i].Status != model.StepStatusSkipped {
			allDone = false
			break
		}
	}

	if allDone {
		if err := r.store.SetTaskStatus(taskID, model.TaskStatusCompleted, ""); err != nil {
			return err
		}
		r.events.EmitDone(taskID, model.TaskStatusCompleted, "")
		r.log.Info("流水线完成", zap.String("task_id", taskID))
		return nil
	}
	if !runToEnd {
		return r.store.SetTaskStatus(taskID, model.TaskStatusPaused, "")
	}
	return r.store.SetTaskStatus(taskID, model.TaskStatusPending, "")
}

// ResetStep 重置单个步骤：清除其产物和状态记录，其余步骤不受影响
func (r *Runner) ResetStep(task *model.Task, index int) error {
	if index < 0 || index >= len(r.steps) {
		return fmt.Errorf("步骤序号越界: %d", index)
	}
	states, err := r.store.LoadSteps(task.TaskID)
	if err != nil {
		return err
	}
	if index >= len(states) {
		return fmt.Errorf("任务 %s 缺少步骤记录 %d", task.TaskID, index)
	}

	state := &states[index]
	sc := r.stepContext(task, state)
	if err := r.steps[index].Reset(sc); err != nil {
		return fmt.Errorf("重置步骤 %s 产物失败: %w", r.steps[index].Name(), err)
	}

	state.Status = model.StepStatusPending
	state.ErrorMsg = ""
	state.ArtifactCount = 0
	state.Progress = 0
	state.ProgressText = ""
	state.StartedAt = nil
	state.EndedAt = nil
	return r.saveAndEmit(task.TaskID, state, states)
}

// executeWithRetry 带指数退避的单步执行，致命错误不重试
func (r *Runner) executeWithRetry(ctx context.Context, step Step, sc *StepContext) (*StepResult, error) {
	var lastErr error
	for attempt := 0; attempt < r.opts.MaxRetries; attempt++ {
		result, err := step.Execute(ctx, sc)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsFatal(err) || ctx.Err() != nil || attempt == r.opts.MaxRetries-1 {
			return nil, err
		}

		delay := r.opts.RetryDelay * time.Duration(1<<attempt)
		r.events.EmitLog(sc.TaskID,
			fmt.Sprintf("%s 第 %d 次尝试失败，%s 后重试: %v", step.Title(), attempt+1, delay, err), "warning")
		r.log.Warn("步骤重试",
			zap.String("task_id", sc.TaskID),
			zap.String("step", step.Name()),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// stepContext 构建步骤上下文。进度更新只走实时日志流不落库，
// 状态转移时再把最后的进度值一并持久化。
func (r *Runner) stepContext(task *model.Task, state *model.TaskStep) *StepContext {
	return &StepContext{
		TaskID:  task.TaskID,
		PDFPath: task.PDFPath,
		Workdir: task.Workdir,
		Log: func(line string) {
			r.events.EmitLog(task.TaskID, line, "info")
		},
		Progress: func(fraction float64, text string) {
			state.Progress = fraction
			state.ProgressText = text
			r.events.EmitLog(task.TaskID, text, "info")
		},
	}
}

func (r *Runner) saveAndEmit(taskID string, state *model.TaskStep, states []model.TaskStep) error {
	if err := r.store.SaveStep(state); err != nil {
		return err
	}
	r.events.EmitStep(taskID, states)
	return nil
}
