package pipeline

import (
	"context"
	"errors"

	"github.com/Tjy5/pdf-exam-question-extractor/app/inference"
)

// StepContext 一次步骤执行的任务上下文
type StepContext struct {
	TaskID  string
	PDFPath string
	Workdir string

	// Log 向事件流写一行日志，Progress 上报分数进度，两者都可为 nil
	Log      func(line string)
	Progress func(fraction float64, text string)
}

// Logf 安全的日志回调
func (sc *StepContext) Logf(line string) {
	if sc.Log != nil {
		sc.Log(line)
	}
}

// Report 安全的进度回调
func (sc *StepContext) Report(fraction float64, text string) {
	if sc.Progress != nil {
		sc.Progress(fraction, text)
	}
}

// StepResult 步骤执行结果
type StepResult struct {
	ArtifactCount int
}

// Step 流水线中的一个步骤。
// Completed 检查工作区中的完成标记（产物是否齐全），供断点续跑判断；
// Reset 只清除本步骤自己的产物，不触碰其他步骤。
type Step interface {
	Name() string
	Title() string
	Completed(sc *StepContext) bool
	Execute(ctx context.Context, sc *StepContext) (*StepResult, error)
	Reset(sc *StepContext) error
}

// Acquirer 推理资源获取入口，由混合调度器实现
type Acquirer interface {
	Acquire(ctx context.Context) (*inference.Lease, error)
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal 标记错误为不可重试（输入缺失、数据损坏等），重试也无法恢复
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal 判断错误是否不可重试
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
