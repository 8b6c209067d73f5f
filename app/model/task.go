package model

import (
	"time"
)

// TaskStatus 任务整体状态
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusPaused     TaskStatus = "paused"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// StepStatus 单步状态
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// TaskMode 执行模式
type TaskMode string

const (
	TaskModeAuto   TaskMode = "auto"   // 自动执行到结束
	TaskModeManual TaskMode = "manual" // 手动逐步执行
)

// StepCount 流水线步骤总数
const StepCount = 5

// Task 一次PDF处理任务。
// TaskID 是 PDF 内容+文件名的 SHA256 哈希，同一文件重复上传会复用任务。
type Task struct {
	TaskID        string     `json:"task_id" gorm:"primaryKey;size:64"`
	PDFName       string     `json:"pdf_name" gorm:"not null"`
	PDFPath       string     `json:"pdf_path" gorm:"not null"`
	Workdir       string     `json:"workdir" gorm:"not null"`
	Mode          TaskMode   `json:"mode" gorm:"size:10;default:'auto'"`
	Status        TaskStatus `json:"status" gorm:"size:20;default:'pending';index"`
	ExpectedPages int        `json:"expected_pages" gorm:"default:0"`
	ErrorMsg      string     `json:"error_msg" gorm:"type:text"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	Steps []TaskStep `json:"steps" gorm:"foreignKey:TaskID;references:TaskID"`
}

// TableName 指定表名
func (Task) TableName() string {
	return "tasks"
}

// IsTerminal 判断任务是否处于终态
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// TaskStep 任务中单个步骤的状态记录
type TaskStep struct {
	ID            uint       `json:"-" gorm:"primaryKey"`
	TaskID        string     `json:"-" gorm:"not null;index;size:64"`
	StepIndex     int        `json:"index" gorm:"not null"`
	Name          string     `json:"name" gorm:"not null;size:32"`
	Title         string     `json:"title" gorm:"size:64"`
	Status        StepStatus `json:"status" gorm:"size:20;default:'pending'"`
	ErrorMsg      string     `json:"error,omitempty" gorm:"type:text"`
	ArtifactCount int        `json:"artifact_count" gorm:"default:0"`
	Progress      float64    `json:"progress,omitempty" gorm:"default:0"`
	ProgressText  string     `json:"progress_text,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// TableName 指定表名
func (TaskStep) TableName() string {
	return "task_steps"
}

// 步骤定义：索引、名称、标题
var StepDefinitions = []struct {
	Index int
	Name  string
	Title string
}{
	{0, "rasterize", "PDF 转图片"},
	{1, "extract", "OCR 识别"},
	{2, "structure", "结构检测"},
	{3, "compose", "裁剪拼接"},
	{4, "collect", "结果汇总"},
}

// NewTaskSteps 为新任务创建全部步骤记录
func NewTaskSteps(taskID string) []TaskStep {
	steps := make([]TaskStep, 0, len(StepDefinitions))
	for _, def := range StepDefinitions {
		steps = append(steps, TaskStep{
			TaskID:    taskID,
			StepIndex: def.Index,
			Name:      def.Name,
			Title:     def.Title,
			Status:    StepStatusPending,
		})
	}
	return steps
}
