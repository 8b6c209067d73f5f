package model

import (
	"time"
)

// 事件类型
const (
	EventKindStep = "step" // 步骤状态快照（持久化，可回放）
	EventKindLog  = "log"  // 日志行（仅实时，不持久化）
	EventKindDone = "done" // 结束标记（持久化，可回放）
)

// TaskEvent 任务事件记录。
// 自增主键即是回放用的单调序列号（Last-Event-ID）。
// 只持久化 step 和 done 两类事件，log 事件走内存广播。
type TaskEvent struct {
	ID          int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	TaskID      string    `json:"task_id" gorm:"not null;index;size:64"`
	Kind        string    `json:"kind" gorm:"not null;size:10"`
	PayloadJSON string    `json:"-" gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName 指定表名
func (TaskEvent) TableName() string {
	return "task_events"
}
