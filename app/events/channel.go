package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/Tjy5/pdf-exam-question-extractor/app/logger"
	"github.com/Tjy5/pdf-exam-question-extractor/app/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 单个订阅者的事件缓冲大小，写满则丢弃该事件
const subscriberBuffer = 64

// Event 推送给订阅者的事件。
// 持久化事件（step/done）带数据库自增ID作为回放序列号，log 事件 ID 为 0。
type Event struct {
	ID        int64           `json:"id,omitempty"`
	TaskID    string          `json:"task_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// StepPayload step 事件负载：当前全部步骤的状态快照
type StepPayload struct {
	Kind  string           `json:"kind"`
	Steps []model.TaskStep `json:"steps"`
}

// 日志事件级别
const (
	LogLevelInfo    = "info"
	LogLevelWarning = "warning"
	LogLevelError   = "error"
)

// LogPayload log 事件负载：一行日志文本和级别
type LogPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Level   string `json:"level"`
}

// DonePayload done 事件负载：任务终态，status 为 completed 或 error
type DonePayload struct {
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Channel 任务事件通道：持久化 + 内存广播。
// step 和 done 事件先写库再广播，断线客户端可以用 Replay 补齐；
// log 事件只走内存广播，错过就错过。
type Channel struct {
	db  *gorm.DB
	log *logger.Logger

	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{} // taskID -> 订阅者；空串 key 表示订阅全部任务
}

// NewChannel 创建事件通道
func NewChannel(db *gorm.DB, log *logger.Logger) *Channel {
	return &Channel{
		db:   db,
		log:  log,
		subs: make(map[string]map[chan Event]struct{}),
	}
}

// Subscribe 订阅某个任务的事件，taskID 为空串时订阅全部任务。
// 返回只读通道和取消函数，取消后通道会被关闭。
func (c *Channel) Subscribe(taskID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	c.mu.Lock()
	if c.subs[taskID] == nil {
		c.subs[taskID] = make(map[chan Event]struct{})
	}
	c.subs[taskID][ch] = struct{}{}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if set, ok := c.subs[taskID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(c.subs, taskID)
			}
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// EmitStep 发出步骤状态快照事件（持久化后广播）
func (c *Channel) EmitStep(taskID string, steps []model.TaskStep) {
	payload, err := json.Marshal(StepPayload{Kind: model.EventKindStep, Steps: steps})
	if err != nil {
		c.log.Error("序列化步骤事件失败", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	c.persistAndBroadcast(taskID, model.EventKindStep, payload)
}

// EmitLog 发出日志行事件（仅广播，不持久化）
func (c *Channel) EmitLog(taskID, message, level string) {
	if level == "" {
		level = LogLevelInfo
	}
	payload, err := json.Marshal(LogPayload{Kind: model.EventKindLog, Message: message, Level: level})
	if err != nil {
		return
	}
	c.broadcast(Event{
		TaskID:    taskID,
		Kind:      model.EventKindLog,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
}

// EmitDone 发出任务结束事件（持久化后广播）。
// 对外状态只有 completed 和 error 两种，内部失败态统一映射为 error。
func (c *Channel) EmitDone(taskID string, status model.TaskStatus, errMsg string) {
	payload, err := json.Marshal(DonePayload{Kind: model.EventKindDone, Status: doneStatus(status), Error: errMsg})
	if err != nil {
		c.log.Error("序列化结束事件失败", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	c.persistAndBroadcast(taskID, model.EventKindDone, payload)
}

// doneStatus 内部任务状态到对外事件状态的映射
func doneStatus(status model.TaskStatus) string {
	if status == model.TaskStatusFailed {
		return "error"
	}
	return string(status)
}

// Replay 返回某任务 ID 大于 afterID 的全部持久化事件，按 ID 升序
func (c *Channel) Replay(taskID string, afterID int64) ([]Event, error) {
	var records []model.TaskEvent
	err := c.db.Where("task_id = ? AND id > ?", taskID, afterID).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(records))
	for _, r := range records {
		events = append(events, Event{
			ID:        r.ID,
			TaskID:    r.TaskID,
			Kind:      r.Kind,
			Payload:   json.RawMessage(r.PayloadJSON),
			CreatedAt: r.CreatedAt,
		})
	}
	return events, nil
}

func (c *Channel) persistAndBroadcast(taskID, kind string, payload []byte) {
	record := model.TaskEvent{
		TaskID:      taskID,
		Kind:        kind,
		PayloadJSON: string(payload),
		CreatedAt:   time.Now(),
	}
	if err := c.db.Create(&record).Error; err != nil {
		c.log.Error("写入任务事件失败",
			zap.String("task_id", taskID),
			zap.String("kind", kind),
			zap.Error(err))
		// 持久化失败不中断流水线，仍然广播给在线客户端
	}
	c.broadcast(Event{
		ID:        record.ID,
		TaskID:    taskID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: record.CreatedAt,
	})
}

func (c *Channel) broadcast(ev Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, key := range []string{ev.TaskID, ""} {
		for ch := range c.subs[key] {
			select {
			case ch <- ev:
			default:
				// 订阅者消费太慢，丢弃本条，断线重连靠 Replay 补
			}
		}
	}
}

// Prune 删除某时间点之前的持久化事件，返回删除条数
func (c *Channel) Prune(before time.Time) (int64, error) {
	res := c.db.Where("created_at < ?", before).Delete(&model.TaskEvent{})
	return res.RowsAffected, res.Error
}
