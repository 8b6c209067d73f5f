package service

import (
	"time"

	"github.com/Tjy5/pdf-exam-question-extractor/app/config"
	"github.com/Tjy5/pdf-exam-question-extractor/app/database"
	"github.com/Tjy5/pdf-exam-question-extractor/app/logger"
	"github.com/Tjy5/pdf-exam-question-extractor/app/model"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// CleanupService 定时清理已进入终态任务的历史事件。
// 事件表只用于断线回放，任务结束一段时间后不再有回放价值。
type CleanupService struct {
	db   *gorm.DB
	cfg  *config.Config
	log  *logger.Logger
	cron *cron.Cron
}

// NewCleanupService 创建清理服务
func NewCleanupService(cfg *config.Config, log *logger.Logger) *CleanupService {
	return &CleanupService{
		db:  database.GetDB(),
		cfg: cfg,
		log: log,
	}
}

// Start 按 cron 表达式注册定时清理
func (s *CleanupService) Start() error {
	if !s.cfg.Cleanup.Enabled {
		s.log.Info("事件清理已禁用")
		return nil
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.Cleanup.Schedule, s.runOnce); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Infof("事件清理已启动: %s，保留 %d 天", s.cfg.Cleanup.Schedule, s.cfg.Cleanup.RetainDays)
	return nil
}

// runOnce 删除终态超过保留期的任务的全部事件
func (s *CleanupService) runOnce() {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.Cleanup.RetainDays)

	stale := s.db.Model(&model.Task{}).
		Select("task_id").
		Where("status IN ? AND updated_at < ?",
			[]model.TaskStatus{model.TaskStatusCompleted, model.TaskStatusFailed}, cutoff)

	res := s.db.Where("task_id IN (?)", stale).Delete(&model.TaskEvent{})
	if res.Error != nil {
		s.log.Errorf("清理任务事件失败: %v", res.Error)
		return
	}
	if res.RowsAffected > 0 {
		s.log.Infof("已清理 %d 条历史事件", res.RowsAffected)
	}
}

// Stop 停止定时器并等待进行中的清理结束
func (s *CleanupService) Stop() {
	if s.cron == nil {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("事件清理已停止")
}
