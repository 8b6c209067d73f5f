package pipeline

import (
	"fmt"

	"github.com/Tjy5/pdf-exam-question-extractor/app/model"
	"gorm.io/gorm"
)

// GormStatusStore 基于 gorm 的步骤状态持久化
type GormStatusStore struct {
	db *gorm.DB
}

// NewGormStatusStore 创建持久化层
func NewGormStatusStore(db *gorm.DB) *GormStatusStore {
	return &GormStatusStore{db: db}
}

func (s *GormStatusStore) LoadSteps(taskID string) ([]model.TaskStep, error) {
	var steps []model.TaskStep
	err := s.db.Where("task_id = ?", taskID).Order("step_index ASC").Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("加载任务 %s 的步骤记录失败: %w", taskID, err)
	}
	return steps, nil
}

func (s *GormStatusStore) SaveStep(step *model.TaskStep) error {
	if err := s.db.Save(step).Error; err != nil {
		return fmt.Errorf("保存步骤记录失败: %w", err)
	}
	return nil
}

func (s *GormStatusStore) SetTaskStatus(taskID string, status model.TaskStatus, errMsg string) error {
	err := s.db.Model(&model.Task{}).Where("task_id = ?", taskID).
		Updates(map[string]interface{}{
			"status":    status,
			"error_msg": errMsg,
		}).Error
	if err != nil {
		return fmt.Errorf("更新任务 %s 状态失败: %w", taskID, err)
	}
	return nil
}
