package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Tjy5/pdf-exam-question-extractor/app/config"
	"github.com/Tjy5/pdf-exam-question-extractor/app/database"
	"github.com/Tjy5/pdf-exam-question-extractor/app/logger"
	"github.com/Tjy5/pdf-exam-question-extractor/app/model"
	"github.com/Tjy5/pdf-exam-question-extractor/app/pipeline"
	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
)

// 任务快照缓存时长，状态接口轮询时减轻数据库压力
const (
	snapshotTTL     = 3 * time.Second
	snapshotCleanup = time.Minute
)

// TaskService 任务管理：创建、启动、重启、查询。
// 同一任务同一时刻只允许一次流水线执行，互斥在这里保证。
type TaskService struct {
	db         *gorm.DB
	cfg        *config.Config
	log        *logger.Logger
	runner     *pipeline.Runner
	rasterizer pipeline.Rasterizer
	snapshots  *cache.Cache

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewTaskService 创建任务服务
func NewTaskService(cfg *config.Config, log *logger.Logger, runner *pipeline.Runner, rasterizer pipeline.Rasterizer) *TaskService {
	return &TaskService{
		db:         database.GetDB(),
		cfg:        cfg,
		log:        log,
		runner:     runner,
		rasterizer: rasterizer,
		snapshots:  cache.New(snapshotTTL, snapshotCleanup),
		running:    make(map[string]context.CancelFunc),
	}
}

// taskID 用 PDF 内容加文件名的 SHA256 做任务ID，同一文件重复上传复用任务
func taskID(pdfName string, content []byte) string {
	h := sha256.New()
	h.Write(content)
	h.Write([]byte(pdfName))
	return hex.EncodeToString(h.Sum(nil))
}

// workdirFor 按内容哈希解析任务工作区路径
func (s *TaskService) workdirFor(id string) string {
	return filepath.Join(s.cfg.Paths.DataDir, "tasks", id[:16])
}

// CreateTask 创建任务。已存在同内容的任务时直接返回原任务。
func (s *TaskService) CreateTask(pdfName string, content []byte, mode model.TaskMode) (*model.Task, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("PDF内容为空")
	}
	id := taskID(pdfName, content)

	var existing model.Task
	err := s.db.Preload("Steps").First(&existing, "task_id = ?", id).Error
	if err == nil {
		s.log.Infof("同内容任务已存在，复用: %s", id[:16])
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("查询任务失败: %w", err)
	}

	workdir := s.workdirFor(id)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("创建任务工作区失败: %w", err)
	}
	pdfPath := filepath.Join(workdir, "source.pdf")
	if err := os.WriteFile(pdfPath, content, 0o644); err != nil {
		return nil, fmt.Errorf("写入PDF失败: %w", err)
	}

	expectedPages := 0
	if pages, err := s.rasterizer.PageCount(pdfPath); err == nil {
		expectedPages = pages
	}

	task := &model.Task{
		TaskID:        id,
		PDFName:       pdfName,
		PDFPath:       pdfPath,
		Workdir:       workdir,
		Mode:          mode,
		Status:        model.TaskStatusPending,
		ExpectedPages: expectedPages,
		Steps:         model.NewTaskSteps(id),
	}
	if err := s.db.Create(task).Error; err != nil {
		return nil, fmt.Errorf("创建任务失败: %w", err)
	}

	s.log.Infof("任务已创建: %s (%s, %d 页)", id[:16], pdfName, expectedPages)
	return task, nil
}

// CreateTaskFromFile 从磁盘文件创建任务（投递目录自动接收用）
func (s *TaskService) CreateTaskFromFile(path string, mode model.TaskMode) (*model.Task, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取PDF文件失败: %w", err)
	}
	return s.CreateTask(filepath.Base(path), content, mode)
}

// StartTask 从指定步骤异步启动流水线。
// runToEnd 为 false 时只执行一个步骤（手动模式）。
// 同一任务已在执行时返回错误。
func (s *TaskService) StartTask(id string, startStep int, runToEnd bool) error {
	task, err := s.GetTask(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, busy := s.running[id]; busy {
		s.mu.Unlock()
		return fmt.Errorf("任务 %s 正在执行中", id[:16])
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running[id] = cancel
	s.mu.Unlock()

	s.snapshots.Delete(id)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, id)
			s.mu.Unlock()
			cancel()
			s.snapshots.Delete(id)
		}()

		if err := s.runner.Run(ctx, task, startStep, runToEnd); err != nil {
			s.log.Errorf("任务 %s 执行失败: %v", id[:16], err)
		}
	}()
	return nil
}

// RestartStep 重置并重跑指定步骤。只重置目标步骤的状态与产物，
// 更早的已完成步骤原样保留。
func (s *TaskService) RestartStep(id string, stepIndex int, runToEnd bool) error {
	task, err := s.GetTask(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, busy := s.running[id]; busy {
		s.mu.Unlock()
		return fmt.Errorf("任务 %s 正在执行中，无法重启步骤", id[:16])
	}
	s.mu.Unlock()

	if err := s.runner.ResetStep(task, stepIndex); err != nil {
		return err
	}
	s.snapshots.Delete(id)
	return s.StartTask(id, stepIndex, runToEnd)
}

// GetTask 按ID加载任务（不走缓存）
func (s *TaskService) GetTask(id string) (*model.Task, error) {
	var task model.Task
	err := s.db.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_index ASC")
	}).First(&task, "task_id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("任务不存在: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("查询任务失败: %w", err)
	}
	return &task, nil
}

// GetSnapshot 带TTL缓存的任务快照，供状态轮询接口使用
func (s *TaskService) GetSnapshot(id string) (*model.Task, error) {
	if v, ok := s.snapshots.Get(id); ok {
		return v.(*model.Task), nil
	}
	task, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	s.snapshots.Set(id, task, cache.DefaultExpiration)
	return task, nil
}

// ListTasks 按更新时间倒序返回全部任务
func (s *TaskService) ListTasks() ([]model.Task, error) {
	var tasks []model.Task
	err := s.db.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_index ASC")
	}).Order("updated_at DESC").Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("查询任务列表失败: %w", err)
	}
	return tasks, nil
}

// QueueStats 各状态任务数量统计
func (s *TaskService) QueueStats() (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, status := range []model.TaskStatus{
		model.TaskStatusPending, model.TaskStatusProcessing,
		model.TaskStatusCompleted, model.TaskStatusFailed,
	} {
		var count int64
		if err := s.db.Model(&model.Task{}).Where("status = ?", status).Count(&count).Error; err != nil {
			return nil, err
		}
		stats[string(status)] = count
	}
	s.mu.Lock()
	stats["executing"] = int64(len(s.running))
	s.mu.Unlock()
	return stats, nil
}

// IsRunning 任务是否正在执行
func (s *TaskService) IsRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// RecoverStaleTasks 启动恢复：进程被杀后残留的"执行中"状态标记为失败，
// 等待显式重启；工作区产物还在，续跑时靠完成标记跳过已完成的部分。
func (s *TaskService) RecoverStaleTasks() error {
	const staleMsg = "进程异常退出，步骤执行中断，请从该步骤重启"

	res := s.db.Model(&model.TaskStep{}).
		Where("status = ?", model.StepStatusRunning).
		Updates(map[string]interface{}{"status": model.StepStatusFailed, "error_msg": staleMsg})
	if res.Error != nil {
		return fmt.Errorf("恢复中断步骤失败: %w", res.Error)
	}

	taskRes := s.db.Model(&model.Task{}).
		Where("status = ?", model.TaskStatusProcessing).
		Updates(map[string]interface{}{"status": model.TaskStatusFailed, "error_msg": staleMsg})
	if taskRes.Error != nil {
		return fmt.Errorf("恢复中断任务失败: %w", taskRes.Error)
	}

	if res.RowsAffected > 0 || taskRes.RowsAffected > 0 {
		s.log.Infof("启动恢复：%d 个中断步骤、%d 个中断任务已标记为失败",
			res.RowsAffected, taskRes.RowsAffected)
	}
	return nil
}

// Stop 取消所有执行中的任务并等待退出
func (s *TaskService) Stop() {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
