package handler

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Tjy5/pdf-exam-question-extractor/app/config"
	"github.com/Tjy5/pdf-exam-question-extractor/app/logger"
	"github.com/Tjy5/pdf-exam-question-extractor/app/model"
	"github.com/Tjy5/pdf-exam-question-extractor/app/service"
	"github.com/gin-gonic/gin"
)

// 上传PDF大小上限
const maxUploadSize = 200 << 20

// TaskHandler 任务管理接口
type TaskHandler struct {
	cfg *config.Config
	log *logger.Logger
	svc *service.TaskService
}

// NewTaskHandler 创建任务处理器
func NewTaskHandler(cfg *config.Config, log *logger.Logger, svc *service.TaskService) *TaskHandler {
	return &TaskHandler{cfg: cfg, log: log, svc: svc}
}

// StartTaskRequest 启动任务请求
type StartTaskRequest struct {
	StartStep int  `json:"start_step"`
	RunToEnd  bool `json:"run_to_end"`
}

// Upload 上传PDF创建任务。同内容的PDF重复上传复用已有任务。
// POST /api/tasks
func (h *TaskHandler) Upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, 400, "缺少上传文件: "+err.Error())
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".pdf") {
		fail(c, http.StatusBadRequest, 400, "只支持PDF文件")
		return
	}
	if header.Size > maxUploadSize {
		fail(c, http.StatusBadRequest, 400, "文件超过大小限制")
		return
	}

	content, err := io.ReadAll(file)
	if err != nil {
		fail(c, http.StatusInternalServerError, 500, "读取上传文件失败: "+err.Error())
		return
	}

	mode := model.TaskModeAuto
	if c.Query("mode") == string(model.TaskModeManual) {
		mode = model.TaskModeManual
	}

	task, err := h.svc.CreateTask(header.Filename, content, mode)
	if err != nil {
		fail(c, http.StatusInternalServerError, 500, err.Error())
		return
	}

	// 自动模式创建即跑；复用的已完成任务不再重跑
	if mode == model.TaskModeAuto && !task.IsTerminal() && !h.svc.IsRunning(task.TaskID) {
		if err := h.svc.StartTask(task.TaskID, 0, true); err != nil {
			h.log.Warnf("任务自动启动失败: %v", err)
		}
	}
	success(c, task, "任务已创建")
}

// Start 从指定步骤启动任务
// POST /api/tasks/:id/start
func (h *TaskHandler) Start(c *gin.Context) {
	var req StartTaskRequest
	req.RunToEnd = true
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		fail(c, http.StatusBadRequest, 400, "请求格式错误: "+err.Error())
		return
	}

	if err := h.svc.StartTask(c.Param("id"), req.StartStep, req.RunToEnd); err != nil {
		fail(c, http.StatusConflict, 409, err.Error())
		return
	}
	success(c, nil, "任务已启动")
}

// RunStep 手动执行单个步骤
// POST /api/tasks/:id/steps/:index/run
func (h *TaskHandler) RunStep(c *gin.Context) {
	index, err := stepIndex(c)
	if err != nil {
		fail(c, http.StatusBadRequest, 400, err.Error())
		return
	}
	if err := h.svc.StartTask(c.Param("id"), index, false); err != nil {
		fail(c, http.StatusConflict, 409, err.Error())
		return
	}
	success(c, nil, "步骤已启动")
}

// RestartStep 重置并重跑指定步骤。只清除该步骤的产物，
// 之前步骤的结果原样保留。
// POST /api/tasks/:id/steps/:index/restart
func (h *TaskHandler) RestartStep(c *gin.Context) {
	index, err := stepIndex(c)
	if err != nil {
		fail(c, http.StatusBadRequest, 400, err.Error())
		return
	}

	runToEnd := c.Query("run_to_end") != "false"
	if err := h.svc.RestartStep(c.Param("id"), index, runToEnd); err != nil {
		fail(c, http.StatusConflict, 409, err.Error())
		return
	}
	success(c, nil, "步骤已重启")
}

// Get 查询单个任务状态（带短TTL缓存）
// GET /api/tasks/:id
func (h *TaskHandler) Get(c *gin.Context) {
	task, err := h.svc.GetSnapshot(c.Param("id"))
	if err != nil {
		fail(c, http.StatusNotFound, 404, err.Error())
		return
	}
	success(c, task, "")
}

// List 任务列表
// GET /api/tasks
func (h *TaskHandler) List(c *gin.Context) {
	tasks, err := h.svc.ListTasks()
	if err != nil {
		fail(c, http.StatusInternalServerError, 500, err.Error())
		return
	}
	success(c, tasks, "")
}

func stepIndex(c *gin.Context) (int, error) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 || index >= model.StepCount {
		return 0, fmt.Errorf("步骤序号无效: %s", c.Param("index"))
	}
	return index, nil
}
