package handler

import (
	"context"
	"net/http"

	"github.com/Tjy5/pdf-exam-question-extractor/app/config"
	"github.com/Tjy5/pdf-exam-question-extractor/app/hardware"
	"github.com/Tjy5/pdf-exam-question-extractor/app/inference"
	"github.com/Tjy5/pdf-exam-question-extractor/app/service"
	"github.com/gin-gonic/gin"
)

// SystemHandler 系统状态接口：硬件探测结果、调优参数、引擎预热状态
type SystemHandler struct {
	cfg      *config.Config
	registry *inference.Registry
	svc      *service.TaskService
	stream   *StreamHandler
}

// NewSystemHandler 创建系统状态处理器
func NewSystemHandler(cfg *config.Config, registry *inference.Registry, svc *service.TaskService, stream *StreamHandler) *SystemHandler {
	return &SystemHandler{cfg: cfg, registry: registry, svc: svc, stream: stream}
}

// SystemStatus 系统状态响应
type SystemStatus struct {
	Hardware hardware.Profile         `json:"hardware"`
	Tuning   hardware.Tuning          `json:"tuning"`
	GPU      inference.ProviderStatus `json:"gpu"`
	CPU      inference.ProviderStatus `json:"cpu"`
	Queue    map[string]int64         `json:"queue"`
	Clients  int                      `json:"ws_clients"`
}

// Status 返回系统整体状态
// GET /api/system/status
func (h *SystemHandler) Status(c *gin.Context) {
	queue, err := h.svc.QueueStats()
	if err != nil {
		fail(c, http.StatusInternalServerError, 500, "查询任务统计失败: "+err.Error())
		return
	}

	success(c, SystemStatus{
		Hardware: h.cfg.Hardware,
		Tuning:   h.cfg.Tuning,
		GPU:      h.registry.GPU.Status(),
		CPU:      h.registry.CPU.Status(),
		Queue:    queue,
		Clients:  h.stream.ClientCount(),
	}, "")
}

// Warmup 手动触发GPU引擎预热（后台进行）
// POST /api/system/warmup
func (h *SystemHandler) Warmup(c *gin.Context) {
	if !h.cfg.GPU.Enabled {
		fail(c, http.StatusBadRequest, 400, "GPU已停用，无可预热的引擎")
		return
	}
	go func() {
		_, _ = h.registry.GPU.EnsureReady(context.Background())
	}()
	success(c, nil, "预热已触发")
}
