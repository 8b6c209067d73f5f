package server

import (
	"context"
	"net/http"

	"github.com/Tjy5/pdf-exam-question-extractor/app/config"
	"github.com/Tjy5/pdf-exam-question-extractor/app/database"
	"github.com/Tjy5/pdf-exam-question-extractor/app/events"
	"github.com/Tjy5/pdf-exam-question-extractor/app/filewatcher"
	"github.com/Tjy5/pdf-exam-question-extractor/app/handler"
	"github.com/Tjy5/pdf-exam-question-extractor/app/inference"
	"github.com/Tjy5/pdf-exam-question-extractor/app/logger"
	"github.com/Tjy5/pdf-exam-question-extractor/app/service"
	"github.com/gin-gonic/gin"
)

// Deps 服务器依赖的已装配组件
type Deps struct {
	Registry    *inference.Registry
	Events      *events.Channel
	TaskService *service.TaskService
	Cleanup     *service.CleanupService
	Watcher     *filewatcher.Watcher
}

// Server 表示 HTTP 服务器
type Server struct {
	Config *config.Config
	Logger *logger.Logger
	gin    *gin.Engine
	http   *http.Server
	deps   Deps
}

// New 创建一个新的 Server 实例
func New(cfg *config.Config, log *logger.Logger, deps Deps) *Server {
	router := gin.Default()

	s := &Server{
		gin: router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
		Config: cfg,
		Logger: log,
		deps:   deps,
	}

	// 设置路由
	s.setupRoutes()

	return s
}

// Start 启动服务器
func (s *Server) Start() error {
	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)

	// 启动事件清理服务
	if err := s.deps.Cleanup.Start(); err != nil {
		return err
	}

	// 启动投递目录监控
	if err := s.deps.Watcher.Start(); err != nil {
		return err
	}

	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	// 停止外围服务，再取消执行中的任务
	s.deps.Watcher.Stop()
	s.deps.Cleanup.Stop()
	s.deps.TaskService.Stop()

	// 释放推理引擎
	s.deps.Registry.Close()

	// 关闭数据库连接
	if err := database.Close(); err != nil {
		s.Logger.Errorf("关闭数据库连接失败: %v", err)
	}
	return s.http.Shutdown(ctx)
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	// 创建处理器实例
	taskHandler := handler.NewTaskHandler(s.Config, s.Logger, s.deps.TaskService)
	streamHandler := handler.NewStreamHandler(s.Logger, s.deps.Events)
	systemHandler := handler.NewSystemHandler(s.Config, s.deps.Registry, s.deps.TaskService, streamHandler)

	// API路由组
	api := s.gin.Group("/api")

	// 任务相关路由
	tasks := api.Group("/tasks")
	{
		tasks.POST("/", taskHandler.Upload)
		tasks.GET("/", taskHandler.List)
		tasks.GET("/:id", taskHandler.Get)
		tasks.POST("/:id/start", taskHandler.Start)
		tasks.POST("/:id/steps/:index/run", taskHandler.RunStep)
		tasks.POST("/:id/steps/:index/restart", taskHandler.RestartStep)

		// 事件流（SSE，支持 Last-Event-ID 回放）
		tasks.GET("/:id/events", streamHandler.SSE)
	}

	// 系统状态相关路由
	system := api.Group("/system")
	{
		system.GET("/status", systemHandler.Status)
		system.POST("/warmup", systemHandler.Warmup)
	}

	// 全局事件流（WebSocket）
	api.GET("/ws", streamHandler.WebSocket)
}
