package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tjy5/pdf-exam-question-extractor/app/config"
	"github.com/Tjy5/pdf-exam-question-extractor/app/database"
	"github.com/Tjy5/pdf-exam-question-extractor/app/events"
	"github.com/Tjy5/pdf-exam-question-extractor/app/filewatcher"
	"github.com/Tjy5/pdf-exam-question-extractor/app/inference"
	"github.com/Tjy5/pdf-exam-question-extractor/app/logger"
	"github.com/Tjy5/pdf-exam-question-extractor/app/model"
	"github.com/Tjy5/pdf-exam-question-extractor/app/pipeline"
	"github.com/Tjy5/pdf-exam-question-extractor/app/server"
	"github.com/Tjy5/pdf-exam-question-extractor/app/service"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动服务器",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		// 创建日志器
		log := logger.New(cfg.Log)
		defer log.Sync()

		log.Infof("硬件探测: CPU %d核, 可用内存 %.1fGB, GPU显存 %.1fGB",
			cfg.Hardware.CPUCores, cfg.Hardware.AvailableRAMGB, cfg.Hardware.GPUMemoryGB)
		log.Infof("调优参数: workers=%d prefetch=%d det_batch=%d rec_batch=%d",
			cfg.Tuning.Workers, cfg.Tuning.PrefetchDepth, cfg.Tuning.DetBatchSize, cfg.Tuning.RecBatchSize)

		// 初始化数据库
		if err := database.Init(cfg, log); err != nil {
			log.Fatalf("数据库初始化失败: %v", err)
		}

		// 装配推理层：双引擎提供者 + 资源锁 + 混合调度器
		registry := buildRegistry(cfg, log)
		gpuLock := inference.NewResourceLock(cfg.GPU.Permits)
		cpuLock := inference.NewResourceLock(cfg.Hybrid.CPUPermits)
		scheduler := inference.NewScheduler(registry, gpuLock, cpuLock, inference.SchedulerOptions{
			GPUDisabled:       !cfg.GPU.Enabled,
			HybridEnabled:     cfg.Hybrid.Enabled,
			CPUAcquireTimeout: cfg.CPUAcquireTimeout(),
			GPULockTimeout:    cfg.GPULockTimeout(),
		}, log)

		// 装配流水线
		pool := pipeline.NewPageWorkerPool(scheduler, pipeline.PoolOptions{
			Workers:       cfg.Pipeline.Workers,
			PrefetchDepth: cfg.Pipeline.PrefetchDepth,
			FailFast:      cfg.Pipeline.FailFast,
		}, log)

		rasterizer := &pipeline.FitzRasterizer{}
		steps := []pipeline.Step{
			pipeline.NewRasterizeStep(rasterizer, cfg.Pipeline.DPI, cfg.Pipeline.Workers),
			pipeline.NewExtractStep(pool),
			pipeline.NewStructureStep(),
			pipeline.NewComposeStep(pipeline.ComposeStepOptions{DebugOverlay: cfg.Pipeline.DebugOverlay}),
			pipeline.NewCollectStep(),
		}

		channel := events.NewChannel(database.GetDB(), log)
		runner := pipeline.NewRunner(steps, pipeline.NewGormStatusStore(database.GetDB()), channel, pipeline.RunnerOptions{
			MaxRetries: cfg.Pipeline.MaxRetries,
			RetryDelay: cfg.StepRetryDelay(),
		}, log)

		// 装配服务层
		taskService := service.NewTaskService(cfg, log, runner, rasterizer)
		if err := taskService.RecoverStaleTasks(); err != nil {
			log.Fatalf("启动恢复失败: %v", err)
		}
		cleanup := service.NewCleanupService(cfg, log)
		watcher := filewatcher.New(cfg, log, func(path string) error {
			task, err := taskService.CreateTaskFromFile(path, model.TaskModeAuto)
			if err != nil {
				return err
			}
			if taskService.IsRunning(task.TaskID) || task.IsTerminal() {
				return nil
			}
			return taskService.StartTask(task.TaskID, 0, true)
		})

		// 引擎预热（GPU停用时没有可预热的对象）
		if cfg.Warmup.Enabled && cfg.GPU.Enabled {
			warmup := func() {
				if _, err := registry.GPU.EnsureReady(context.Background()); err != nil {
					log.Warnf("GPU引擎预热失败，任务执行时将回退CPU: %v", err)
				}
			}
			if cfg.Warmup.Async {
				go warmup()
			} else {
				warmup()
			}
		}

		srv := server.New(cfg, log, server.Deps{
			Registry:    registry,
			Events:      channel,
			TaskService: taskService,
			Cleanup:     cleanup,
			Watcher:     watcher,
		})

		// 在协程中启动服务器
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("启动服务器失败: %v", err)
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("收到关闭信号，正在关闭服务器...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("服务器关闭失败: %v", err)
		}
		log.Info("服务器已退出")
	},
}

// buildRegistry 创建GPU/CPU双引擎提供者。
// 引擎在首次获取时才构建并预热，构建失败后不再重试。
// 线程绑定跟随调优结果（GPU permit 大于1时自动关闭）。
func buildRegistry(cfg *config.Config, log *logger.Logger) *inference.Registry {
	gpu := inference.NewProvider(inference.DeviceGPU, func() (inference.Engine, error) {
		return inference.NewRemoteEngine(inference.RemoteEngineOptions{
			BaseURL:        cfg.Inference.GPUBaseURL,
			Device:         inference.DeviceGPU,
			DetBatchSize:   cfg.Pipeline.DetBatchSize,
			RecBatchSize:   cfg.Pipeline.RecBatchSize,
			MemoryFraction: cfg.GPU.MemoryFraction,
			Timeout:        cfg.InferenceTimeout(),
		}), nil
	}, cfg.Tuning.ThreadBound, log)

	cpu := inference.NewProvider(inference.DeviceCPU, func() (inference.Engine, error) {
		return inference.NewRemoteEngine(inference.RemoteEngineOptions{
			BaseURL:      cfg.Inference.CPUBaseURL,
			Device:       inference.DeviceCPU,
			DetBatchSize: cfg.Pipeline.DetBatchSize,
			RecBatchSize: cfg.Pipeline.RecBatchSize,
			Timeout:      cfg.InferenceTimeout(),
		}), nil
	}, cfg.Tuning.ThreadBound, log)

	return inference.NewRegistry(gpu, cpu)
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
