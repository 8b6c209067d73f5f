package config

import (
	"fmt"
	"log"
	"time"

	"github.com/Tjy5/pdf-exam-question-extractor/app/hardware"
	"github.com/spf13/viper"
)

// Config 进程级配置，启动时解析一次后不再变化。
// 调优类字段留空（0）表示由硬件探测结果自动填充，显式配置永远优先。
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Paths     PathsConfig     `mapstructure:"paths"`
	GPU       GPUConfig       `mapstructure:"gpu"`
	Hybrid    HybridConfig    `mapstructure:"hybrid"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Warmup    WarmupConfig    `mapstructure:"warmup"`
	Inference InferenceConfig `mapstructure:"inference"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`

	// 探测与推导结果（只读）
	Hardware hardware.Profile `mapstructure:"-"`
	Tuning   hardware.Tuning  `mapstructure:"-"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type PathsConfig struct {
	DataDir  string `mapstructure:"data_dir"`  // 数据库、任务工作区根目录
	InboxDir string `mapstructure:"inbox_dir"` // PDF投递目录（文件监控用）
}

type GPUConfig struct {
	Enabled        bool    `mapstructure:"enabled"`         // 是否启用GPU
	Permits        int     `mapstructure:"permits"`         // GPU并发permit数
	MemoryFraction float64 `mapstructure:"memory_fraction"` // 显存上限比例，0=自动
	LockTimeout    float64 `mapstructure:"lock_timeout"`    // GPU锁整体超时（秒）
}

type HybridConfig struct {
	Enabled           bool    `mapstructure:"enabled"`             // 是否启用CPU分流
	CPUPermits        int     `mapstructure:"cpu_permits"`         // CPU并发permit数
	CPUAcquireTimeout float64 `mapstructure:"cpu_acquire_timeout"` // CPU锁等待超时（秒）
}

type PipelineConfig struct {
	DetBatchSize  int     `mapstructure:"det_batch_size"` // 0=自动
	RecBatchSize  int     `mapstructure:"rec_batch_size"` // 0=自动
	PrefetchDepth int     `mapstructure:"prefetch_depth"` // 0=自动
	Workers       int     `mapstructure:"workers"`        // 0=自动
	MaxRetries    int     `mapstructure:"max_retries"`    // 步骤重试次数上限
	RetryDelay    float64 `mapstructure:"retry_delay"`    // 重试基础延迟（秒），指数退避
	FailFast      bool    `mapstructure:"fail_fast"`      // 单页失败时是否终止整批
	DPI           int     `mapstructure:"dpi"`            // PDF渲染分辨率
	DebugOverlay  bool    `mapstructure:"debug_overlay"`  // 是否渲染检测框调试图
}

type WarmupConfig struct {
	Enabled bool `mapstructure:"enabled"` // 启动时是否预热GPU模型
	Async   bool `mapstructure:"async"`   // 预热是否在后台进行
}

type InferenceConfig struct {
	GPUBaseURL string  `mapstructure:"gpu_base_url"` // GPU版面分析服务地址
	CPUBaseURL string  `mapstructure:"cpu_base_url"` // CPU版面分析服务地址
	Timeout    float64 `mapstructure:"timeout"`      // 单次推理请求超时（秒）
}

type WatcherConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type CleanupConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Schedule   string `mapstructure:"schedule"`    // cron表达式
	RetainDays int    `mapstructure:"retain_days"` // 已完成任务事件保留天数
}

func Load() *Config {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("无法解码配置: %v", err)
	}

	// 探测硬件并填充未显式配置的调优参数
	config.Hardware = hardware.Detect()
	config.ApplyTuning(hardware.Calculate(config.Hardware, config.GPU.Permits))

	// 验证配置
	if err := validateConfig(&config); err != nil {
		log.Fatalf("配置验证失败: %v", err)
	}

	return &config
}

// ApplyTuning 用推导值填充留空的调优字段，显式配置优先
func (c *Config) ApplyTuning(t hardware.Tuning) {
	if c.Pipeline.DetBatchSize > 0 {
		t.DetBatchSize = c.Pipeline.DetBatchSize
	}
	if c.Pipeline.RecBatchSize > 0 {
		t.RecBatchSize = c.Pipeline.RecBatchSize
	}
	if c.Pipeline.PrefetchDepth > 0 {
		t.PrefetchDepth = c.Pipeline.PrefetchDepth
	}
	if c.Pipeline.Workers > 0 {
		t.Workers = c.Pipeline.Workers
	}
	if c.GPU.MemoryFraction > 0 {
		t.GPUMemoryFraction = c.GPU.MemoryFraction
	}

	c.Tuning = t
	c.Pipeline.DetBatchSize = t.DetBatchSize
	c.Pipeline.RecBatchSize = t.RecBatchSize
	c.Pipeline.PrefetchDepth = t.PrefetchDepth
	c.Pipeline.Workers = t.Workers
	c.GPU.MemoryFraction = t.GPUMemoryFraction
}

// CPUAcquireTimeout CPU锁等待超时
func (c *Config) CPUAcquireTimeout() time.Duration {
	return time.Duration(c.Hybrid.CPUAcquireTimeout * float64(time.Second))
}

// GPULockTimeout GPU锁整体超时
func (c *Config) GPULockTimeout() time.Duration {
	return time.Duration(c.GPU.LockTimeout * float64(time.Second))
}

// InferenceTimeout 单次推理请求超时
func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.Inference.Timeout * float64(time.Second))
}

// StepRetryDelay 步骤重试基础延迟
func (c *Config) StepRetryDelay() time.Duration {
	return time.Duration(c.Pipeline.RetryDelay * float64(time.Second))
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("server.port", "8000")

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	// 路径默认配置
	viper.SetDefault("paths.data_dir", "data")
	viper.SetDefault("paths.inbox_dir", "data/inbox")

	// GPU默认配置
	viper.SetDefault("gpu.enabled", true)
	viper.SetDefault("gpu.permits", 1)
	viper.SetDefault("gpu.memory_fraction", 0) // 0=按显存自动
	viper.SetDefault("gpu.lock_timeout", 120)

	// 混合调度默认配置
	viper.SetDefault("hybrid.enabled", true)
	viper.SetDefault("hybrid.cpu_permits", 2)
	viper.SetDefault("hybrid.cpu_acquire_timeout", 0.1)

	// 流水线默认配置（0=按硬件自动）
	viper.SetDefault("pipeline.det_batch_size", 0)
	viper.SetDefault("pipeline.rec_batch_size", 0)
	viper.SetDefault("pipeline.prefetch_depth", 0)
	viper.SetDefault("pipeline.workers", 0)
	viper.SetDefault("pipeline.max_retries", 3)
	viper.SetDefault("pipeline.retry_delay", 1.0)
	viper.SetDefault("pipeline.fail_fast", false)
	viper.SetDefault("pipeline.dpi", 300)
	viper.SetDefault("pipeline.debug_overlay", false)

	// 预热默认配置
	viper.SetDefault("warmup.enabled", true)
	viper.SetDefault("warmup.async", true)

	// 推理服务默认配置
	viper.SetDefault("inference.gpu_base_url", "http://127.0.0.1:8868")
	viper.SetDefault("inference.cpu_base_url", "http://127.0.0.1:8869")
	viper.SetDefault("inference.timeout", 300)

	// 文件监控默认配置
	viper.SetDefault("watcher.enabled", false)

	// 清理默认配置
	viper.SetDefault("cleanup.enabled", true)
	viper.SetDefault("cleanup.schedule", "0 3 * * *")
	viper.SetDefault("cleanup.retain_days", 7)
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.GPU.Permits < 1 {
		return fmt.Errorf("gpu.permits 必须 >= 1")
	}
	if config.Hybrid.CPUPermits < 1 {
		return fmt.Errorf("hybrid.cpu_permits 必须 >= 1")
	}
	if config.GPU.MemoryFraction <= 0 || config.GPU.MemoryFraction > 1 {
		return fmt.Errorf("gpu.memory_fraction 必须在 (0, 1] 范围内")
	}
	if config.Pipeline.MaxRetries < 1 {
		return fmt.Errorf("pipeline.max_retries 必须 >= 1")
	}
	return nil
}
