package inference

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/Tjy5/pdf-exam-question-extractor/app/logger"
)

// BuildFunc 构建一个未预热的引擎实例
type BuildFunc func() (Engine, error)

// ProviderStatus 提供者状态，用于健康检查接口
type ProviderStatus struct {
	Device          DeviceKind `json:"device"`
	Ready           bool       `json:"ready"`
	Error           string     `json:"error,omitempty"`
	WarmupStartedAt *time.Time `json:"warmup_started_at,omitempty"`
	WarmupEndedAt   *time.Time `json:"warmup_ended_at,omitempty"`
}

// Provider 单设备引擎提供者。
// 构建与预热作为一个原子操作执行，threadBound 打开时绑定专用OS线程：
// GPU驱动上下文对跨线程访问敏感，构建线程与首次推理线程不一致会导致
// 设备挂起。permit 大于1的部署关闭绑定（参数计算会自动关）。
// 构建只尝试一次，失败后所有调用方收到 ErrEngineUnavailable。
type Provider struct {
	device      DeviceKind
	build       BuildFunc
	threadBound bool
	log         *logger.Logger

	once sync.Once
	done chan struct{}

	mu        sync.Mutex
	engine    Engine
	buildErr  error
	startedAt *time.Time
	endedAt   *time.Time
}

// NewProvider 创建引擎提供者，不触发构建
func NewProvider(device DeviceKind, build BuildFunc, threadBound bool, log *logger.Logger) *Provider {
	return &Provider{
		device:      device,
		build:       build,
		threadBound: threadBound,
		log:         log,
		done:        make(chan struct{}),
	}
}

// EnsureReady 确保引擎已构建并预热，返回可用引擎。
// 首个调用方触发构建，其余调用方等待同一结果。
func (p *Provider) EnsureReady(ctx context.Context) (Engine, error) {
	p.once.Do(func() {
		go p.buildAndWarmup()
	})

	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buildErr != nil {
		return nil, fmt.Errorf("%w (%s): %v", ErrEngineUnavailable, p.device, p.buildErr)
	}
	return p.engine, nil
}

// buildAndWarmup 完成构建+预热，按配置绑定OS线程
func (p *Provider) buildAndWarmup() {
	if p.threadBound {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	defer close(p.done)

	now := time.Now()
	p.mu.Lock()
	p.startedAt = &now
	p.mu.Unlock()

	p.log.Infof("开始构建 %s 推理引擎...", p.device)

	engine, err := p.build()
	if err == nil {
		err = engine.Warmup(context.Background())
		if err != nil {
			_ = engine.Close()
			engine = nil
		}
	}

	ended := time.Now()
	p.mu.Lock()
	p.engine = engine
	p.buildErr = err
	p.endedAt = &ended
	p.mu.Unlock()

	if err != nil {
		p.log.Errorf("%s 推理引擎构建失败: %v", p.device, err)
		return
	}
	p.log.Infof("%s 推理引擎就绪，耗时 %v", p.device, ended.Sub(now))
}

// Ready 引擎是否已就绪
func (p *Provider) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.engine != nil && p.buildErr == nil
}

// Status 当前状态快照
func (p *Provider) Status() ProviderStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := ProviderStatus{
		Device:          p.device,
		Ready:           p.engine != nil && p.buildErr == nil,
		WarmupStartedAt: p.startedAt,
		WarmupEndedAt:   p.endedAt,
	}
	if p.buildErr != nil {
		st.Error = p.buildErr.Error()
	}
	return st
}

// Close 关闭已构建的引擎
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.engine != nil {
		return p.engine.Close()
	}
	return nil
}

// Registry 按设备类型持有引擎提供者。
// GPU提供者在启动时预热（可异步），CPU提供者到第一次分流时才构建。
type Registry struct {
	GPU *Provider
	CPU *Provider
}

// NewRegistry 创建提供者注册表
func NewRegistry(gpu, cpu *Provider) *Registry {
	return &Registry{GPU: gpu, CPU: cpu}
}

// Close 关闭全部提供者
func (r *Registry) Close() {
	if r.GPU != nil {
		_ = r.GPU.Close()
	}
	if r.CPU != nil {
		_ = r.CPU.Close()
	}
}
