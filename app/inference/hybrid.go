package inference

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Tjy5/pdf-exam-question-extractor/app/logger"
)

// SchedulerOptions 混合调度器参数
type SchedulerOptions struct {
	GPUDisabled       bool          // GPU整体停用，所有推理直接走CPU
	HybridEnabled     bool          // 关闭时只走GPU（第1、3级）
	CPUAcquireTimeout time.Duration // 第2级CPU锁等待超时
	GPULockTimeout    time.Duration // 第3级GPU锁整体超时，防止设备挂死
}

// Lease 一次推理资源租约，持有引擎和设备标识。
// 必须在使用完毕后调用 Release，包括出错路径。
type Lease struct {
	Engine  Engine
	Device  DeviceKind
	release func()
	once    sync.Once
}

// Release 归还资源，可安全重复调用
func (l *Lease) Release() {
	l.once.Do(l.release)
}

// NewLease 构造租约。测试中用于注入假引擎。
func NewLease(engine Engine, device DeviceKind, release func()) *Lease {
	if release == nil {
		release = func() {}
	}
	return &Lease{Engine: engine, Device: device, release: release}
}

// Scheduler 三级混合调度器：
//
//	第1级：非阻塞尝试GPU锁，成功则用GPU（最快路径）
//	第2级：GPU忙时限时等待CPU锁，成功则惰性构建CPU引擎分流
//	第3级：两者都忙时阻塞等待GPU锁（保底，宁可排队不报错）
//
// 混合开关关闭时跳过第2级，恢复单设备行为。
type Scheduler struct {
	registry *Registry
	gpuLock  *ResourceLock
	cpuLock  *ResourceLock
	opts     SchedulerOptions
	log      *logger.Logger
}

// NewScheduler 创建混合调度器
func NewScheduler(registry *Registry, gpuLock, cpuLock *ResourceLock, opts SchedulerOptions, log *logger.Logger) *Scheduler {
	if opts.CPUAcquireTimeout <= 0 {
		opts.CPUAcquireTimeout = 100 * time.Millisecond
	}
	if opts.GPULockTimeout <= 0 {
		opts.GPULockTimeout = 120 * time.Second
	}
	return &Scheduler{
		registry: registry,
		gpuLock:  gpuLock,
		cpuLock:  cpuLock,
		opts:     opts,
		log:      log,
	}
}

// Acquire 按三级策略获取一次推理租约。
// GPU停用时不走分级，直接阻塞等CPU锁。
func (s *Scheduler) Acquire(ctx context.Context) (*Lease, error) {
	if s.opts.GPUDisabled {
		return s.cpuLease(ctx)
	}

	// 第1级：非阻塞抢GPU
	if s.gpuLock.TryAcquire() {
		lease, err := s.gpuLease(ctx)
		if err == nil {
			return lease, nil
		}
		// GPU引擎不可用：混合模式下继续尝试CPU，否则直接失败
		if !s.opts.HybridEnabled {
			return nil, err
		}
	}

	// 第2级：限时等CPU
	if s.opts.HybridEnabled {
		if s.cpuLock.AcquireTimeout(ctx, s.opts.CPUAcquireTimeout) {
			engine, err := s.registry.CPU.EnsureReady(ctx)
			if err != nil {
				s.cpuLock.Release()
				// CPU引擎构建失败不影响GPU路径，落到第3级
				if !errors.Is(err, ErrEngineUnavailable) {
					return nil, err
				}
				s.log.Warnf("CPU分流不可用，回退GPU排队: %v", err)
			} else {
				s.log.Infof("GPU繁忙，本次推理分流到CPU")
				return NewLease(engine, DeviceCPU, s.cpuLock.Release), nil
			}
		}
	}

	// 第3级：阻塞等GPU，带整体安全超时
	wctx, cancel := context.WithTimeout(ctx, s.opts.GPULockTimeout)
	defer cancel()

	if err := s.gpuLock.Acquire(wctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrAcquireTimeout
	}
	return s.gpuLease(ctx)
}

// cpuLease 阻塞获取CPU锁并组装CPU租约（GPU停用模式专用）
func (s *Scheduler) cpuLease(ctx context.Context) (*Lease, error) {
	if err := s.cpuLock.Acquire(ctx); err != nil {
		return nil, err
	}
	engine, err := s.registry.CPU.EnsureReady(ctx)
	if err != nil {
		s.cpuLock.Release()
		return nil, err
	}
	return NewLease(engine, DeviceCPU, s.cpuLock.Release), nil
}

// gpuLease 组装GPU租约，引擎不可用时立即归还锁
func (s *Scheduler) gpuLease(ctx context.Context) (*Lease, error) {
	engine, err := s.registry.GPU.EnsureReady(ctx)
	if err != nil {
		s.gpuLock.Release()
		return nil, err
	}
	return NewLease(engine, DeviceGPU, s.gpuLock.Release), nil
}
