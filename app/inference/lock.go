package inference

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// ResourceLock 计数锁，限制同一推理资源上的并发调用数。
// GPU侧permit固定为1（设备不能安全地并发执行两次推理），
// CPU侧permit可配置（默认2）。
type ResourceLock struct {
	sem     *semaphore.Weighted
	permits int
}

// NewResourceLock 创建有 n 个permit的计数锁
func NewResourceLock(n int) *ResourceLock {
	if n < 1 {
		n = 1
	}
	return &ResourceLock{
		sem:     semaphore.NewWeighted(int64(n)),
		permits: n,
	}
}

// Permits 配置的permit总数
func (l *ResourceLock) Permits() int {
	return l.permits
}

// TryAcquire 非阻塞获取一个permit
func (l *ResourceLock) TryAcquire() bool {
	return l.sem.TryAcquire(1)
}

// AcquireTimeout 限时获取一个permit，超时返回 false
func (l *ResourceLock) AcquireTimeout(ctx context.Context, d time.Duration) bool {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return l.sem.Acquire(tctx, 1) == nil
}

// Acquire 阻塞获取一个permit，仅在 ctx 取消时返回错误
func (l *ResourceLock) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// Release 归还一个permit
func (l *ResourceLock) Release() {
	l.sem.Release(1)
}
