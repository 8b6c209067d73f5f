package pipeline

import (
	"context"
	"fmt"
	"image"
	"math/rand"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tjy5/pdf-exam-question-extractor/app/config"
	"github.com/Tjy5/pdf-exam-question-extractor/app/inference"
	"github.com/Tjy5/pdf-exam-question-extractor/app/logger"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logger.Logger {
	return logger.New(config.LogConfig{Level: "error", Format: "text", Output: "stdout"})
}

// poolEngine 可控延迟的推理引擎，按文件名决定成败
type poolEngine struct {
	maxDelay time.Duration
	failOn   string
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (e *poolEngine) Predict(ctx context.Context, imagePath string) (*inference.LayoutResult, error) {
	cur := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		max := e.maxSeen.Load()
		if cur <= max || e.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}

	if e.maxDelay > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(e.maxDelay))))
	}
	if e.failOn != "" && strings.Contains(imagePath, e.failOn) {
		return nil, fmt.Errorf("模拟推理失败: %s", imagePath)
	}
	return &inference.LayoutResult{
		Blocks: []inference.LayoutBlock{{Label: "text", Content: filepath.Base(imagePath)}},
	}, nil
}

func (e *poolEngine) Warmup(ctx context.Context) error { return nil }
func (e *poolEngine) Close() error                     { return nil }

// leaseAcquirer 直接发放固定引擎租约，用计数锁模拟permit上限
type leaseAcquirer struct {
	engine  inference.Engine
	lock    *inference.ResourceLock
	device  inference.DeviceKind
	acquire atomic.Int32
}

func (a *leaseAcquirer) Acquire(ctx context.Context) (*inference.Lease, error) {
	if err := a.lock.Acquire(ctx); err != nil {
		return nil, err
	}
	a.acquire.Add(1)
	return inference.NewLease(a.engine, a.device, a.lock.Release), nil
}

func writeTestPages(t *testing.T, dir string, n int) []PageInput {
	t.Helper()
	pages := make([]PageInput, 0, n)
	for i := 1; i <= n; i++ {
		path := filepath.Join(dir, fmt.Sprintf("page_%d.png", i))
		img := imaging.New(40, 60, image.White)
		require.NoError(t, imaging.Save(img, path))
		pages = append(pages, PageInput{Index: i - 1, Path: path})
	}
	return pages
}

func TestPool_OrderPreserved(t *testing.T) {
	dir := t.TempDir()
	pages := writeTestPages(t, dir, 12)

	engine := &poolEngine{maxDelay: 15 * time.Millisecond}
	acq := &leaseAcquirer{engine: engine, lock: inference.NewResourceLock(2), device: inference.DeviceGPU}
	pool := NewPageWorkerPool(acq, PoolOptions{Workers: 4, PrefetchDepth: 4}, newTestLogger())

	results, err := pool.Process(context.Background(), pages)
	require.NoError(t, err)
	require.Len(t, results, len(pages))

	// 无论完成顺序如何，结果按提交顺序归位
	for i, r := range results {
		assert.Equal(t, pages[i].Index, r.Index)
		assert.Equal(t, pages[i].Path, r.Path)
		require.NoError(t, r.Err)
		require.NotNil(t, r.Layout)
		assert.Equal(t, filepath.Base(pages[i].Path), r.Layout.Blocks[0].Content)
		assert.Equal(t, 40, r.ImageWidth)
		assert.Equal(t, 60, r.ImageHeight)
	}
}

func TestPool_ConcurrencyBoundedByPermits(t *testing.T) {
	dir := t.TempDir()
	pages := writeTestPages(t, dir, 10)

	engine := &poolEngine{maxDelay: 10 * time.Millisecond}
	acq := &leaseAcquirer{engine: engine, lock: inference.NewResourceLock(1), device: inference.DeviceGPU}
	pool := NewPageWorkerPool(acq, PoolOptions{Workers: 4, PrefetchDepth: 8}, newTestLogger())

	_, err := pool.Process(context.Background(), pages)
	require.NoError(t, err)
	assert.LessOrEqual(t, engine.maxSeen.Load(), int32(1), "1个permit下推理必须串行")
}

func TestPool_PerPageErrorCaptured(t *testing.T) {
	dir := t.TempDir()
	pages := writeTestPages(t, dir, 5)

	engine := &poolEngine{failOn: "page_3.png"}
	acq := &leaseAcquirer{engine: engine, lock: inference.NewResourceLock(2), device: inference.DeviceGPU}
	pool := NewPageWorkerPool(acq, PoolOptions{Workers: 2, PrefetchDepth: 4}, newTestLogger())

	results, err := pool.Process(context.Background(), pages)
	require.NoError(t, err, "非fail-fast模式下单页失败不让整批报错")

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			assert.Contains(t, r.Path, "page_3.png")
		} else {
			assert.NotNil(t, r.Layout)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestPool_FailFastCancelsRemaining(t *testing.T) {
	dir := t.TempDir()
	pages := writeTestPages(t, dir, 20)

	engine := &poolEngine{failOn: "page_1.png", maxDelay: 5 * time.Millisecond}
	acq := &leaseAcquirer{engine: engine, lock: inference.NewResourceLock(1), device: inference.DeviceGPU}
	pool := NewPageWorkerPool(acq, PoolOptions{Workers: 2, PrefetchDepth: 2, FailFast: true}, newTestLogger())

	results, err := pool.Process(context.Background(), pages)
	require.Error(t, err)
	assert.Len(t, results, len(pages))
}

func TestPool_UnreadableImageFails(t *testing.T) {
	dir := t.TempDir()
	pages := writeTestPages(t, dir, 2)
	pages = append(pages, PageInput{Index: 2, Path: filepath.Join(dir, "missing.png")})

	engine := &poolEngine{}
	acq := &leaseAcquirer{engine: engine, lock: inference.NewResourceLock(1), device: inference.DeviceGPU}
	pool := NewPageWorkerPool(acq, PoolOptions{Workers: 2, PrefetchDepth: 2}, newTestLogger())

	results, err := pool.Process(context.Background(), pages)
	require.NoError(t, err)
	assert.Error(t, results[2].Err)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
}

func TestPool_EmptyInput(t *testing.T) {
	engine := &poolEngine{}
	acq := &leaseAcquirer{engine: engine, lock: inference.NewResourceLock(1), device: inference.DeviceGPU}
	pool := NewPageWorkerPool(acq, PoolOptions{Workers: 2, PrefetchDepth: 2}, newTestLogger())

	results, err := pool.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, int32(0), acq.acquire.Load())
}
