package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/Tjy5/pdf-exam-question-extractor/app/inference"
	"github.com/Tjy5/pdf-exam-question-extractor/app/logger"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// PageInput 待推理的单页输入
type PageInput struct {
	Index int // 原始提交顺序，结果按此序号归位
	Path  string
}

// PageResult 单页推理结果。Err 非空表示该页失败，不影响其他页
type PageResult struct {
	Index       int
	Path        string
	ImageWidth  int
	ImageHeight int
	Layout      *inference.LayoutResult
	Device      inference.DeviceKind
	Err         error
}

// PoolOptions 页面工作池参数
type PoolOptions struct {
	Workers       int  // 消费者并发数
	PrefetchDepth int  // 预取队列深度，决定CPU侧最多囤多少页
	FailFast      bool // 任一页失败时取消剩余工作
}

// PageWorkerPool 有界的生产者/消费者页面处理池。
// 生产者负责CPU侧解码校验，通过有界队列向消费者供页；
// 队列写满时生产者阻塞，自然限制预取节奏，避免内存无界增长。
// 消费者经混合调度器取得推理租约后执行版面分析。
type PageWorkerPool struct {
	acquirer Acquirer
	opts     PoolOptions
	log      *logger.Logger
}

// 已完成CPU侧准备的页面单元，slot 是结果切片中的位置
type preparedPage struct {
	slot   int
	input  PageInput
	width  int
	height int
}

// NewPageWorkerPool 创建页面工作池
func NewPageWorkerPool(acquirer Acquirer, opts PoolOptions, log *logger.Logger) *PageWorkerPool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PrefetchDepth < 1 {
		opts.PrefetchDepth = 1
	}
	return &PageWorkerPool{acquirer: acquirer, opts: opts, log: log}
}

// Process 处理一批页面，返回与输入同序的结果切片。
// fail_fast 关闭时单页失败只记录在该页的 Err 上，整批返回 nil error；
// fail_fast 开启时取消剩余工作并返回第一个错误。
func (p *PageWorkerPool) Process(ctx context.Context, pages []PageInput) ([]PageResult, error) {
	results := make([]PageResult, len(pages))
	for i, pg := range pages {
		results[i] = PageResult{Index: pg.Index, Path: pg.Path}
	}
	if len(pages) == 0 {
		return results, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		firstErr error
		errOnce  sync.Once
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			if p.opts.FailFast {
				cancel()
			}
		})
	}

	inputs := make(chan int)
	prefetch := make(chan preparedPage, p.opts.PrefetchDepth)

	go func() {
		defer close(inputs)
		for i := range pages {
			select {
			case inputs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	// 生产者池：解码校验后推入有界预取队列
	var producers sync.WaitGroup
	for w := 0; w < p.opts.Workers; w++ {
		producers.Add(1)
		go func() {
			defer producers.Done()
			for i := range inputs {
				pg := pages[i]
				img, err := imaging.Open(pg.Path)
				if err != nil {
					results[i].Err = fmt.Errorf("页面图片解码失败: %w", err)
					fail(results[i].Err)
					continue
				}
				bounds := img.Bounds()
				unit := preparedPage{slot: i, input: pg, width: bounds.Dx(), height: bounds.Dy()}
				select {
				case prefetch <- unit:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		producers.Wait()
		close(prefetch)
	}()

	// 消费者池：取得租约后执行推理
	var consumers sync.WaitGroup
	for w := 0; w < p.opts.Workers; w++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for unit := range prefetch {
				i := unit.slot
				results[i].ImageWidth = unit.width
				results[i].ImageHeight = unit.height

				layout, device, err := p.inferOne(ctx, unit.input.Path)
				if err != nil {
					results[i].Err = err
					fail(err)
					continue
				}
				results[i].Layout = layout
				results[i].Device = device
			}
		}()
	}
	consumers.Wait()

	if p.opts.FailFast && firstErr != nil {
		return results, firstErr
	}
	return results, nil
}

// inferOne 一次带租约的推理调用，租约在所有返回路径上都会释放
func (p *PageWorkerPool) inferOne(ctx context.Context, imagePath string) (*inference.LayoutResult, inference.DeviceKind, error) {
	lease, err := p.acquirer.Acquire(ctx)
	if err != nil {
		return nil, "", err
	}
	defer lease.Release()

	layout, err := lease.Engine.Predict(ctx, imagePath)
	if err != nil {
		p.log.Warn("页面推理失败",
			zap.String("image", imagePath),
			zap.String("device", string(lease.Device)),
			zap.Error(err))
		return nil, lease.Device, fmt.Errorf("页面推理失败: %w", err)
	}
	return layout, lease.Device, nil
}
