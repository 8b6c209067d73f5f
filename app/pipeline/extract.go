package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExtractStep 第1步：页面图片 → 单页版面分析缓存（ocr/page_*.json）。
// 已有缓存的页面直接跳过，重复跑不会重新推理。
type ExtractStep struct {
	pool *PageWorkerPool
}

// NewExtractStep 创建识别步骤
func NewExtractStep(pool *PageWorkerPool) *ExtractStep {
	return &ExtractStep{pool: pool}
}

func (s *ExtractStep) Name() string  { return "extract" }
func (s *ExtractStep) Title() string { return "OCR 识别" }

// Completed 每张页面图片都有对应缓存即视为完成
func (s *ExtractStep) Completed(sc *StepContext) bool {
	return IsOCRComplete(sc.Workdir)
}

func (s *ExtractStep) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	images, err := ListPageImages(sc.Workdir)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, Fatal(fmt.Errorf("工作区没有页面图片，请先执行渲染步骤"))
	}

	// 过滤出未缓存的页面
	pending := make([]PageInput, 0, len(images))
	cached := 0
	for i, img := range images {
		pageName := strings.TrimSuffix(filepath.Base(img), ".png")
		if HasOCRCache(sc.Workdir, pageName) {
			cached++
			continue
		}
		pending = append(pending, PageInput{Index: i, Path: img})
	}

	if len(pending) == 0 {
		sc.Logf(fmt.Sprintf("全部 %d 页已有OCR缓存，跳过推理", len(images)))
		return &StepResult{ArtifactCount: len(images)}, nil
	}

	sc.Logf(fmt.Sprintf("开始识别 %d/%d 页（%d 页命中缓存）", len(pending), len(images), cached))

	results, err := s.pool.Process(ctx, pending)
	if err != nil {
		return nil, err
	}

	// 成功页写缓存，失败页收集错误；已写入的缓存在重跑时直接复用
	var failed []string
	saved := 0
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", filepath.Base(r.Path), r.Err))
			continue
		}
		if r.Layout == nil {
			continue
		}
		pageName := strings.TrimSuffix(filepath.Base(r.Path), ".png")
		cache := &PageOCR{
			PageName:    pageName,
			ImageWidth:  r.ImageWidth,
			ImageHeight: r.ImageHeight,
			Blocks:      r.Layout.Blocks,
		}
		if err := SaveOCRCache(sc.Workdir, cache); err != nil {
			return nil, err
		}
		saved++
		sc.Report(float64(cached+saved)/float64(len(images)),
			fmt.Sprintf("%s 识别完成（%s）", pageName, r.Device))
		sc.Logf(fmt.Sprintf("%s 识别完成，设备 %s，%d 个版面块", pageName, r.Device, len(r.Layout.Blocks)))
	}

	if len(failed) > 0 {
		return nil, fmt.Errorf("共 %d 页识别失败: %s", len(failed), strings.Join(failed, "; "))
	}

	return &StepResult{ArtifactCount: len(images)}, nil
}

// Reset 删除整个OCR缓存目录
func (s *ExtractStep) Reset(sc *StepContext) error {
	dir := filepath.Join(sc.Workdir, "ocr")
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("清除OCR缓存失败: %w", err)
	}
	return nil
}
