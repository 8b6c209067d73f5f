package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
)

// Rasterizer PDF 页面渲染器
type Rasterizer interface {
	// PageCount 返回 PDF 总页数
	PageCount(pdfPath string) (int, error)
	// RenderPage 渲染第 pageNum 页（从1开始）为 PNG
	RenderPage(pdfPath string, pageNum int, dpi int, outPath string) error
}

// FitzRasterizer 基于 MuPDF 的渲染器
type FitzRasterizer struct{}

func (FitzRasterizer) PageCount(pdfPath string) (int, error) {
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("打开PDF失败: %w", err)
	}
	defer doc.Close()
	return doc.NumPage(), nil
}

func (FitzRasterizer) RenderPage(pdfPath string, pageNum int, dpi int, outPath string) error {
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return fmt.Errorf("打开PDF失败: %w", err)
	}
	defer doc.Close()

	img, err := doc.ImageDPI(pageNum-1, float64(dpi))
	if err != nil {
		return fmt.Errorf("渲染第 %d 页失败: %w", pageNum, err)
	}
	if err := imaging.Save(img, outPath); err != nil {
		return fmt.Errorf("保存第 %d 页图片失败: %w", pageNum, err)
	}
	return nil
}

// RasterizeStep 第0步：PDF 转页面图片（page_*.png）
type RasterizeStep struct {
	rasterizer Rasterizer
	dpi        int
	workers    int
}

// NewRasterizeStep 创建渲染步骤
func NewRasterizeStep(r Rasterizer, dpi, workers int) *RasterizeStep {
	if dpi <= 0 {
		dpi = 300
	}
	if workers < 1 {
		workers = 1
	}
	return &RasterizeStep{rasterizer: r, dpi: dpi, workers: workers}
}

func (s *RasterizeStep) Name() string  { return "rasterize" }
func (s *RasterizeStep) Title() string { return "PDF 转图片" }

// Completed 页面图片数量等于 PDF 页数即视为完成
func (s *RasterizeStep) Completed(sc *StepContext) bool {
	total, err := s.rasterizer.PageCount(sc.PDFPath)
	if err != nil || total == 0 {
		return false
	}
	images, err := ListPageImages(sc.Workdir)
	if err != nil {
		return false
	}
	return len(images) == total
}

func (s *RasterizeStep) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	if _, err := os.Stat(sc.PDFPath); err != nil {
		return nil, Fatal(fmt.Errorf("PDF文件不存在: %s", sc.PDFPath))
	}

	total, err := s.rasterizer.PageCount(sc.PDFPath)
	if err != nil {
		return nil, Fatal(err)
	}
	if total == 0 {
		return nil, Fatal(fmt.Errorf("PDF没有任何页面: %s", sc.PDFPath))
	}

	// 续跑时只渲染缺失的页面
	pending := make([]int, 0, total)
	for pageNum := 1; pageNum <= total; pageNum++ {
		outPath := filepath.Join(sc.Workdir, fmt.Sprintf("page_%d.png", pageNum))
		if info, err := os.Stat(outPath); err == nil && info.Size() > 0 {
			continue
		}
		pending = append(pending, pageNum)
	}
	if len(pending) == 0 {
		sc.Logf(fmt.Sprintf("全部 %d 页图片已存在，跳过渲染", total))
		return &StepResult{ArtifactCount: total}, nil
	}

	sc.Logf(fmt.Sprintf("开始渲染 %d/%d 页，分辨率 %d DPI", len(pending), total, s.dpi))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		done     int
	)
	jobs := make(chan int)

	for w := 0; w < s.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pageNum := range jobs {
				outPath := filepath.Join(sc.Workdir, fmt.Sprintf("page_%d.png", pageNum))
				err := s.rasterizer.RenderPage(sc.PDFPath, pageNum, s.dpi, outPath)

				mu.Lock()
				if err != nil && firstErr == nil {
					firstErr = err
				}
				done++
				sc.Report(float64(done)/float64(len(pending)), fmt.Sprintf("渲染第 %d 页", pageNum))
				mu.Unlock()
			}
		}()
	}

feed:
	for _, pageNum := range pending {
		select {
		case jobs <- pageNum:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if firstErr != nil {
		return nil, firstErr
	}

	sc.Logf(fmt.Sprintf("渲染完成，共 %d 页", total))
	return &StepResult{ArtifactCount: total}, nil
}

// Reset 删除全部页面图片
func (s *RasterizeStep) Reset(sc *StepContext) error {
	images, err := ListPageImages(sc.Workdir)
	if err != nil {
		return err
	}
	for _, img := range images {
		if err := os.Remove(img); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
