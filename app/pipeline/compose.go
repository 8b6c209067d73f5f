package pipeline

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"
)

// AllQuestionsDir 最终题目图片输出目录，不存在则创建
func AllQuestionsDir(workdir string) (string, error) {
	dir := filepath.Join(workdir, "all_questions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建输出目录失败: %w", err)
	}
	return dir, nil
}

// composeVertical 将多张图片竖直拼接成一张长图。
// 宽度不一致时窄图放大到最大宽度，保持版面左对齐阅读顺序。
func composeVertical(images []image.Image) image.Image {
	if len(images) == 0 {
		return nil
	}
	if len(images) == 1 {
		return images[0]
	}

	maxWidth := 0
	for _, im := range images {
		if w := im.Bounds().Dx(); w > maxWidth {
			maxWidth = w
		}
	}

	scaled := make([]image.Image, 0, len(images))
	totalHeight := 0
	for _, im := range images {
		b := im.Bounds()
		if b.Dx() != maxWidth {
			h := b.Dy() * maxWidth / b.Dx()
			dst := image.NewNRGBA(image.Rect(0, 0, maxWidth, h))
			xdraw.CatmullRom.Scale(dst, dst.Bounds(), im, b, xdraw.Over, nil)
			im = dst
		}
		scaled = append(scaled, im)
		totalHeight += im.Bounds().Dy()
	}

	long := imaging.New(maxWidth, totalHeight, image.White)
	y := 0
	for _, im := range scaled {
		long = imaging.Paste(long, im, image.Pt(0, y))
		y += im.Bounds().Dy()
	}
	return long
}

// cropPageSegments 按页面分组裁剪边界框区域，返回按页码排序的整宽条带。
// 每页取该页全部框的纵向并集，横向用整页宽。
func cropPageSegments(workdir string, bboxes []BBox) ([]image.Image, []string, error) {
	pageTo := make(map[string][]BBox)
	for _, b := range bboxes {
		pageTo[b.Page] = append(pageTo[b.Page], b)
	}
	pages := make([]string, 0, len(pageTo))
	for p := range pageTo {
		pages = append(pages, p)
	}
	SortPageNames(pages)

	var segments []image.Image
	var usedPages []string
	for _, pageName := range pages {
		pagePath := filepath.Join(workdir, pageName+".png")
		pageImg, err := imaging.Open(pagePath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, nil, fmt.Errorf("打开页面图片 %s 失败: %w", pageName, err)
		}

		boxes := pageTo[pageName]
		minY, maxY := boxes[0].Y1, boxes[0].Y2
		for _, b := range boxes[1:] {
			if b.Y1 < minY {
				minY = b.Y1
			}
			if b.Y2 > maxY {
				maxY = b.Y2
			}
		}

		bounds := pageImg.Bounds()
		if minY < 0 {
			minY = 0
		}
		if maxY > bounds.Dy() {
			maxY = bounds.Dy()
		}
		if maxY <= minY {
			continue
		}

		segments = append(segments, imaging.Crop(pageImg, image.Rect(0, minY, bounds.Dx(), maxY)))
		usedPages = append(usedPages, pageName)
	}
	return segments, usedPages, nil
}

// CropQuestionImage 裁剪单道题目的图片，跨页时竖直拼接
func CropQuestionImage(workdir string, q *QuestionNode) (image.Image, error) {
	if len(q.BBoxes) == 0 {
		return nil, nil
	}
	segments, _, err := cropPageSegments(workdir, q.BBoxes)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, nil
	}
	return composeVertical(segments), nil
}

// CropBigQuestionImage 裁剪资料分析大题：材料区域在前、小题在后，竖直拼接。
// 没有任何边界框时退回整页裁剪。
func CropBigQuestionImage(workdir string, bigQ *BigQuestion, byID map[string]*QuestionNode) (image.Image, error) {
	var boxes []BBox
	boxes = append(boxes, bigQ.MaterialBBoxes...)
	for _, sid := range bigQ.SubQuestionIDs {
		if q := byID[sid]; q != nil {
			boxes = append(boxes, q.BBoxes...)
		}
	}

	if len(boxes) == 0 {
		return cropFromPageSpan(workdir, bigQ)
	}

	sort.SliceStable(boxes, func(i, j int) bool {
		pi, pj := PageIndex(boxes[i].Page), PageIndex(boxes[j].Page)
		if pi != pj {
			return pi < pj
		}
		return boxes[i].Y1 < boxes[j].Y1
	})

	segments, _, err := cropPageSegments(workdir, boxes)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, nil
	}
	return composeVertical(segments), nil
}

// cropFromPageSpan 备选：按页面范围整页裁剪（去掉页眉页脚边距）
func cropFromPageSpan(workdir string, bigQ *BigQuestion) (image.Image, error) {
	const (
		marginTop    = 100
		marginBottom = 150
	)
	pages := append([]string{}, bigQ.PageSpan...)
	SortPageNames(pages)

	var segments []image.Image
	for _, pageName := range pages {
		pageImg, err := imaging.Open(filepath.Join(workdir, pageName+".png"))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("打开页面图片 %s 失败: %w", pageName, err)
		}
		b := pageImg.Bounds()
		bottom := b.Dy() - marginBottom
		if bottom <= marginTop {
			bottom = b.Dy()
		}
		segments = append(segments, imaging.Crop(pageImg, image.Rect(0, marginTop, b.Dx(), bottom)))
	}
	if len(segments) == 0 {
		return nil, nil
	}
	return composeVertical(segments), nil
}

// ComposeStepOptions 裁剪拼接步骤参数
type ComposeStepOptions struct {
	DebugOverlay bool // 是否渲染检测框调试图
}

// ComposeStep 第3步：按结构文档裁剪拼接题目图片。
// 产出 all_questions/item_<题号>.png 与 special_<序号>.png，
// 跨页条带作为中间产物存到 questions_page_*/。
type ComposeStep struct {
	opts ComposeStepOptions
}

// NewComposeStep 创建裁剪拼接步骤
func NewComposeStep(opts ComposeStepOptions) *ComposeStep {
	return &ComposeStep{opts: opts}
}

func (s *ComposeStep) Name() string  { return "compose" }
func (s *ComposeStep) Title() string { return "裁剪拼接" }

// Completed 输出图片数量达到结构文档的期望值即视为完成
func (s *ComposeStep) Completed(sc *StepContext) bool {
	if !HasStructureDoc(sc.Workdir) {
		return false
	}
	doc, err := LoadStructureDoc(sc.Workdir)
	if err != nil {
		return false
	}
	outDir := filepath.Join(sc.Workdir, "all_questions")
	items, _ := filepath.Glob(filepath.Join(outDir, "item_*.png"))
	specials, _ := filepath.Glob(filepath.Join(outDir, "special_*.png"))
	return len(items) >= len(doc.NormalQuestions()) && len(specials) >= len(doc.BigQuestions)
}

func (s *ComposeStep) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	doc, err := LoadStructureDoc(sc.Workdir)
	if err != nil {
		return nil, Fatal(fmt.Errorf("结构文档缺失，请先执行结构检测步骤: %w", err))
	}

	outDir, err := AllQuestionsDir(sc.Workdir)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*QuestionNode, len(doc.Questions))
	for _, q := range doc.Questions {
		byID[q.ID] = q
	}

	normals := doc.NormalQuestions()
	total := len(normals) + len(doc.BigQuestions)
	produced := 0
	saved := 0

	sc.Logf(fmt.Sprintf("处理 %d 道普通题目...", len(normals)))
	for _, q := range normals {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.Qno == 0 {
			continue
		}
		img, err := CropQuestionImage(sc.Workdir, q)
		if err != nil {
			return nil, err
		}
		if img == nil {
			sc.Logf(fmt.Sprintf("警告: 无法裁剪第 %d 题", q.Qno))
			produced++
			continue
		}
		if err := s.saveSegmentsIntermediate(sc.Workdir, q); err != nil {
			return nil, err
		}
		if err := imaging.Save(img, filepath.Join(outDir, fmt.Sprintf("item_%d.png", q.Qno))); err != nil {
			return nil, fmt.Errorf("保存第 %d 题图片失败: %w", q.Qno, err)
		}
		produced++
		saved++
		sc.Report(float64(produced)/float64(total), fmt.Sprintf("裁剪第 %d 题", q.Qno))
	}

	sc.Logf(fmt.Sprintf("处理 %d 个资料分析大题...", len(doc.BigQuestions)))
	for _, bigQ := range doc.BigQuestions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := CropBigQuestionImage(sc.Workdir, bigQ, byID)
		if err != nil {
			return nil, err
		}
		if img == nil {
			sc.Logf(fmt.Sprintf("警告: 无法裁剪资料分析大题 %d", bigQ.Order))
			produced++
			continue
		}
		if err := imaging.Save(img, filepath.Join(outDir, fmt.Sprintf("special_%d.png", bigQ.Order))); err != nil {
			return nil, fmt.Errorf("保存资料分析大题 %d 图片失败: %w", bigQ.Order, err)
		}
		produced++
		saved++
		sc.Report(float64(produced)/float64(total), fmt.Sprintf("裁剪资料分析大题 %d", bigQ.Order))
	}

	if s.opts.DebugOverlay {
		if err := RenderOverlays(sc.Workdir, doc); err != nil {
			// 调试图失败不影响主产物
			sc.Logf(fmt.Sprintf("警告: 渲染检测框调试图失败: %v", err))
		}
	}

	return &StepResult{ArtifactCount: saved}, nil
}

// saveSegmentsIntermediate 把跨页题目的每页条带存到 questions_page_<页码>/ 目录
func (s *ComposeStep) saveSegmentsIntermediate(workdir string, q *QuestionNode) error {
	if len(q.PageSpan) < 2 {
		return nil
	}
	segments, pages, err := cropPageSegments(workdir, q.BBoxes)
	if err != nil {
		return err
	}
	for i, seg := range segments {
		dir := filepath.Join(workdir, fmt.Sprintf("questions_page_%d", PageIndex(pages[i])))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		out := filepath.Join(dir, fmt.Sprintf("item_%d.png", q.Qno))
		if err := imaging.Save(seg, out); err != nil {
			return fmt.Errorf("保存第 %d 题中间条带失败: %w", q.Qno, err)
		}
	}
	return nil
}

// Reset 删除本步骤的题目图片与中间条带目录，不动第4步的 summary.json
func (s *ComposeStep) Reset(sc *StepContext) error {
	outDir := filepath.Join(sc.Workdir, "all_questions")
	for _, pattern := range []string{"item_*.png", "special_*.png"} {
		files, err := filepath.Glob(filepath.Join(outDir, pattern))
		if err != nil {
			return err
		}
		for _, f := range files {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	dirs, err := filepath.Glob(filepath.Join(sc.Workdir, "questions_page_*"))
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if err := os.RemoveAll(d); err != nil {
			return err
		}
	}
	return os.RemoveAll(filepath.Join(sc.Workdir, "overlay"))
}
