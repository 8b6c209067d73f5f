package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
)

// RenderOverlays 把检测出的题目边界框画在页面图片上，输出到 overlay/ 目录。
// 普通题画绿框，资料分析材料画蓝框，框上角标注题目ID。
func RenderOverlays(workdir string, doc *StructureDoc) error {
	outDir := filepath.Join(workdir, "overlay")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	// 按页面聚合待绘制的框
	type labeledBox struct {
		box      BBox
		label    string
		material bool
	}
	perPage := make(map[string][]labeledBox)
	for _, q := range doc.Questions {
		for _, b := range q.BBoxes {
			perPage[b.Page] = append(perPage[b.Page], labeledBox{box: b, label: q.ID})
		}
	}
	for _, bigQ := range doc.BigQuestions {
		for _, b := range bigQ.MaterialBBoxes {
			perPage[b.Page] = append(perPage[b.Page], labeledBox{box: b, label: bigQ.ID, material: true})
		}
	}

	for pageName, boxes := range perPage {
		pageImg, err := imaging.Open(filepath.Join(workdir, pageName+".png"))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("打开页面图片 %s 失败: %w", pageName, err)
		}

		dc := gg.NewContextForImage(pageImg)
		dc.SetLineWidth(3)
		for _, lb := range boxes {
			if lb.material {
				dc.SetRGBA(0.2, 0.4, 0.9, 0.9)
			} else {
				dc.SetRGBA(0.1, 0.7, 0.2, 0.9)
			}
			b := lb.box
			dc.DrawRectangle(float64(b.X1), float64(b.Y1), float64(b.X2-b.X1), float64(b.Y2-b.Y1))
			dc.Stroke()
			dc.DrawString(lb.label, float64(b.X1)+4, float64(b.Y1)+16)
		}

		if err := dc.SavePNG(filepath.Join(outDir, pageName+".png")); err != nil {
			return fmt.Errorf("保存调试图 %s 失败: %w", pageName, err)
		}
	}
	return nil
}
