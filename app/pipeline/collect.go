package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SummaryItem 汇总清单中的一项
type SummaryItem struct {
	ID   string `json:"id"`
	Qno  int    `json:"qno,omitempty"`
	Kind string `json:"kind"`
	File string `json:"file"`
}

// Summary 第4步产出的汇总文档（all_questions/summary.json）
type Summary struct {
	TaskID        string        `json:"task_id"`
	TotalPages    int           `json:"total_pages"`
	QuestionCount int           `json:"question_count"`
	SpecialCount  int           `json:"special_count"`
	Items         []SummaryItem `json:"items"`
	Missing       []string      `json:"missing,omitempty"`
	GeneratedAt   time.Time     `json:"generated_at"`
}

// SummaryPath 汇总文档路径
func SummaryPath(workdir string) string {
	return filepath.Join(workdir, "all_questions", "summary.json")
}

// LoadSummary 加载汇总文档
func LoadSummary(workdir string) (*Summary, error) {
	data, err := os.ReadFile(SummaryPath(workdir))
	if err != nil {
		return nil, fmt.Errorf("读取汇总文档失败: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("解析汇总文档失败: %w", err)
	}
	return &s, nil
}

// CollectStep 第4步：对照结构文档校验产物完整性，生成汇总文档。
// 缺图视为步骤失败，任务停在可续跑的失败态。
type CollectStep struct{}

// NewCollectStep 创建汇总步骤
func NewCollectStep() *CollectStep { return &CollectStep{} }

func (s *CollectStep) Name() string  { return "collect" }
func (s *CollectStep) Title() string { return "结果汇总" }

// Completed 汇总文档存在且没有缺图记录才算完成，
// 带缺图的汇总只是失败现场，续跑时要重新校验
func (s *CollectStep) Completed(sc *StepContext) bool {
	summary, err := LoadSummary(sc.Workdir)
	return err == nil && len(summary.Missing) == 0
}

func (s *CollectStep) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	doc, err := LoadStructureDoc(sc.Workdir)
	if err != nil {
		return nil, Fatal(fmt.Errorf("结构文档缺失，请先执行结构检测步骤: %w", err))
	}

	outDir, err := AllQuestionsDir(sc.Workdir)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		TaskID:      sc.TaskID,
		TotalPages:  doc.TotalPages,
		GeneratedAt: time.Now(),
	}

	for _, q := range doc.NormalQuestions() {
		if q.Qno == 0 {
			continue
		}
		file := fmt.Sprintf("item_%d.png", q.Qno)
		if fileExists(filepath.Join(outDir, file)) {
			summary.Items = append(summary.Items, SummaryItem{
				ID: q.ID, Qno: q.Qno, Kind: string(q.Kind), File: file,
			})
			summary.QuestionCount++
		} else {
			summary.Missing = append(summary.Missing, file)
		}
	}

	for _, bigQ := range doc.BigQuestions {
		file := fmt.Sprintf("special_%d.png", bigQ.Order)
		if fileExists(filepath.Join(outDir, file)) {
			summary.Items = append(summary.Items, SummaryItem{
				ID: bigQ.ID, Kind: "data_analysis", File: file,
			})
			summary.SpecialCount++
		} else {
			summary.Missing = append(summary.Missing, file)
		}
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("序列化汇总文档失败: %w", err)
	}
	if err := os.WriteFile(SummaryPath(sc.Workdir), data, 0o644); err != nil {
		return nil, fmt.Errorf("写入汇总文档失败: %w", err)
	}

	if len(summary.Missing) > 0 {
		return nil, fmt.Errorf("产物不完整，缺少 %d 张题目图片: %v", len(summary.Missing), summary.Missing)
	}

	sc.Logf(fmt.Sprintf("汇总完成：%d 道普通题，%d 个资料分析大题",
		summary.QuestionCount, summary.SpecialCount))
	sc.Report(1.0, "汇总完成")
	return &StepResult{ArtifactCount: len(summary.Items)}, nil
}

func (s *CollectStep) Reset(sc *StepContext) error {
	if err := os.Remove(SummaryPath(sc.Workdir)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
