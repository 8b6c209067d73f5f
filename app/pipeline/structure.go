package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Tjy5/pdf-exam-question-extractor/app/inference"
)

// QuestionKind 题目类型
type QuestionKind string

const (
	KindNormal          QuestionKind = "normal"            // 普通题
	KindDataAnalysisSub QuestionKind = "data_analysis_sub" // 资料分析小题
)

// 资料分析区域识别参数。标题识别失败时按题号区间兜底。
const (
	dataAnalysisQnoStart  = 111
	dataAnalysisQnoEnd    = 130
	dataAnalysisGroupSize = 5 // 每个材料块带的小题数
)

var dataAnalysisKeywords = []string{"资料分析", "Data Analysis"}

// 试卷结束标识关键词
var examEndKeywords = []string{
	"全部测验到此结束",
	"测验到此结束",
	"试卷结束",
	"考试结束",
	"全部结束",
	"考试到此结束",
	"本试卷结束",
	"答题结束",
}

// 版面噪声关键字（二维码/广告/机构名），含结束标识本身
var noiseKeywords = append(append([]string{}, examEndKeywords...),
	"粉笔", "扫码", "扫码听课", "扫码对答案", "对答案", "二维码",
	"直播", "讲解", "APP", "课程", "进群", "公众号", "海报", "广告",
	"扫码查看答案", "四海公考", "四海", "华图", "中公",
)

var sectionHeadKeywords = []string{
	"资料分析", "判断推理", "言语理解与表达", "数量关系", "常识判断", "科学推理",
}

var sectionIntroKeywords = []string{"本部分包括", "本部分内容", "本部分共", "每题", "每道题"}

var dataIntroKeywords = []string{
	"资料分析", "根据以下资料", "根据下列资料", "根据所给材料",
	"根据资料", "根据材料", "下列文字资料", "下列图表",
}

var (
	questionHeadPattern  = regexp.MustCompile(`^(\d{1,3})[\.．、]`)
	sectionTitlePattern  = regexp.MustCompile(`^[一二三四五六七八九十]{1,2}\s*[、.．]\s*(` + strings.Join(sectionHeadKeywords, "|") + `)`)
	sectionPartPattern   = regexp.MustCompile(`第\s*[一二三四五六七八九十]+\s*部分`)
	questionRangePattern = regexp.MustCompile(`回答\s*\d+\s*[-~～－—]\s*\d+\s*题`)
)

// BBox 带页面归属的版面块边界框
type BBox struct {
	Page string `json:"page"`
	X1   int    `json:"x1"`
	Y1   int    `json:"y1"`
	X2   int    `json:"x2"`
	Y2   int    `json:"y2"`
}

// QuestionNode 单道题目的结构信息
type QuestionNode struct {
	ID          string       `json:"id"`
	Qno         int          `json:"qno"`
	Kind        QuestionKind `json:"kind"`
	PageSpan    []string     `json:"page_span"`
	BBoxes      []BBox       `json:"bboxes"`
	TextPreview string       `json:"text_preview,omitempty"`
	ParentID    string       `json:"parent_id,omitempty"`
}

// BigQuestion 资料分析大题：一段材料加一组小题
type BigQuestion struct {
	ID             string   `json:"id"`
	Order          int      `json:"order"`
	PageSpan       []string `json:"page_span"`
	MaterialBBoxes []BBox   `json:"material_bboxes"`
	SubQuestionIDs []string `json:"sub_question_ids"`
	QnoRange       [2]int   `json:"qno_range"`
}

// StructureDoc 试卷结构文档（structure.json）
type StructureDoc struct {
	Questions             []*QuestionNode `json:"questions"`
	BigQuestions          []*BigQuestion  `json:"big_questions"`
	DataAnalysisStartPage string          `json:"data_analysis_start_page,omitempty"`
	TotalPages            int             `json:"total_pages"`
}

// DataAnalysisQnos 返回所有属于资料分析大题的题号
func (d *StructureDoc) DataAnalysisQnos() map[int]bool {
	qnos := make(map[int]bool)
	for _, bq := range d.BigQuestions {
		for qno := bq.QnoRange[0]; qno <= bq.QnoRange[1]; qno++ {
			qnos[qno] = true
		}
	}
	return qnos
}

// NormalQuestions 返回所有普通题目
func (d *StructureDoc) NormalQuestions() []*QuestionNode {
	daQnos := d.DataAnalysisQnos()
	var out []*QuestionNode
	for _, q := range d.Questions {
		if q.Kind == KindNormal && !daQnos[q.Qno] {
			out = append(out, q)
		}
	}
	return out
}

// StructurePath 结构文档路径
func StructurePath(workdir string) string {
	return filepath.Join(workdir, "structure.json")
}

// HasStructureDoc 检查结构文档是否存在
func HasStructureDoc(workdir string) bool {
	info, err := os.Stat(StructurePath(workdir))
	return err == nil && !info.IsDir()
}

// LoadStructureDoc 加载结构文档
func LoadStructureDoc(workdir string) (*StructureDoc, error) {
	data, err := os.ReadFile(StructurePath(workdir))
	if err != nil {
		return nil, fmt.Errorf("读取结构文档失败: %w", err)
	}
	var doc StructureDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("解析结构文档失败: %w", err)
	}
	return &doc, nil
}

// SaveStructureDoc 保存结构文档
func SaveStructureDoc(workdir string, doc *StructureDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化结构文档失败: %w", err)
	}
	if err := os.WriteFile(StructurePath(workdir), data, 0o644); err != nil {
		return fmt.Errorf("写入结构文档失败: %w", err)
	}
	return nil
}

// extractQuestionNumber 从块文本开头提取题号，无题号返回 0
func extractQuestionNumber(text string) int {
	m := questionHeadPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

func isDataAnalysisQno(qno int) bool {
	return qno >= dataAnalysisQnoStart && qno <= dataAnalysisQnoEnd
}

// isNoiseBlock 页眉页脚、页码、广告等噪声块
func isNoiseBlock(block inference.LayoutBlock) bool {
	switch block.Label {
	case "footer", "header", "number":
		return true
	}
	for _, kw := range noiseKeywords {
		if strings.Contains(block.Content, kw) {
			return true
		}
	}
	return false
}

// isExamEndBlock 试卷结束标识块。
// 结束标识是独立短句，注意事项里嵌在长句中间的"考试结束"不算，
// 所以要求文本不超过50字且关键词靠近开头。
func isExamEndBlock(block inference.LayoutBlock) bool {
	text := strings.TrimSpace(block.Content)
	if text == "" || len([]rune(text)) > 50 {
		return false
	}
	for _, kw := range examEndKeywords {
		idx := strings.Index(text, kw)
		if idx >= 0 && len([]rune(text[:idx])) <= 10 {
			return true
		}
	}
	return false
}

// isSectionBoundaryBlock 判断是否是"部分标题/说明"块，如"一、常识判断"。
// 这类块不归入任何一道小题。
func isSectionBoundaryBlock(block inference.LayoutBlock) bool {
	switch block.Label {
	case "footer", "header", "number":
		return false
	}
	text := strings.TrimSpace(block.Content)
	if text == "" {
		return false
	}

	if sectionTitlePattern.MatchString(text) {
		return true
	}
	if sectionPartPattern.MatchString(text) {
		return true
	}
	if containsAny(text, sectionHeadKeywords) && containsAny(text, sectionIntroKeywords) {
		return true
	}
	if containsAny(text, dataIntroKeywords) {
		return true
	}
	if questionRangePattern.MatchString(text) {
		return true
	}
	return false
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// detectDataAnalysisStart 按标题关键词检测资料分析起始页，未检测到返回空串
func detectDataAnalysisStart(caches map[string]*PageOCR) string {
	names := sortedPageNames(caches)
	for _, pageName := range names {
		for _, block := range caches[pageName].Blocks {
			for _, kw := range dataAnalysisKeywords {
				if strings.Contains(block.Content, kw) {
					// 标题块通常带"第X部分"或被标为 title
					if strings.Contains(block.Content, "部分") || block.Label == "title" {
						return pageName
					}
				}
			}
		}
	}
	return ""
}

func sortedPageNames(caches map[string]*PageOCR) []string {
	names := make([]string, 0, len(caches))
	for name := range caches {
		names = append(names, name)
	}
	SortPageNames(names)
	return names
}

// BuildStructureDoc 从页面OCR缓存构建试卷结构文档。
// 资料分析区域优先按标题识别，失败时按题号区间兜底；
// 遇到试卷结束标识后不再扫描后续页面。
func BuildStructureDoc(caches map[string]*PageOCR, logf func(string)) *StructureDoc {
	if logf == nil {
		logf = func(string) {}
	}

	doc := &StructureDoc{TotalPages: len(caches)}
	names := sortedPageNames(caches)

	daStartIdx := int(^uint(0) >> 1) // 起始页未知时视为无穷远
	doc.DataAnalysisStartPage = detectDataAnalysisStart(caches)
	if doc.DataAnalysisStartPage != "" {
		daStartIdx = PageIndex(doc.DataAnalysisStartPage)
		logf(fmt.Sprintf("检测到资料分析起始页: %s", doc.DataAnalysisStartPage))
	} else {
		logf("未检测到资料分析区域标题，将使用题号兜底")
	}

	allQuestions := make(map[int]*QuestionNode)
	pageBlocks := make(map[string][]BBox) // 非噪声块，供材料区域回填
	currentQno := 0
	examEnded := false

	for _, pageName := range names {
		if examEnded {
			break
		}
		pageIdx := PageIndex(pageName)
		isDAPage := pageIdx >= daStartIdx

		for _, block := range caches[pageName].Blocks {
			if isExamEndBlock(block) {
				examEnded = true
				currentQno = 0
				logf(fmt.Sprintf("检测到试卷结束标识: %s", pageName))
				break
			}
			if isNoiseBlock(block) {
				continue
			}

			bbox := BBox{Page: pageName, X1: block.BBox[0], Y1: block.BBox[1], X2: block.BBox[2], Y2: block.BBox[3]}
			pageBlocks[pageName] = append(pageBlocks[pageName], bbox)

			qno := extractQuestionNumber(block.Content)
			if qno > 0 {
				isDAQ := isDataAnalysisQno(qno)
				if doc.DataAnalysisStartPage == "" && isDAQ {
					// 题号兜底：111-130 区间的题号出现即认定资料分析开始
					doc.DataAnalysisStartPage = pageName
					if pageIdx < daStartIdx {
						daStartIdx = pageIdx
					}
					isDAPage = true
					logf(fmt.Sprintf("通过题号兜底检测到资料分析起始页: %s", pageName))
				}

				kind := KindNormal
				if isDAPage || isDAQ {
					kind = KindDataAnalysisSub
				}

				if existing, ok := allQuestions[qno]; ok {
					// 跨页延续
					if !containsString(existing.PageSpan, pageName) {
						existing.PageSpan = append(existing.PageSpan, pageName)
					}
					existing.BBoxes = append(existing.BBoxes, bbox)
				} else {
					allQuestions[qno] = &QuestionNode{
						ID:          fmt.Sprintf("q%d", qno),
						Qno:         qno,
						Kind:        kind,
						PageSpan:    []string{pageName},
						BBoxes:      []BBox{bbox},
						TextPreview: truncateRunes(block.Content, 100),
					}
				}
				currentQno = qno
				continue
			}

			if currentQno == 0 {
				continue
			}
			existing, ok := allQuestions[currentQno]
			if !ok {
				continue
			}

			// 新部分的标题/说明终止上一题的续接
			if isSectionBoundaryBlock(block) {
				currentQno = 0
				continue
			}

			// 上一题的延续内容；只有相邻页面才视为跨页延续
			if !containsString(existing.PageSpan, pageName) {
				lastIdx := PageIndex(existing.PageSpan[len(existing.PageSpan)-1])
				if pageIdx == lastIdx+1 {
					existing.PageSpan = append(existing.PageSpan, pageName)
				}
			}
			if containsString(existing.PageSpan, pageName) {
				existing.BBoxes = append(existing.BBoxes, bbox)
			}
		}
	}

	// 整理题目列表，按题号升序
	qnos := make([]int, 0, len(allQuestions))
	for qno := range allQuestions {
		qnos = append(qnos, qno)
	}
	sort.Ints(qnos)
	for _, qno := range qnos {
		doc.Questions = append(doc.Questions, allQuestions[qno])
	}

	buildBigQuestions(doc, allQuestions, pageBlocks, names, daStartIdx, logf)

	normalCount := 0
	for _, q := range doc.Questions {
		if q.Kind == KindNormal {
			normalCount++
		}
	}
	logf(fmt.Sprintf("共检测到 %d 道普通题目", normalCount))

	return doc
}

// buildBigQuestions 把资料分析小题按组划成大题，并回填每组的材料区域
func buildBigQuestions(
	doc *StructureDoc,
	allQuestions map[int]*QuestionNode,
	pageBlocks map[string][]BBox,
	sortedNames []string,
	daStartIdx int,
	logf func(string),
) {
	var daQnos []int
	for _, q := range doc.Questions {
		if q.Kind == KindDataAnalysisSub || isDataAnalysisQno(q.Qno) {
			daQnos = append(daQnos, q.Qno)
		}
	}
	if len(daQnos) == 0 {
		return
	}
	sort.Ints(daQnos)
	logf(fmt.Sprintf("资料分析小题: %d - %d", daQnos[0], daQnos[len(daQnos)-1]))

	for groupStart := 0; groupStart < len(daQnos); groupStart += dataAnalysisGroupSize {
		groupEnd := groupStart + dataAnalysisGroupSize
		if groupEnd > len(daQnos) {
			groupEnd = len(daQnos)
		}
		groupQnos := daQnos[groupStart:groupEnd]

		order := groupStart/dataAnalysisGroupSize + 1
		bigID := fmt.Sprintf("data_analysis_%d", order)

		pageSet := make(map[string]bool)
		var subIDs []string
		for _, qno := range groupQnos {
			q := allQuestions[qno]
			if q == nil {
				continue
			}
			for _, p := range q.PageSpan {
				pageSet[p] = true
			}
			subIDs = append(subIDs, q.ID)
			q.ParentID = bigID
			q.Kind = KindDataAnalysisSub
		}

		doc.BigQuestions = append(doc.BigQuestions, &BigQuestion{
			ID:             bigID,
			Order:          order,
			PageSpan:       sortPageSet(pageSet),
			SubQuestionIDs: subIDs,
			QnoRange:       [2]int{groupQnos[0], groupQnos[len(groupQnos)-1]},
		})
	}
	logf(fmt.Sprintf("构建了 %d 个资料分析大题", len(doc.BigQuestions)))

	if doc.DataAnalysisStartPage == "" {
		return
	}
	if start := PageIndex(doc.DataAnalysisStartPage); start < daStartIdx {
		daStartIdx = start
	}

	questionByID := make(map[string]*QuestionNode, len(doc.Questions))
	for _, q := range doc.Questions {
		questionByID[q.ID] = q
	}

	// 每个大题的材料范围：上一大题小题区结束处 → 本组第一道小题出现处
	prevEndPageIdx := 0
	prevEndMaxY := map[string]int{}

	for i, bigQ := range doc.BigQuestions {
		subPages := make(map[string]bool)
		subMinY := map[string]int{}
		subMaxY := map[string]int{}
		for _, sid := range bigQ.SubQuestionIDs {
			node := questionByID[sid]
			if node == nil {
				continue
			}
			for _, b := range node.BBoxes {
				subPages[b.Page] = true
				if y, ok := subMinY[b.Page]; !ok || b.Y1 < y {
					subMinY[b.Page] = b.Y1
				}
				if y, ok := subMaxY[b.Page]; !ok || b.Y2 > y {
					subMaxY[b.Page] = b.Y2
				}
			}
		}
		if len(subPages) == 0 {
			continue
		}
		firstSubIdx := 0
		for p := range subPages {
			if idx := PageIndex(p); firstSubIdx == 0 || idx < firstSubIdx {
				firstSubIdx = idx
			}
		}

		materialStartIdx := daStartIdx
		materialStartMinY := map[string]int{}
		if i > 0 && prevEndPageIdx > 0 {
			materialStartIdx = prevEndPageIdx
			materialStartMinY = prevEndMaxY
		}

		var materialBoxes []BBox
		for _, pageName := range sortedNames {
			pIdx := PageIndex(pageName)
			if pIdx < materialStartIdx {
				continue
			}
			if pIdx > firstSubIdx && !subPages[pageName] {
				continue
			}
			cutoffBottom, hasBottom := subMinY[pageName]
			cutoffTop, hasTop := materialStartMinY[pageName]

			for _, b := range pageBlocks[pageName] {
				// 跳过上一大题小题区域内的块
				if hasTop && pIdx == materialStartIdx && b.Y1 < cutoffTop {
					continue
				}
				// 跳过本组小题区域内的块
				if hasBottom && b.Y2 > cutoffBottom {
					continue
				}
				materialBoxes = append(materialBoxes, b)
			}
		}

		if len(materialBoxes) > 0 {
			bigQ.MaterialBBoxes = materialBoxes
			pageSet := make(map[string]bool)
			for _, p := range bigQ.PageSpan {
				pageSet[p] = true
			}
			for _, b := range materialBoxes {
				pageSet[b.Page] = true
			}
			bigQ.PageSpan = sortPageSet(pageSet)
		}

		for p := range subPages {
			if idx := PageIndex(p); idx > prevEndPageIdx {
				prevEndPageIdx = idx
			}
		}
		prevEndMaxY = subMaxY
	}
}

func sortPageSet(set map[string]bool) []string {
	pages := make([]string, 0, len(set))
	for p := range set {
		pages = append(pages, p)
	}
	SortPageNames(pages)
	return pages
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// StructureStep 第2步：读OCR缓存构建试卷结构（structure.json）。
// 只读缓存，绝不重新发起推理。
type StructureStep struct{}

// NewStructureStep 创建结构检测步骤
func NewStructureStep() *StructureStep { return &StructureStep{} }

func (s *StructureStep) Name() string  { return "structure" }
func (s *StructureStep) Title() string { return "结构检测" }

func (s *StructureStep) Completed(sc *StepContext) bool {
	return HasStructureDoc(sc.Workdir)
}

func (s *StructureStep) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	caches, err := LoadAllOCRCaches(sc.Workdir)
	if err != nil {
		return nil, err
	}
	if len(caches) == 0 {
		return nil, Fatal(fmt.Errorf("没有任何OCR缓存，请先执行识别步骤"))
	}

	doc := BuildStructureDoc(caches, sc.Logf)
	if err := SaveStructureDoc(sc.Workdir, doc); err != nil {
		return nil, err
	}

	sc.Report(1.0, fmt.Sprintf("检测到 %d 道题目", len(doc.Questions)))
	return &StepResult{ArtifactCount: len(doc.Questions)}, nil
}

func (s *StructureStep) Reset(sc *StepContext) error {
	if err := os.Remove(StructurePath(sc.Workdir)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
