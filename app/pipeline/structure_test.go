package pipeline

import (
	"fmt"
	"strings"
	"testing"

	"github.com/Tjy5/pdf-exam-question-extractor/app/inference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textBlock(content string, y1, y2 int) inference.LayoutBlock {
	return inference.LayoutBlock{Label: "text", Content: content, BBox: [4]int{50, y1, 1200, y2}}
}

func labeledBlock(label, content string, y1, y2 int) inference.LayoutBlock {
	return inference.LayoutBlock{Label: label, Content: content, BBox: [4]int{50, y1, 1200, y2}}
}

func pageCache(name string, blocks ...inference.LayoutBlock) *PageOCR {
	return &PageOCR{PageName: name, ImageWidth: 1240, ImageHeight: 1754, Blocks: blocks}
}

func TestPageIndex(t *testing.T) {
	assert.Equal(t, 12, PageIndex("page_12"))
	assert.Equal(t, 3, PageIndex("page_3.png"))
	assert.Equal(t, 0, PageIndex("cover"))

	names := []string{"page_10", "page_2", "page_1"}
	SortPageNames(names)
	assert.Equal(t, []string{"page_1", "page_2", "page_10"}, names)
}

func TestExtractQuestionNumber(t *testing.T) {
	assert.Equal(t, 1, extractQuestionNumber("1. 下列说法正确的是"))
	assert.Equal(t, 23, extractQuestionNumber("  23、关于声音的传播"))
	assert.Equal(t, 111, extractQuestionNumber("111．根据上表可知"))
	assert.Equal(t, 0, extractQuestionNumber("下列说法正确的是"))
	assert.Equal(t, 0, extractQuestionNumber("2023年全国总产量"))
}

func TestBuildStructure_BasicQuestions(t *testing.T) {
	caches := map[string]*PageOCR{
		"page_1": pageCache("page_1",
			labeledBlock("header", "2024年某省公务员录用考试", 20, 60),
			textBlock("1. 下列属于行政行为的是", 100, 300),
			textBlock("A. 甲 B. 乙 C. 丙 D. 丁", 310, 400),
			textBlock("2. 关于宪法的说法", 420, 600),
		),
		"page_2": pageCache("page_2",
			textBlock("3. 下列成语使用正确的是", 100, 300),
			labeledBlock("footer", "第 2 页", 1700, 1740),
		),
	}

	doc := BuildStructureDoc(caches, nil)
	require.Len(t, doc.Questions, 3)
	assert.Equal(t, 2, doc.TotalPages)
	assert.Empty(t, doc.DataAnalysisStartPage)

	q1 := doc.Questions[0]
	assert.Equal(t, "q1", q1.ID)
	assert.Equal(t, KindNormal, q1.Kind)
	assert.Equal(t, []string{"page_1"}, q1.PageSpan)
	// 选项块归入上一题
	assert.Len(t, q1.BBoxes, 2)
}

func TestBuildStructure_CrossPageContinuation(t *testing.T) {
	caches := map[string]*PageOCR{
		"page_1": pageCache("page_1",
			textBlock("5. 阅读以下文字，回答问题", 1400, 1700),
		),
		"page_2": pageCache("page_2",
			textBlock("A. 第一种 B. 第二种", 100, 200),
			textBlock("6. 下一道题目", 220, 400),
		),
	}

	doc := BuildStructureDoc(caches, nil)
	require.Len(t, doc.Questions, 2)

	q5 := doc.Questions[0]
	assert.Equal(t, []string{"page_1", "page_2"}, q5.PageSpan)
	assert.Len(t, q5.BBoxes, 2)
}

func TestBuildStructure_SectionBoundaryStopsContinuation(t *testing.T) {
	caches := map[string]*PageOCR{
		"page_1": pageCache("page_1",
			textBlock("10. 最后一道常识题", 100, 300),
			textBlock("二、言语理解与表达：本部分包括表达与理解两方面的内容", 320, 400),
			textBlock("请开始答题", 410, 450),
		),
	}

	doc := BuildStructureDoc(caches, nil)
	require.Len(t, doc.Questions, 1)
	// 部分标题终止续接，后面的提示语不再归入第10题
	assert.Len(t, doc.Questions[0].BBoxes, 1)
}

func TestBuildStructure_DataAnalysisByTitle(t *testing.T) {
	caches := map[string]*PageOCR{
		"page_1": pageCache("page_1",
			textBlock("1. 普通题目", 100, 300),
		),
		"page_2": pageCache("page_2",
			labeledBlock("title", "第四部分 资料分析", 80, 140),
			textBlock("根据以下资料，回答111-115题。", 160, 220),
			textBlock("2023年某省粮食产量统计表", 240, 800),
			textBlock("111. 该省粮食产量同比增长", 820, 1000),
			textBlock("112. 下列说法正确的是", 1020, 1200),
			textBlock("113. 增速最快的地市是", 1220, 1400),
			textBlock("114. 约为多少万吨", 1420, 1550),
			textBlock("115. 能够推出的是", 1560, 1700),
		),
	}

	doc := BuildStructureDoc(caches, nil)
	assert.Equal(t, "page_2", doc.DataAnalysisStartPage)
	require.Len(t, doc.BigQuestions, 1)

	bigQ := doc.BigQuestions[0]
	assert.Equal(t, "data_analysis_1", bigQ.ID)
	assert.Equal(t, [2]int{111, 115}, bigQ.QnoRange)
	assert.Len(t, bigQ.SubQuestionIDs, 5)
	assert.NotEmpty(t, bigQ.MaterialBBoxes, "材料区域应被回填")

	for _, sid := range bigQ.SubQuestionIDs {
		for _, q := range doc.Questions {
			if q.ID == sid {
				assert.Equal(t, KindDataAnalysisSub, q.Kind)
				assert.Equal(t, bigQ.ID, q.ParentID)
			}
		}
	}

	// 普通题不受影响
	normals := doc.NormalQuestions()
	require.Len(t, normals, 1)
	assert.Equal(t, 1, normals[0].Qno)
}

func TestBuildStructure_DataAnalysisQnoFallback(t *testing.T) {
	blocks := []inference.LayoutBlock{
		textBlock("下面是某市2023年的统计数据。", 100, 700),
	}
	for i := 0; i < 10; i++ {
		qno := 111 + i
		blocks = append(blocks, textBlock(
			fmt.Sprintf("%d. 第%d道小题", qno, qno), 720+i*90, 800+i*90))
	}
	caches := map[string]*PageOCR{
		"page_3": pageCache("page_3", blocks...),
	}

	doc := BuildStructureDoc(caches, nil)
	// 没有标题，靠题号区间兜底
	assert.Equal(t, "page_3", doc.DataAnalysisStartPage)
	require.Len(t, doc.BigQuestions, 2, "10道小题按5道一组分成2个大题")
	assert.Equal(t, [2]int{111, 115}, doc.BigQuestions[0].QnoRange)
	assert.Equal(t, [2]int{116, 120}, doc.BigQuestions[1].QnoRange)
}

func TestBuildStructure_ExamEndStopsScan(t *testing.T) {
	caches := map[string]*PageOCR{
		"page_1": pageCache("page_1",
			textBlock("1. 第一题", 100, 300),
			textBlock("全部测验到此结束！", 400, 450),
			textBlock("2. 结束标识后的内容不应计入", 500, 700),
		),
		"page_2": pageCache("page_2",
			textBlock("3. 后续页面也不应扫描", 100, 300),
		),
	}

	doc := BuildStructureDoc(caches, nil)
	require.Len(t, doc.Questions, 1)
	assert.Equal(t, 1, doc.Questions[0].Qno)
}

func TestIsExamEndBlock(t *testing.T) {
	assert.True(t, isExamEndBlock(textBlock("考试结束", 0, 10)))
	assert.True(t, isExamEndBlock(textBlock("——全部测验到此结束——", 0, 10)))

	// 注意事项里嵌在长段落中间的"考试结束"不算结束标识
	long := "注意事项：" + strings.Repeat("请认真阅读。", 8) + "宣布考试结束时，应立即停止答题。"
	assert.False(t, isExamEndBlock(textBlock(long, 0, 10)))
	assert.False(t, isExamEndBlock(textBlock("", 0, 10)))
}

func TestIsNoiseBlock(t *testing.T) {
	assert.True(t, isNoiseBlock(labeledBlock("footer", "第 3 页", 0, 10)))
	assert.True(t, isNoiseBlock(labeledBlock("header", "某省考试", 0, 10)))
	assert.True(t, isNoiseBlock(textBlock("扫码听课，关注公众号", 0, 10)))
	assert.False(t, isNoiseBlock(textBlock("1. 正常题目", 0, 10)))
}

func TestStructureDoc_SaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	doc := &StructureDoc{
		TotalPages:            3,
		DataAnalysisStartPage: "page_2",
		Questions: []*QuestionNode{
			{ID: "q1", Qno: 1, Kind: KindNormal, PageSpan: []string{"page_1"},
				BBoxes: []BBox{{Page: "page_1", X1: 10, Y1: 20, X2: 30, Y2: 40}}},
			{ID: "q111", Qno: 111, Kind: KindDataAnalysisSub, ParentID: "data_analysis_1",
				PageSpan: []string{"page_2"}},
		},
		BigQuestions: []*BigQuestion{
			{ID: "data_analysis_1", Order: 1, QnoRange: [2]int{111, 115},
				SubQuestionIDs: []string{"q111"}, PageSpan: []string{"page_2"}},
		},
	}

	require.False(t, HasStructureDoc(dir))
	require.NoError(t, SaveStructureDoc(dir, doc))
	require.True(t, HasStructureDoc(dir))

	loaded, err := LoadStructureDoc(dir)
	require.NoError(t, err)
	assert.Equal(t, doc.TotalPages, loaded.TotalPages)
	assert.Equal(t, doc.DataAnalysisStartPage, loaded.DataAnalysisStartPage)
	require.Len(t, loaded.Questions, 2)
	assert.Equal(t, doc.Questions[0].BBoxes, loaded.Questions[0].BBoxes)
	require.Len(t, loaded.BigQuestions, 1)
	assert.Equal(t, [2]int{111, 115}, loaded.BigQuestions[0].QnoRange)

	assert.True(t, loaded.DataAnalysisQnos()[113])
	assert.False(t, loaded.DataAnalysisQnos()[1])
	require.Len(t, loaded.NormalQuestions(), 1)
}
