package pipeline

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePage(t *testing.T, workdir, pageName string, w, h int) {
	t.Helper()
	img := imaging.New(w, h, color.White)
	require.NoError(t, imaging.Save(img, filepath.Join(workdir, pageName+".png")))
}

func TestComposeVertical(t *testing.T) {
	a := imaging.New(100, 40, color.White)
	b := imaging.New(100, 60, color.White)

	out := composeVertical([]image.Image{a, b})
	require.NotNil(t, out)
	assert.Equal(t, 100, out.Bounds().Dx())
	assert.Equal(t, 100, out.Bounds().Dy())

	// 单图直接返回
	assert.Equal(t, a, composeVertical([]image.Image{a}))
	assert.Nil(t, composeVertical(nil))
}

func TestComposeVertical_ScalesNarrowImages(t *testing.T) {
	wide := imaging.New(200, 50, color.White)
	narrow := imaging.New(100, 50, color.White)

	out := composeVertical([]image.Image{wide, narrow})
	require.NotNil(t, out)
	assert.Equal(t, 200, out.Bounds().Dx())
	// 窄图等比放大到最大宽度：高度 50*200/100=100
	assert.Equal(t, 150, out.Bounds().Dy())
}

func TestCropQuestionImage_SinglePage(t *testing.T) {
	workdir := t.TempDir()
	writePage(t, workdir, "page_1", 300, 500)

	q := &QuestionNode{
		ID: "q1", Qno: 1, Kind: KindNormal, PageSpan: []string{"page_1"},
		BBoxes: []BBox{
			{Page: "page_1", X1: 20, Y1: 100, X2: 280, Y2: 200},
			{Page: "page_1", X1: 20, Y1: 210, X2: 280, Y2: 300},
		},
	}

	img, err := CropQuestionImage(workdir, q)
	require.NoError(t, err)
	require.NotNil(t, img)
	// 整宽裁剪，纵向取并集 100..300
	assert.Equal(t, 300, img.Bounds().Dx())
	assert.Equal(t, 200, img.Bounds().Dy())
}

func TestCropQuestionImage_CrossPageStitch(t *testing.T) {
	workdir := t.TempDir()
	writePage(t, workdir, "page_1", 300, 500)
	writePage(t, workdir, "page_2", 300, 500)

	q := &QuestionNode{
		ID: "q5", Qno: 5, Kind: KindNormal, PageSpan: []string{"page_1", "page_2"},
		BBoxes: []BBox{
			{Page: "page_1", X1: 20, Y1: 400, X2: 280, Y2: 500},
			{Page: "page_2", X1: 20, Y1: 0, X2: 280, Y2: 80},
		},
	}

	img, err := CropQuestionImage(workdir, q)
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.Equal(t, 300, img.Bounds().Dx())
	assert.Equal(t, 180, img.Bounds().Dy(), "两页条带竖直拼接")
}

func TestCropQuestionImage_MissingPageSkipped(t *testing.T) {
	workdir := t.TempDir()
	writePage(t, workdir, "page_1", 300, 500)

	q := &QuestionNode{
		ID: "q1", Qno: 1, Kind: KindNormal,
		BBoxes: []BBox{
			{Page: "page_1", X1: 0, Y1: 10, X2: 100, Y2: 50},
			{Page: "page_9", X1: 0, Y1: 10, X2: 100, Y2: 50},
		},
	}

	img, err := CropQuestionImage(workdir, q)
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.Equal(t, 40, img.Bounds().Dy())
}

func TestCropBigQuestion_FallbackToPageSpan(t *testing.T) {
	workdir := t.TempDir()
	writePage(t, workdir, "page_2", 300, 600)

	bigQ := &BigQuestion{
		ID: "data_analysis_1", Order: 1,
		PageSpan: []string{"page_2"},
		QnoRange: [2]int{111, 115},
	}

	img, err := CropBigQuestionImage(workdir, bigQ, nil)
	require.NoError(t, err)
	require.NotNil(t, img)
	// 无精确边界框时整页裁剪并去掉上下边距
	assert.Equal(t, 300, img.Bounds().Dx())
	assert.Equal(t, 350, img.Bounds().Dy())
}
