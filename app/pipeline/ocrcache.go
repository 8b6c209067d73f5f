package pipeline

import (
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

// PageOCR 单页版面分析缓存（ocr/page_*.json）。
// 第二步只读这些缓存，绝不重新发起推理。
type PageOCR struct {
	PageName    string                  `json:"page_name"`
	ImageWidth  int                     `json:"image_width"`
	ImageHeight int                     `json:"image_height"`
	Blocks      []inference.LayoutBlock `json:"blocks"`
}

var pageNumPattern = regexp.MustCompile(`page_(\d+)`)

// PageIndex 从页面名称解析页码，如 "page_12" -> 12，解析失败返回 0
func PageIndex(pageName string) int {
	m := pageNumPattern.FindStringSubmatch(pageName)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// SortPageNames 按页码升序排序页面名称
func SortPageNames(names []string) {
	sort.Slice(names, func(i, j int) bool {
		return PageIndex(names[i]) < PageIndex(names[j])
	})
}

// OCRCacheDir 获取缓存目录，不存在则创建
func OCRCacheDir(workdir string) (string, error) {
	dir := filepath.Join(workdir, "ocr")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建OCR缓存目录失败: %w", err)
	}
	return dir, nil
}

// OCRCachePath 单页缓存文件路径
func OCRCachePath(workdir, pageName string) string {
	return filepath.Join(workdir, "ocr", pageName+".json")
}

// HasOCRCache 检查单页缓存是否存在
func HasOCRCache(workdir, pageName string) bool {
	info, err := os.Stat(OCRCachePath(workdir, pageName))
	return err == nil && !info.IsDir()
}

// LoadOCRCache 加载单页缓存，不存在时返回 (nil, nil)
func LoadOCRCache(workdir, pageName string) (*PageOCR, error) {
	data, err := os.ReadFile(OCRCachePath(workdir, pageName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取OCR缓存失败: %w", err)
	}
	var cache PageOCR
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("解析OCR缓存 %s 失败: %w", pageName, err)
	}
	return &cache, nil
}

// SaveOCRCache 保存单页缓存
func SaveOCRCache(workdir string, cache *PageOCR) error {
	if _, err := OCRCacheDir(workdir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化OCR缓存失败: %w", err)
	}
	if err := os.WriteFile(OCRCachePath(workdir, cache.PageName), data, 0o644); err != nil {
		return fmt.Errorf("写入OCR缓存失败: %w", err)
	}
	return nil
}

// LoadAllOCRCaches 加载全部页面缓存，key 为页面名称
func LoadAllOCRCaches(workdir string) (map[string]*PageOCR, error) {
	files, err := filepath.Glob(filepath.Join(workdir, "ocr", "page_*.json"))
	if err != nil {
		return nil, err
	}

	caches := make(map[string]*PageOCR, len(files))
	for _, f := range files {
		pageName := strings.TrimSuffix(filepath.Base(f), ".json")
		cache, err := LoadOCRCache(workdir, pageName)
		if err != nil {
			return nil, err
		}
		if cache != nil {
			caches[pageName] = cache
		}
	}
	return caches, nil
}

// ListPageImages 列出工作区内全部页面图片，按页码升序
func ListPageImages(workdir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(workdir, "page_*.png"))
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return PageIndex(filepath.Base(files[i])) < PageIndex(filepath.Base(files[j]))
	})
	return files, nil
}

// IsOCRComplete 检查是否每张 page_*.png 都有对应缓存
func IsOCRComplete(workdir string) bool {
	images, err := ListPageImages(workdir)
	if err != nil || len(images) == 0 {
		return false
	}
	for _, img := range images {
		pageName := strings.TrimSuffix(filepath.Base(img), ".png")
		if !HasOCRCache(workdir, pageName) {
			return false
		}
	}
	return true
}
