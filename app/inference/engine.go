package inference

import (
	"context"
	"errors"
)

// DeviceKind 推理设备类型
type DeviceKind string

const (
	DeviceGPU DeviceKind = "gpu"
	DeviceCPU DeviceKind = "cpu"
)

var (
	// ErrEngineUnavailable 引擎构建失败后对所有后续调用返回此错误，不做静默重试
	ErrEngineUnavailable = errors.New("推理引擎不可用")
	// ErrAcquireTimeout GPU锁整体超时
	ErrAcquireTimeout = errors.New("获取GPU推理锁超时")
)

// LayoutBlock 版面分析结果中的单个块
type LayoutBlock struct {
	Label   string `json:"label"`   // title / text / header / footer / number / table ...
	Content string `json:"content"` // 块内文本
	BBox    [4]int `json:"bbox"`    // x1, y1, x2, y2
}

// LayoutResult 单页版面分析结果
type LayoutResult struct {
	Blocks      []LayoutBlock `json:"blocks"`
	ImageWidth  int           `json:"image_width"`
	ImageHeight int           `json:"image_height"`
}

// Engine 文档版面分析引擎。
// Warmup 必须与构建在同一执行线程上完成（见 Provider）。
type Engine interface {
	// Predict 对单张页面图片执行版面分析
	Predict(ctx context.Context, imagePath string) (*LayoutResult, error)
	// Warmup 预热：执行一次引导推理
	Warmup(ctx context.Context) error
	// Close 释放引擎资源
	Close() error
}
