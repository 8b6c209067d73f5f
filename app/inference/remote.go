package inference

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"resty.dev/v3"
)

// RemoteEngineOptions 远程版面分析引擎的构建参数
type RemoteEngineOptions struct {
	BaseURL        string
	Device         DeviceKind
	DetBatchSize   int
	RecBatchSize   int
	MemoryFraction float64
	Timeout        time.Duration
}

// remoteEngine 通过HTTP调用 PP-StructureV3 serving 服务的引擎实现
type remoteEngine struct {
	client *resty.Client
	opts   RemoteEngineOptions
}

// NewRemoteEngine 创建远程版面分析引擎
func NewRemoteEngine(opts RemoteEngineOptions) Engine {
	client := resty.New()
	client.SetBaseURL(opts.BaseURL)
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}

	return &remoteEngine{
		client: client,
		opts:   opts,
	}
}

// Predict 上传页面图片并取回版面块
func (e *remoteEngine) Predict(ctx context.Context, imagePath string) (*LayoutResult, error) {
	var result LayoutResult

	resp, err := e.client.R().
		SetContext(ctx).
		SetFile("image", imagePath).
		SetFormData(map[string]string{
			"device":         string(e.opts.Device),
			"det_batch_size": strconv.Itoa(e.opts.DetBatchSize),
			"rec_batch_size": strconv.Itoa(e.opts.RecBatchSize),
		}).
		SetResult(&result).
		Post("/layout/predict")

	if err != nil {
		return nil, fmt.Errorf("版面分析请求失败: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("版面分析失败，状态码: %d, 响应: %s", resp.StatusCode(), resp.String())
	}

	return &result, nil
}

// Warmup 触发服务端加载模型并执行一次引导推理
func (e *remoteEngine) Warmup(ctx context.Context) error {
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"device":          string(e.opts.Device),
			"det_batch_size":  e.opts.DetBatchSize,
			"rec_batch_size":  e.opts.RecBatchSize,
			"memory_fraction": e.opts.MemoryFraction,
		}).
		Post("/layout/warmup")

	if err != nil {
		return fmt.Errorf("模型预热请求失败: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("模型预热失败，状态码: %d, 响应: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Close 释放HTTP客户端
func (e *remoteEngine) Close() error {
	return e.client.Close()
}
