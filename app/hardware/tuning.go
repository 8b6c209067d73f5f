package hardware

// Tuning 由硬件信息推导出的调优参数，计算一次后不可变。
// 所有字段都可以被配置文件中的显式值覆盖，显式值永远优先。
type Tuning struct {
	DetBatchSize      int     `json:"det_batch_size"`      // 版面检测批大小
	RecBatchSize      int     `json:"rec_batch_size"`      // 文本识别批大小
	PrefetchDepth     int     `json:"prefetch_depth"`      // 预取队列深度
	Workers           int     `json:"workers"`             // 页面并发worker数
	GPUMemoryFraction float64 `json:"gpu_memory_fraction"` // 显存占用上限比例
	ThreadBound       bool    `json:"thread_bound"`        // 推理调用是否绑定单线程
}

// 每个预取队列槽位的驻留内存估算（GB）
const prefetchSlotCostGB = 0.5

// Calculate 根据硬件信息计算调优参数。纯函数，结果确定。
//
// 显存分档策略：
//	<=4GB: det=1 rec=8  fraction=0.6
//	<=6GB: det=2 rec=16 fraction=0.6
//	<=8GB: det=3 rec=24 fraction=0.8
//	 >8GB: det=4 rec=32 fraction=0.8
func Calculate(p Profile, gpuPermits int) Tuning {
	t := Tuning{}

	switch {
	case p.GPUMemoryGB <= 4:
		t.DetBatchSize = 1
		t.RecBatchSize = 8
		t.GPUMemoryFraction = 0.6
	case p.GPUMemoryGB <= 6:
		t.DetBatchSize = 2
		t.RecBatchSize = 16
		t.GPUMemoryFraction = 0.6
	case p.GPUMemoryGB <= 8:
		t.DetBatchSize = 3
		t.RecBatchSize = 24
		t.GPUMemoryFraction = 0.8
	default:
		t.DetBatchSize = 4
		t.RecBatchSize = 32
		t.GPUMemoryFraction = 0.8
	}

	t.Workers = clampInt(p.CPUCores/2, 2, 4)
	t.PrefetchDepth = clampInt(int(p.AvailableRAMGB/prefetchSlotCostGB), 4, 16)

	// 单线程绑定与GPU并发互斥：permit数大于1时强制关闭绑定
	t.ThreadBound = gpuPermits <= 1

	return t
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
