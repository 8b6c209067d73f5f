package hardware

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Profile 进程启动时探测到的硬件信息，探测后不可变
type Profile struct {
	GPUMemoryGB    float64 `json:"gpu_memory_gb"`    // 显存总量（GB），无GPU时为0
	AvailableRAMGB float64 `json:"available_ram_gb"` // 可用内存（GB），注意是可用而非总量
	CPUCores       int     `json:"cpu_cores"`        // 逻辑核心数
}

// 探测失败时的保守默认值
const (
	fallbackRAMGB    = 8.0
	fallbackCPUCores = 4
	probeTimeout     = 5 * time.Second
)

// Detect 探测当前硬件环境。
// 三项探测相互独立，任何一项失败都回退到保守默认值，永不报错。
func Detect() Profile {
	return Profile{
		GPUMemoryGB:    detectGPUMemory(),
		AvailableRAMGB: detectAvailableRAM(),
		CPUCores:       detectCPUCores(),
	}
}

// detectGPUMemory 通过 nvidia-smi 查询第一块GPU的显存总量
func detectGPUMemory() float64 {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0
	}

	// 多卡时只取第一块的输出行
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 {
		return 0
	}

	mib, err := strconv.ParseFloat(strings.TrimSpace(lines[0]), 64)
	if err != nil || mib <= 0 {
		return 0
	}
	return mib / 1024.0
}

// detectAvailableRAM 查询可用系统内存（GB）
func detectAvailableRAM() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil || vm == nil || vm.Available == 0 {
		return fallbackRAMGB
	}
	return float64(vm.Available) / (1024 * 1024 * 1024)
}

// detectCPUCores 查询逻辑CPU核心数
func detectCPUCores() int {
	count, err := cpu.Counts(true)
	if err != nil || count <= 0 {
		if n := runtime.NumCPU(); n > 0 {
			return n
		}
		return fallbackCPUCores
	}
	return count
}
