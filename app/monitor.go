package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/sinspired/clash-probe/utils"
)

// memoryWarnRatio 进程占用超过系统内存该比例时告警
const memoryWarnRatio = 0.25

// ProcessStats 进程资源占用快照
type ProcessStats struct {
	RSS        uint64  `json:"rss"`
	RSSHuman   string  `json:"rss_human"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
	SystemMem  uint64  `json:"system_mem"`
}

// Monitor 定期记录进程内存与 CPU 占用
type Monitor struct {
	proc *process.Process
	last atomic.Pointer[ProcessStats]
}

// StartMonitor 创建并启动监控，ctx 结束后停止；获取进程信息失败时返回 nil
func StartMonitor(ctx context.Context, interval time.Duration) *Monitor {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		slog.Warn(fmt.Sprintf("无法获取进程信息, 不启动资源监控: %v", err))
		return nil
	}
	m := &Monitor{proc: proc}
	m.sample(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := m.sample(ctx)
				if s == nil {
					continue
				}
				slog.Debug(fmt.Sprintf("资源占用: 内存 %s, CPU %.1f%%, 协程 %d", s.RSSHuman, s.CPUPercent, s.Goroutines))
				if s.SystemMem > 0 && float64(s.RSS) > float64(s.SystemMem)*memoryWarnRatio {
					slog.Warn(fmt.Sprintf("内存占用过高: %s", s.RSSHuman))
				}
			}
		}
	}()
	return m
}

func (m *Monitor) sample(ctx context.Context) *ProcessStats {
	info, err := m.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		slog.Debug(fmt.Sprintf("读取进程内存失败: %v", err))
		return nil
	}
	s := &ProcessStats{
		RSS:        info.RSS,
		RSSHuman:   utils.FormatTraffic(info.RSS),
		Goroutines: runtime.NumGoroutine(),
	}
	if cpu, err := m.proc.CPUPercentWithContext(ctx); err == nil {
		s.CPUPercent = cpu
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.SystemMem = vm.Total
	}
	m.last.Store(s)
	return s
}

// Last 最近一次采样，未采样或监控未启动时为 nil
func (m *Monitor) Last() *ProcessStats {
	if m == nil {
		return nil
	}
	return m.last.Load()
}
