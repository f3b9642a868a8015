package check

import (
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sinspired/clash-probe/check/platform"
	"github.com/sinspired/clash-probe/utils"
)

// ProgressTracker 记录当前阶段的进度，同时更新对外的原子变量
// 开启 print-progress 时在控制台渲染进度条
type ProgressTracker struct {
	mu      sync.Mutex
	enabled bool
	out     io.Writer
	bar     *progressbar.ProgressBar
}

// NewProgressTracker 初始化进度追踪器
func NewProgressTracker(enabled bool) *ProgressTracker {
	return &ProgressTracker{enabled: enabled, out: os.Stderr}
}

// StartPhase 切换到新阶段，total 为 0 的阶段不显示进度条
func (pt *ProgressTracker) StartPhase(phase Phase, total int) {
	currentPhase.Store(int32(phase))
	if total > math.MaxInt32 {
		total = math.MaxInt32
	}
	ProxyCount.Store(uint32(total))
	Progress.Store(0)
	Available.Store(0)

	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.finishBar()
	if !pt.enabled || total == 0 {
		return
	}
	pt.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(pt.out),
		progressbar.OptionSetDescription(phase.String()),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(pt.out) }),
	)
}

// Count 标记一个任务完成
func (pt *ProgressTracker) Count(success bool) {
	Progress.Add(1)
	if success {
		Available.Add(1)
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.bar == nil {
		return
	}
	pt.bar.Describe(fmt.Sprintf("%s 可用: %d", CurrentPhase(), Available.Load()))
	_ = pt.bar.Add(1)
}

// Finish 收尾，强制结束时进度条可能未满
func (pt *ProgressTracker) Finish() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.finishBar()
}

func (pt *ProgressTracker) finishBar() {
	if pt.bar == nil {
		return
	}
	if !pt.bar.IsFinished() {
		_ = pt.bar.Exit()
		fmt.Fprintln(pt.out)
	}
	pt.bar = nil
}

// Status 对外状态快照
type Status struct {
	Phase     string `json:"phase"`
	Done      uint32 `json:"done"`
	Total     uint32 `json:"total"`
	Available uint32 `json:"available"`
	Traffic   string `json:"traffic"`
	Stopping  bool   `json:"stopping"`
}

// CurrentStatus 当前检测进度
func CurrentStatus() Status {
	return Status{
		Phase:     CurrentPhase().String(),
		Done:      Progress.Load(),
		Total:     ProxyCount.Load(),
		Available: Available.Load(),
		Traffic:   utils.FormatTraffic(platform.TotalBytes.Load()),
		Stopping:  ForceClose.Load(),
	}
}
