// Package check 节点检测漏斗主逻辑
package check

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sinspired/clash-probe/check/platform"
	proxies "github.com/sinspired/clash-probe/proxy"
	"github.com/sinspired/clash-probe/store"
)

// 对外暴露变量，供状态接口与进度显示读取
var (
	Progress   atomic.Uint32 // 当前阶段已完成数量
	Available  atomic.Uint32 // 当前阶段成功数量
	ProxyCount atomic.Uint32 // 当前阶段任务总数

	// ForceClose 用户要求结束，漏斗停止派发新的探测并用已有结果收尾
	ForceClose atomic.Bool

	currentPhase atomic.Int32
)

// Phase 漏斗状态
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseCollecting
	PhaseLatency
	PhaseSampling
	PhaseDeep
	PhaseScoring
	PhaseSelecting
	PhaseDone
)

var phaseNames = [...]string{"空闲", "收集节点", "延迟筛选", "测速抽样", "分区深度测速", "打分", "优选", "完成"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// CurrentPhase 正在执行的阶段
func CurrentPhase() Phase { return Phase(currentPhase.Load()) }

// Measurement 一个测速源的测量结果
type Measurement struct {
	Value   float64
	Err     string
	Skipped bool // 动态地址解析失败，该源跳过
}

// OK 有效测量
func (m Measurement) OK() bool { return m.Err == "" && !m.Skipped && m.Value > 0 }

// Candidate 一次检测中的候选节点，只在本轮检测内存在
type Candidate struct {
	proxies.Proxy
	// Index 发现顺序，延迟相同时按此排序
	Index  int
	Region proxies.RegionTag

	// Latency 为 0 表示延迟测试失败，原因见 LatencyErr
	Latency    time.Duration
	LatencyErr string

	Sample map[string]Measurement
	Deep   map[string]Measurement
	Score  float64

	sampleKinds map[string]platform.Kind
	deepKinds   map[string]platform.Kind
}

// Alive 延迟测试成功
func (c *Candidate) Alive() bool { return c.LatencyErr == "" && c.Latency > 0 }

// LatencyMS 毫秒延迟，失败时返回 0
func (c *Candidate) LatencyMS() float64 {
	return float64(c.Latency.Microseconds()) / 1000
}

// AvgSampleSpeed 抽样阶段下载类测速源的平均速度，没有有效结果为 0
func (c *Candidate) AvgSampleSpeed() float64 {
	var sum float64
	var n int
	for name, m := range c.Sample {
		if c.sampleKinds[name] != platform.KindSpeed || !m.OK() {
			continue
		}
		sum += m.Value
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// BlendedScore 分区挑选使用的综合分，越小越好
// 延迟按 100ms、速度按 1000KB/s 归一化
func (c *Candidate) BlendedScore() float64 {
	lat := c.LatencyMS()
	if !c.Alive() {
		lat = 9999
	}
	return lat/100 - c.AvgSampleSpeed()/1000
}

func (c *Candidate) setMeasurement(deep bool, t platform.Target, m Measurement) {
	if deep {
		if c.Deep == nil {
			c.Deep = make(map[string]Measurement)
			c.deepKinds = make(map[string]platform.Kind)
		}
		c.Deep[t.Name] = m
		c.deepKinds[t.Name] = t.Kind
		return
	}
	if c.Sample == nil {
		c.Sample = make(map[string]Measurement)
		c.sampleKinds = make(map[string]platform.Kind)
	}
	c.Sample[t.Name] = m
	c.sampleKinds[t.Name] = t.Kind
}

// Observation 转换为持久化的观测记录
// 深度测速结果以 "_large" 后缀与抽样结果区分
func (c *Candidate) Observation(ts time.Time) store.Observation {
	obs := store.Observation{
		Provider:  c.Provider,
		ProxyName: c.Name,
		ProxyType: c.Type,
		Server:    c.Server,
		Port:      c.Port,
		Error:     c.LatencyErr,
		Timestamp: ts,
	}
	if c.LatencyErr == "" && c.Latency > 0 {
		lat := c.Latency
		obs.Latency = &lat
	}
	if len(c.Sample)+len(c.Deep) > 0 {
		obs.Throughput = make(map[string]store.TargetResult, len(c.Sample)+len(c.Deep))
	}
	add := func(name string, kind platform.Kind, m Measurement) {
		if m.Skipped {
			return
		}
		obs.Throughput[name] = store.TargetResult{Value: m.Value, Latency: kind.LowerIsBetter(), Err: m.Err}
	}
	for name, m := range c.Sample {
		add(name, c.sampleKinds[name], m)
	}
	for name, m := range c.Deep {
		add(name+"_large", c.deepKinds[name], m)
	}
	return obs
}

// Recorder 观测结果的去处
type Recorder interface {
	Record(ctx context.Context, obs ...store.Observation) error
}

// Collector 获取订阅节点
type Collector interface {
	Collect(ctx context.Context, providers []proxies.Provider) []proxies.Proxy
}

// Classifier 节点地区归类
type Classifier interface {
	Classify(ctx context.Context, p proxies.Proxy) proxies.RegionTag
}

// resetStatus 每轮检测开始时重置对外状态
func resetStatus() {
	ForceClose.Store(false)
	Progress.Store(0)
	Available.Store(0)
	ProxyCount.Store(0)
	platform.TotalBytes.Store(0)
	currentPhase.Store(int32(PhaseIdle))
}
