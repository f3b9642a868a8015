package check

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/sinspired/clash-probe/check/platform"
	"github.com/sinspired/clash-probe/config"
	proxies "github.com/sinspired/clash-probe/proxy"
	"github.com/sinspired/clash-probe/selector"
	"github.com/sinspired/clash-probe/store"
	"github.com/sinspired/clash-probe/utils"
)

const classifyConcurrency = 32

// Funnel 漏斗检测：延迟筛选 → 测速抽样 → 分区深度测速 → 打分 → 优选
type Funnel struct {
	Tunnel     platform.Tunnel
	Collector  Collector
	Classifier Classifier
	Recorder   Recorder
	Providers  []proxies.Provider

	Policy         config.Policy
	LatencyTimeout time.Duration
	MaxLatency     time.Duration
	LatencyWorkers int
	PrintProgress  bool
}

// NewFunnel 按配置创建漏斗，classifier 与 recorder 可以为 nil
func NewFunnel(cfg *config.Config, tunnel platform.Tunnel, collector Collector, classifier Classifier, recorder Recorder, providers []proxies.Provider) *Funnel {
	timeout := time.Duration(cfg.LatencyTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Funnel{
		Tunnel:         tunnel,
		Collector:      collector,
		Classifier:     classifier,
		Recorder:       recorder,
		Providers:      providers,
		Policy:         cfg.Policy,
		LatencyTimeout: timeout,
		MaxLatency:     time.Duration(cfg.MaxLatency) * time.Millisecond,
		LatencyWorkers: cfg.LatencyParallel,
		PrintProgress:  cfg.PrintProgress,
	}
}

// Run 执行一次完整检测
// 单个节点的失败只记录在其结果中；没有订阅或没有节点通过延迟筛选时提前结束，Report.Message 说明原因
func (f *Funnel) Run(ctx context.Context, plan Plan) (*Report, error) {
	resetStatus()
	start := time.Now()
	policy := f.Policy.Normalize()
	report := newReport(plan, start)
	slog.Info(fmt.Sprintf("开始检测: %s", plan.Describe()))

	// 强制结束只停止探测，收尾与写库使用外层 ctx
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchForceClose(probeCtx, cancel)

	pt := NewProgressTracker(f.PrintProgress)
	defer pt.Finish()

	// Collecting
	pt.StartPhase(PhaseCollecting, 0)
	providers := proxies.FilterProviders(f.Providers, plan.Providers)
	if len(providers) == 0 {
		return report.finish("没有可用的订阅", start), nil
	}
	pool := f.Collector.Collect(probeCtx, providers)
	cands := make([]*Candidate, len(pool))
	for i, p := range pool {
		cands[i] = &Candidate{Proxy: p, Index: i}
	}
	report.Total = len(cands)
	report.Providers = lo.Uniq(lo.Map(pool, func(p proxies.Proxy, _ int) string { return p.Provider }))
	if len(cands) == 0 {
		return report.finish("没有获取到任何节点", start), nil
	}
	slog.Info(fmt.Sprintf("已获取节点数量: %d, 订阅: %v", len(cands), report.Providers))

	tested := cands
	if plan.SamplePercent > 0 {
		tested = SampleCandidates(cands, plan.SamplePercent)
		slog.Info(fmt.Sprintf("随机抽样 %d/%d 个节点", len(tested), len(cands)))
	}
	f.classify(probeCtx, tested)

	// LatencyFiltering
	probed := f.latencyPhase(probeCtx, tested, pt)
	maxLatency, limit := f.MaxLatency, plan.SurvivorCap
	if plan.SamplePercent > 0 {
		// 抽样模式只跳过延迟测试失败的节点
		maxLatency, limit = 0, 0
	}
	survivors := FilterByLatency(probed, maxLatency, limit)
	report.Tested = len(probed)
	report.Alive = lo.CountBy(probed, func(c *Candidate) bool { return c.Alive() })
	report.Survivors = len(survivors)
	slog.Info(fmt.Sprintf("延迟筛选: %d/%d 个节点通过 (阈值 %v, 上限 %d)", len(survivors), len(probed), maxLatency, limit))
	if len(survivors) == 0 {
		f.record(ctx, probed, start)
		return report.finish("没有节点通过延迟筛选", start), nil
	}

	// SpeedSampling
	if len(plan.SampleTargets) > 0 && !ForceClose.Load() {
		report.Sampled = f.throughputPhase(probeCtx, PhaseSampling, survivors, plan.SampleTargets, plan.SampleDuration, false, pt)
	}

	// RegionStratifiedDeepTest
	scoring := survivors
	if plan.Stratify && len(plan.DeepTargets) > 0 && !ForceClose.Load() {
		deep := StratifyRegions(survivors, policy.MinRegionSize, policy.TopPercent)
		report.Regions = regionStats(survivors, deep, policy.MinRegionSize)
		report.DeepTested = f.throughputPhase(probeCtx, PhaseDeep, deep, plan.DeepTargets, plan.DeepDuration, true, pt)
		scoring = deep
	}

	// Scoring
	pt.StartPhase(PhaseScoring, 0)
	targets, lowerIsBetter := plan.ScoreTargets()
	deepScored := plan.Stratify && len(plan.DeepTargets) > 0
	scored := ScoreCandidates(scoring, targets, deepScored)
	report.Scored = len(scored)

	// Selecting
	pt.StartPhase(PhaseSelecting, 0)
	if len(scored) > 0 {
		sel := selector.Select(lo.Map(scored, func(c *Candidate, _ int) selector.Candidate {
			return selector.Candidate{Name: c.Name, Provider: c.Provider, Score: c.Score}
		}), lowerIsBetter, selector.PolicyFromConfig(policy))
		report.setSelection(sel, lowerIsBetter, scored)
		logSelection(report)
	} else {
		report.Message = "没有节点获得有效测速结果"
	}

	report.Sources = sourceStats(probed, plan.SampleTargets, false)
	if deepScored {
		report.Sources = append(report.Sources, sourceStats(scoring, plan.DeepTargets, true)...)
	}
	f.record(ctx, probed, start)
	return report.finish(report.Message, start), nil
}

func watchForceClose(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ForceClose.Load() {
				slog.Warn("用户手动结束检测, 使用已有结果收尾")
				cancel()
				return
			}
		}
	}
}

func (f *Funnel) classify(ctx context.Context, cands []*Candidate) {
	if f.Classifier == nil {
		return
	}
	RunPhase(ctx, cands, classifyConcurrency, func(ctx context.Context, c *Candidate) {
		c.Region = f.Classifier.Classify(ctx, c.Proxy)
	})
}

// latencyPhase 返回实际完成延迟测试的节点，强制结束时未测试的节点不计入
func (f *Funnel) latencyPhase(ctx context.Context, cands []*Candidate, pt *ProgressTracker) []*Candidate {
	pt.StartPhase(PhaseLatency, len(cands))
	probed := make([]bool, len(cands))
	pos := make(map[*Candidate]int, len(cands))
	for i, c := range cands {
		pos[c] = i
	}

	workers := latencyConcurrency(f.LatencyWorkers, len(cands))
	RunPhase(ctx, cands, workers, func(ctx context.Context, c *Candidate) {
		d, err := f.Tunnel.Delay(ctx, c.Proxy, f.LatencyTimeout)
		if err != nil {
			c.LatencyErr = platform.Reason(err)
			slog.Debug(fmt.Sprintf("%s: 延迟测试失败: %s", c.Name, c.LatencyErr))
		} else {
			c.Latency = d
		}
		probed[pos[c]] = true
		pt.Count(err == nil)
	})

	out := make([]*Candidate, 0, len(cands))
	for i, c := range cands {
		if probed[i] {
			out = append(out, c)
		}
	}
	return out
}

// throughputPhase 每个节点独占一条通道依次测试全部测速源，返回测试的节点数
func (f *Funnel) throughputPhase(ctx context.Context, phase Phase, cands []*Candidate, targets []platform.Target, budget time.Duration, deep bool, pt *ProgressTracker) int {
	pt.StartPhase(phase, len(cands))
	started := time.Now()

	n := RunPhase(ctx, cands, f.Tunnel.Lanes(), func(ctx context.Context, c *Candidate) {
		route, err := f.Tunnel.Acquire(ctx, c.Proxy)
		if err != nil {
			for _, t := range targets {
				c.setMeasurement(deep, t, Measurement{Err: platform.Reason(err)})
			}
			pt.Count(false)
			return
		}
		defer route.Release()

		ok := false
		for _, t := range targets {
			if checkCtxDone(ctx) {
				break
			}
			v, err := platform.Measure(ctx, route.Client, t, budget)
			m := Measurement{Value: v}
			switch {
			case platform.IsSkipped(err):
				m = Measurement{Skipped: true}
			case err != nil:
				m = Measurement{Err: platform.Reason(err)}
			}
			c.setMeasurement(deep, t, m)
			ok = ok || m.OK()
		}
		slog.Debug(fmt.Sprintf("%s %s: %s", c.Region.Label(), c.Name, formatMeasurements(c, targets, deep)))
		pt.Count(ok)
	})

	slog.Info(fmt.Sprintf("%s完成: %d 个节点, 耗时 %.2fs", phase, n, utils.Since(started)))
	return n
}

// SampleCandidates 从原始节点池随机抽取 percent% 的节点，至少 1 个，保持发现顺序
func SampleCandidates(cands []*Candidate, percent int) []*Candidate {
	if len(cands) == 0 {
		return nil
	}
	n := max(1, len(cands)*percent/100)
	sampled := lo.Samples(cands, n)
	sort.SliceStable(sampled, func(i, j int) bool { return sampled[i].Index < sampled[j].Index })
	return sampled
}

// FilterByLatency 丢弃失败或延迟不低于 maxLatency 的节点，按延迟升序、同延迟按发现顺序排列
// maxLatency 为 0 不限制，limit 为 0 不截断
func FilterByLatency(cands []*Candidate, maxLatency time.Duration, limit int) []*Candidate {
	out := lo.Filter(cands, func(c *Candidate, _ int) bool {
		return c.Alive() && (maxLatency <= 0 || c.Latency < maxLatency)
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Latency != out[j].Latency {
			return out[i].Latency < out[j].Latency
		}
		return out[i].Index < out[j].Index
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// StratifyRegions 按大区分组，每组按综合分挑选深度测速的节点
// 少于 minSize 个节点的大区只取最好的 1 个，其余取前 topPercent%，至少 1 个
// 结果按大区名称排序
func StratifyRegions(cands []*Candidate, minSize, topPercent int) []*Candidate {
	groups := lo.GroupBy(cands, func(c *Candidate) string { return c.Region.GroupOrOther() })
	regions := lo.Keys(groups)
	sort.Strings(regions)

	var out []*Candidate
	for _, region := range regions {
		members := append([]*Candidate(nil), groups[region]...)
		sort.SliceStable(members, func(i, j int) bool {
			return members[i].BlendedScore() < members[j].BlendedScore()
		})
		out = append(out, members[:regionQuota(len(members), minSize, topPercent)]...)
	}
	return out
}

func regionQuota(n, minSize, topPercent int) int {
	if n == 0 {
		return 0
	}
	if n < minSize {
		return 1
	}
	return min(n, max(1, n*topPercent/100))
}

// ScoreCandidates 计算得分并返回得分有效的节点
// 没有测速源时以延迟为分数；单个源取原始值；多个源使用综合得分
func ScoreCandidates(cands []*Candidate, targets []platform.Target, deep bool) []*Candidate {
	if len(targets) == 0 {
		out := lo.Filter(cands, func(c *Candidate, _ int) bool { return c.Alive() })
		for _, c := range out {
			c.Score = c.LatencyMS()
		}
		return out
	}

	rows := make([]selector.Measurements, len(cands))
	for i, c := range cands {
		src := c.Sample
		if deep {
			src = c.Deep
		}
		row := make(selector.Measurements, len(targets))
		for _, t := range targets {
			if m, ok := src[t.Name]; ok && m.OK() {
				row[t.Name] = m.Value
			}
		}
		rows[i] = row
	}

	var scores []float64
	if len(targets) == 1 {
		scores = make([]float64, len(rows))
		for i, row := range rows {
			scores[i] = row[targets[0].Name]
		}
	} else {
		scores = selector.CompositeScores(rows)
	}

	out := make([]*Candidate, 0, len(cands))
	for i, c := range cands {
		c.Score = scores[i]
		if c.Score > 0 {
			out = append(out, c)
		}
	}
	return out
}

func (f *Funnel) record(ctx context.Context, cands []*Candidate, ts time.Time) {
	if f.Recorder == nil || len(cands) == 0 {
		return
	}
	obs := lo.Map(cands, func(c *Candidate, _ int) store.Observation { return c.Observation(ts) })
	if err := f.Recorder.Record(ctx, obs...); err != nil {
		slog.Error(fmt.Sprintf("保存检测结果失败: %v", err))
		return
	}
	slog.Debug(fmt.Sprintf("已保存 %d 条检测结果", len(obs)))
}

func formatMeasurements(c *Candidate, targets []platform.Target, deep bool) string {
	src := c.Sample
	if deep {
		src = c.Deep
	}
	s := fmt.Sprintf("%.0fms", c.LatencyMS())
	for _, t := range targets {
		m, ok := src[t.Name]
		switch {
		case !ok || m.Skipped:
			s += fmt.Sprintf(" %s:-", t.Name)
		case m.Err != "":
			s += fmt.Sprintf(" %s:x(%s)", t.Name, m.Err)
		case t.Kind == platform.KindLatency:
			s += fmt.Sprintf(" %s:%.0fms", t.Name, m.Value)
		default:
			s += fmt.Sprintf(" %s:%s", t.Name, utils.FormatSpeed(m.Value))
		}
	}
	return s
}
