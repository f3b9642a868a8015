package check

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sinspired/clash-probe/check/platform"
	"github.com/sinspired/clash-probe/selector"
	"github.com/sinspired/clash-probe/utils"
)

// Report 一次检测的结果摘要，保存为 selection.yaml 并通过接口返回
type Report struct {
	Plan      string    `yaml:"plan" json:"plan"`
	Group     string    `yaml:"group,omitempty" json:"group,omitempty"`
	Providers []string  `yaml:"providers" json:"providers"`
	Rules     []string  `yaml:"-" json:"-"`
	Started   time.Time `yaml:"started" json:"started"`
	Elapsed   string    `yaml:"elapsed" json:"elapsed"`
	Message   string    `yaml:"message,omitempty" json:"message,omitempty"`

	Total      int `yaml:"total" json:"total"`
	Tested     int `yaml:"tested" json:"tested"`
	Alive      int `yaml:"alive" json:"alive"`
	Survivors  int `yaml:"survivors" json:"survivors"`
	Sampled    int `yaml:"sampled" json:"sampled"`
	DeepTested int `yaml:"deep-tested" json:"deep_tested"`
	Scored     int `yaml:"scored" json:"scored"`

	Regions   []RegionStats `yaml:"regions,omitempty" json:"regions,omitempty"`
	Sources   []SourceStats `yaml:"sources,omitempty" json:"sources,omitempty"`
	Selection *Selection    `yaml:"selection,omitempty" json:"selection,omitempty"`
	Traffic   string        `yaml:"traffic" json:"traffic"`
}

// Selection 优选结果与阈值参数
type Selection struct {
	Names         []string        `yaml:"names" json:"names"`
	Mean          float64         `yaml:"mean" json:"mean"`
	StdDev        float64         `yaml:"stddev" json:"stddev"`
	Sigma         float64         `yaml:"sigma" json:"sigma"`
	Fallback      string          `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	LowerIsBetter bool            `yaml:"lower-is-better" json:"lower_is_better"`
	Proxies       []SelectedProxy `yaml:"proxies" json:"proxies"`
}

// SelectedProxy 入选节点
type SelectedProxy struct {
	Name      string  `yaml:"name" json:"name"`
	Provider  string  `yaml:"provider" json:"provider"`
	Region    string  `yaml:"region" json:"region"`
	LatencyMS float64 `yaml:"latency-ms" json:"latency_ms"`
	Score     float64 `yaml:"score" json:"score"`
}

// RegionStats 分区挑选情况
type RegionStats struct {
	Region     string `yaml:"region" json:"region"`
	Candidates int    `yaml:"candidates" json:"candidates"`
	Selected   int    `yaml:"selected" json:"selected"`
	Small      bool   `yaml:"small,omitempty" json:"small,omitempty"`
}

// SourceStats 单个测速源在所有节点上的表现
type SourceStats struct {
	Source    string  `yaml:"source" json:"source"`
	Kind      string  `yaml:"kind" json:"kind"`
	Count     int     `yaml:"count" json:"count"`
	Failed    int     `yaml:"failed" json:"failed"`
	Avg       float64 `yaml:"avg" json:"avg"`
	Best      float64 `yaml:"best" json:"best"`
	Worst     float64 `yaml:"worst" json:"worst"`
	BestProxy string  `yaml:"best-proxy" json:"best_proxy"`
}

func newReport(plan Plan, start time.Time) *Report {
	return &Report{Plan: plan.Name, Group: plan.Group, Rules: plan.Rules, Started: start}
}

func (r *Report) finish(msg string, start time.Time) *Report {
	currentPhase.Store(int32(PhaseDone))
	r.Message = msg
	r.Elapsed = time.Since(start).Round(time.Millisecond).String()
	r.Traffic = utils.FormatTraffic(platform.TotalBytes.Load())
	if msg != "" {
		slog.Warn(fmt.Sprintf("[%s] %s", r.Plan, msg))
	}
	slog.Info(fmt.Sprintf("[%s] 检测结束, 耗时 %s, 测速消耗流量 %s", r.Plan, r.Elapsed, r.Traffic))
	return r
}

// Empty 没有任何入选节点
func (r *Report) Empty() bool {
	return r == nil || r.Selection == nil || len(r.Selection.Names) == 0
}

func (r *Report) setSelection(sel selector.Result, lowerIsBetter bool, scored []*Candidate) {
	byName := make(map[string]*Candidate, len(scored))
	for _, c := range scored {
		if _, ok := byName[c.Name]; !ok {
			byName[c.Name] = c
		}
	}
	s := &Selection{
		Names:         sel.Names,
		Mean:          sel.Mean,
		StdDev:        sel.StdDev,
		Sigma:         sel.Sigma,
		Fallback:      string(sel.Fallback),
		LowerIsBetter: lowerIsBetter,
	}
	for _, name := range sel.Names {
		c := byName[name]
		if c == nil {
			continue
		}
		s.Proxies = append(s.Proxies, SelectedProxy{
			Name:      c.Name,
			Provider:  c.Provider,
			Region:    c.Region.Label(),
			LatencyMS: c.LatencyMS(),
			Score:     c.Score,
		})
	}
	r.Selection = s
}

func logSelection(r *Report) {
	s := r.Selection
	slog.Info(fmt.Sprintf("[%s] 得分统计: Mean %.2f, StdDev %.2f, sigma %.3g, 选中 %d/%d",
		r.Plan, s.Mean, s.StdDev, s.Sigma, len(s.Names), r.Scored))
	if s.Fallback != "" {
		slog.Info(fmt.Sprintf("[%s] 未找到落在目标区间的阈值, 使用兜底规则: %s", r.Plan, s.Fallback))
	}
	for i, p := range s.Proxies {
		if i >= 5 {
			slog.Info(fmt.Sprintf("    ... 以及另外 %d 个节点", len(s.Proxies)-5))
			break
		}
		slog.Info(fmt.Sprintf("    %s %s: score=%.2f latency=%.0fms", p.Region, p.Name, p.Score, p.LatencyMS))
	}
}

// regionStats 每个大区参与分区挑选的数量
func regionStats(all, picked []*Candidate, minSize int) []RegionStats {
	total := lo.CountValuesBy(all, func(c *Candidate) string { return c.Region.GroupOrOther() })
	chosen := lo.CountValuesBy(picked, func(c *Candidate) string { return c.Region.GroupOrOther() })

	regions := lo.Keys(total)
	sort.Strings(regions)
	out := make([]RegionStats, 0, len(regions))
	for _, region := range regions {
		rs := RegionStats{Region: region, Candidates: total[region], Selected: chosen[region], Small: total[region] < minSize}
		out = append(out, rs)
		slog.Info(fmt.Sprintf("  %-5s: 选中 %d/%d", rs.Region, rs.Selected, rs.Candidates))
	}
	return out
}

// sourceStats 按测速源汇总，速度类按平均值降序，延迟类按平均值升序
func sourceStats(cands []*Candidate, targets []platform.Target, deep bool) []SourceStats {
	var out []SourceStats
	for _, t := range targets {
		st := SourceStats{Source: t.Name, Kind: t.Kind.String()}
		if deep {
			st.Source += "_large"
		}
		var sum float64
		for _, c := range cands {
			src := c.Sample
			if deep {
				src = c.Deep
			}
			m, ok := src[t.Name]
			if !ok || m.Skipped {
				continue
			}
			if !m.OK() {
				st.Failed++
				continue
			}
			switch {
			case st.Count == 0:
				st.Best, st.Worst, st.BestProxy = m.Value, m.Value, c.Name
			case better(t.Kind, m.Value, st.Best):
				st.Best, st.BestProxy = m.Value, c.Name
			case better(t.Kind, st.Worst, m.Value):
				st.Worst = m.Value
			}
			sum += m.Value
			st.Count++
		}
		if st.Count == 0 && st.Failed == 0 {
			continue
		}
		if st.Count > 0 {
			st.Avg = sum / float64(st.Count)
		}
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind > out[j].Kind // speed 在前
		}
		if out[i].Kind == platform.KindLatency.String() {
			return out[i].Avg < out[j].Avg
		}
		return out[i].Avg > out[j].Avg
	})
	return out
}

func better(k platform.Kind, a, b float64) bool {
	if k.LowerIsBetter() {
		return a < b
	}
	return a > b
}

// Summary 报告的多行文本摘要，用于日志与命令行输出
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "计划: %s", r.Plan)
	if r.Group != "" {
		fmt.Fprintf(&b, " -> %s", r.Group)
	}
	fmt.Fprintf(&b, "\n节点: 共 %d, 延迟测试 %d, 可用 %d, 通过筛选 %d, 抽样 %d, 深度测速 %d, 有效得分 %d\n",
		r.Total, r.Tested, r.Alive, r.Survivors, r.Sampled, r.DeepTested, r.Scored)
	for _, s := range r.Sources {
		if s.Kind == platform.KindLatency.String() {
			fmt.Fprintf(&b, "  %-14s avg %.0fms  best %.0fms (%s)  worst %.0fms  fail %d\n", s.Source, s.Avg, s.Best, s.BestProxy, s.Worst, s.Failed)
			continue
		}
		fmt.Fprintf(&b, "  %-14s avg %s  best %s (%s)  worst %s  fail %d\n", s.Source,
			utils.FormatSpeed(s.Avg), utils.FormatSpeed(s.Best), s.BestProxy, utils.FormatSpeed(s.Worst), s.Failed)
	}
	if r.Selection != nil {
		fmt.Fprintf(&b, "优选 %d 个节点 (sigma=%.3g):\n", len(r.Selection.Names), r.Selection.Sigma)
		for _, p := range r.Selection.Proxies {
			fmt.Fprintf(&b, "  - %s %s (%.2f)\n", p.Region, p.Name, p.Score)
		}
	}
	if r.Message != "" {
		b.WriteString(r.Message + "\n")
	}
	return b.String()
}
