package check

import (
	"fmt"
	"time"

	"github.com/sinspired/clash-probe/check/platform"
	"github.com/sinspired/clash-probe/config"
	"github.com/sinspired/clash-probe/utils"
)

const (
	PlanProbe  = "probe"
	PlanSample = "sample"
	PlanSource = "source"
	PlanDev    = "dev"
)

// Plan 一次漏斗检测要做的事
type Plan struct {
	Name string
	// Group 生成到 clash 配置中的策略组名，为空时不参与配置改写
	Group string
	// Providers 只检测这些订阅，为空表示全部
	Providers []string

	// SampleTargets 测速抽样阶段使用的测速源，为空时只做延迟测试
	SampleTargets  []platform.Target
	SampleDuration time.Duration
	// SamplePercent 大于 0 时为抽样模式：从原始节点池随机抽取该比例的节点
	SamplePercent int

	// Stratify 按大区分层挑选节点做深度测速
	Stratify     bool
	DeepTargets  []platform.Target
	DeepDuration time.Duration

	// SurvivorCap 延迟筛选后最多保留的节点数，0 不限制
	SurvivorCap int
	Rules       []string
}

// ScoreTargets 打分使用的测速源与优劣方向
// 深度测速存在时以深度测速为准；测速源类型不一致时只取与第一个同类的源
func (p Plan) ScoreTargets() ([]platform.Target, bool) {
	targets := p.SampleTargets
	if p.Stratify && len(p.DeepTargets) > 0 {
		targets = p.DeepTargets
	}
	if len(targets) == 0 {
		return nil, true
	}
	kind := targets[0].Kind
	out := make([]platform.Target, 0, len(targets))
	for _, t := range targets {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out, kind.LowerIsBetter()
}

func speedDuration(cfg *config.Config) time.Duration {
	d := cfg.SpeedDuration
	if d <= 0 {
		d = 5
	}
	return time.Duration(d * float64(time.Second))
}

// ProbePlan 完整漏斗：延迟 → 轻量抽样 → 分区深度测速
func ProbePlan(cfg *config.Config) Plan {
	p := Plan{Name: PlanProbe}
	if !cfg.Speed {
		return p
	}
	d := speedDuration(cfg)
	p.SampleTargets = platform.TierTargets(platform.TierLight)
	p.SampleDuration = d
	p.Stratify = true
	p.DeepTargets = platform.TierTargets(platform.TierLarge)
	p.DeepDuration = 2 * d
	return p
}

// SamplePlan 随机抽样模式，测速源优先级：自定义地址、指定源、默认抽样源
func SamplePlan(cfg *config.Config) (Plan, error) {
	targets, err := selectedTargets(cfg)
	if err != nil {
		return Plan{}, err
	}
	percent := cfg.SamplePercent
	if percent <= 0 {
		percent = 10
	}
	return Plan{
		Name:           PlanSample,
		SampleTargets:  targets,
		SampleDuration: speedDuration(cfg),
		SamplePercent:  min(percent, 100),
	}, nil
}

func selectedTargets(cfg *config.Config) ([]platform.Target, error) {
	if cfg.CustomURL != "" {
		return []platform.Target{platform.CustomTarget(cfg.CustomURL)}, nil
	}
	if len(cfg.Sources) > 0 {
		return platform.ResolveSources(cfg.Sources)
	}
	return platform.SampleSources(), nil
}

// SourcePlan 单个测速源的优选，延迟最低的若干节点逐一测试
func SourcePlan(cfg *config.Config, gp config.GroupPlan) (Plan, error) {
	t, ok := platform.LookupSource(gp.Source)
	if !ok {
		return Plan{}, fmt.Errorf("未知测速源: %s", gp.Source)
	}
	group := gp.Group
	if group == "" {
		group = "_" + t.Name
	}
	return Plan{
		Name:           PlanSource,
		Group:          group,
		Providers:      gp.Providers,
		SampleTargets:  []platform.Target{t},
		SampleDuration: speedDuration(cfg),
		SurvivorCap:    cfg.Policy.Normalize().SingleSourceCap,
		Rules:          gp.Rules,
	}, nil
}

// DevPlan 开发服务综合测速
func DevPlan(cfg *config.Config, gp config.GroupPlan) Plan {
	group := gp.Group
	if group == "" {
		group = "_DEV"
	}
	rules := gp.Rules
	if len(rules) == 0 {
		rules = config.DevRules
	}
	return Plan{
		Name:          PlanDev,
		Group:         group,
		Providers:     gp.Providers,
		SampleTargets: platform.DevServices,
		SurvivorCap:   cfg.Policy.Normalize().CompositeCap,
		Rules:         rules,
	}
}

// GroupPlans 配置中所有策略组对应的检测计划，sources 非空时只保留这些源
func GroupPlans(cfg *config.Config, sources []string) ([]Plan, error) {
	var plans []Plan
	for _, gp := range cfg.Groups {
		if len(sources) > 0 && !containsSource(sources, gp.Source) {
			continue
		}
		if gp.Source == PlanDev {
			plans = append(plans, DevPlan(cfg, gp))
			continue
		}
		p, err := SourcePlan(cfg, gp)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("没有匹配的策略组配置")
	}
	return plans, nil
}

func containsSource(sources []string, name string) bool {
	want, ok := platform.LookupSource(name)
	for _, s := range sources {
		if s == name {
			return true
		}
		if t, found := platform.LookupSource(s); ok && found && t.Name == want.Name {
			return true
		}
	}
	return false
}

// Describe 日志中显示的计划摘要
func (p Plan) Describe() string {
	s := p.Name
	if p.Group != "" {
		s += " -> " + p.Group
	}
	if len(p.SampleTargets) > 0 {
		s += fmt.Sprintf(", 测速源 %v", p.SampleTargets)
	}
	if p.SamplePercent > 0 {
		s += fmt.Sprintf(", 抽样 %d%%", p.SamplePercent)
	}
	if p.Stratify {
		s += fmt.Sprintf(", 深度测速 %v (%s)", p.DeepTargets, utils.FormatDuration(p.DeepDuration))
	}
	if p.SurvivorCap > 0 {
		s += fmt.Sprintf(", 最多 %d 个节点", p.SurvivorCap)
	}
	return s
}

// TargetedPlan 命令行指定测速源或自定义地址，不生成策略组
func TargetedPlan(cfg *config.Config) (Plan, error) {
	targets, err := selectedTargets(cfg)
	if err != nil {
		return Plan{}, err
	}
	// 多个源为综合测速，与开发服务组使用相同上限
	policy := cfg.Policy.Normalize()
	limit := policy.SingleSourceCap
	if len(targets) > 1 {
		limit = policy.CompositeCap
	}
	return Plan{
		Name:           PlanSource,
		SampleTargets:  targets,
		SampleDuration: speedDuration(cfg),
		SurvivorCap:    limit,
	}, nil
}

// CyclePlans 一轮检测要执行的计划
//   - update-config: 配置中的每个策略组一个计划
//   - sample: 随机抽样
//   - 指定了测速源或自定义地址: 只测这些源
//   - 其他: 完整漏斗
func CyclePlans(cfg *config.Config) ([]Plan, error) {
	switch {
	case cfg.UpdateConfig:
		return GroupPlans(cfg, cfg.Sources)
	case cfg.Sample:
		p, err := SamplePlan(cfg)
		if err != nil {
			return nil, err
		}
		return []Plan{p}, nil
	case len(cfg.Sources) > 0 || cfg.CustomURL != "":
		p, err := TargetedPlan(cfg)
		if err != nil {
			return nil, err
		}
		return []Plan{p}, nil
	default:
		return []Plan{ProbePlan(cfg)}, nil
	}
}
