package platform

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind 测试源类型，决定测量方式与优劣方向
type Kind int

const (
	KindSpeed   Kind = iota // 下载速度 KB/s，越大越好
	KindLatency             // 服务访问耗时 ms，越小越好
)

func (k Kind) String() string {
	if k == KindLatency {
		return "latency"
	}
	return "speed"
}

// LowerIsBetter 选择时的优劣方向
func (k Kind) LowerIsBetter() bool {
	return k == KindLatency
}

// Tier 测速分层，可组合
type Tier uint8

const (
	TierLight Tier = 1 << iota // 轻量抽样
	TierLarge                  // 深度测速
)

// Target 测速源
type Target struct {
	Name string
	URL  string
	Kind Kind
	Tier Tier
	// Dynamic 每次测试前经由被测节点解析真实地址
	Dynamic bool
	// Budget 固定测试时长，为 0 时使用计划中的时长
	Budget time.Duration
}

func (t Target) String() string {
	if t.Dynamic {
		return t.Name + " (dynamic)"
	}
	return t.Name
}

// Sources 内置测速源
var Sources = []Target{
	{Name: "cachefly", URL: "https://cachefly.cachefly.net/10mb.test", Tier: TierLight | TierLarge},
	{Name: "github", URL: "https://github.com/cli/cli/releases/download/v2.63.2/gh_2.63.2_macOS_arm64.zip", Tier: TierLarge},
	{Name: "nodejs", URL: "https://nodejs.org/dist/v20.11.0/node-v20.11.0-darwin-arm64.tar.gz", Tier: TierLarge},
	{Name: "golang", URL: "https://go.dev/dl/go1.22.0.darwin-arm64.tar.gz", Tier: TierLarge},
	{Name: "nix", URL: "https://releases.nixos.org/nix/nix-2.19.3/nix-2.19.3-x86_64-darwin.tar.xz", Tier: TierLarge},
	{Name: "homebrew", URL: "https://github.com/Homebrew/brew/releases/download/4.2.5/Homebrew-4.2.5.pkg", Tier: TierLarge},
	{Name: "npm", URL: "https://registry.npmjs.org/lodash/-/lodash-4.17.21.tgz", Tier: TierLight},
	{Name: "pypi", URL: "https://files.pythonhosted.org/packages/cp312/n/numpy/numpy-2.2.1-cp312-cp312-macosx_14_0_arm64.whl"},
	{Name: "crates", URL: "https://static.crates.io/crates/serde/serde-1.0.216.crate"},
	{Name: "netflix", Dynamic: true, Tier: TierLarge},

	{Name: "openai", URL: "https://api.openai.com/v1/models", Kind: KindLatency},
	{Name: "anthropic", URL: "https://api.anthropic.com/v1/messages", Kind: KindLatency},
	{Name: "deepseek", URL: "https://api.deepseek.com/v1/models", Kind: KindLatency},
	{Name: "gemini", URL: "https://generativelanguage.googleapis.com/", Kind: KindLatency},
	{Name: "cloudflare", URL: "https://cp.cloudflare.com/generate_204", Kind: KindLatency},
}

var aliases = map[string]string{
	"cf":     "cachefly",
	"gh":     "github",
	"node":   "nodejs",
	"go":     "golang",
	"hb":     "homebrew",
	"nf":     "netflix",
	"ai":     "openai",
	"gpt":    "openai",
	"claude": "anthropic",
	"ds":     "deepseek",
}

// sampleSources 抽样模式默认测速源
var sampleSources = []string{"cachefly", "github", "nix", "npm", "netflix"}

// devServiceTimeout DEV 综合测试中单个服务的完整下载时限
const devServiceTimeout = 15 * time.Second

// DevServices DEV 组综合测试的服务，完整下载，按服务归一化打分
var DevServices = []Target{
	{Name: "GitHub", URL: "https://raw.githubusercontent.com/torvalds/linux/master/README", Budget: devServiceTimeout},
	{Name: "NPM", URL: "https://registry.npmjs.org/express", Budget: devServiceTimeout},
	{Name: "PyPI", URL: "https://pypi.org/pypi/requests/json", Budget: devServiceTimeout},
	{Name: "Crates", URL: "https://crates.io/api/v1/crates/serde", Budget: devServiceTimeout},
	{Name: "Homebrew", URL: "https://formulae.brew.sh/api/formula.json", Budget: devServiceTimeout},
}

// LookupSource 按名称或别名查找测速源
func LookupSource(name string) (Target, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if full, ok := aliases[name]; ok {
		name = full
	}
	for _, t := range Sources {
		if t.Name == name {
			return t, true
		}
	}
	return Target{}, false
}

// ResolveSources 解析名称列表，未知名称返回错误
func ResolveSources(names []string) ([]Target, error) {
	out := make([]Target, 0, len(names))
	for _, n := range names {
		t, ok := LookupSource(n)
		if !ok {
			return nil, fmt.Errorf("未知测速源: %s", n)
		}
		out = append(out, t)
	}
	return out, nil
}

// TierTargets 返回属于指定分层的测速源
func TierTargets(tier Tier) []Target {
	var out []Target
	for _, t := range Sources {
		if t.Tier&tier != 0 {
			out = append(out, t)
		}
	}
	return out
}

// SampleSources 抽样模式默认测速源
func SampleSources() []Target {
	out, _ := ResolveSources(sampleSources)
	return out
}

// CustomTarget 用户指定的测速地址
func CustomTarget(url string) Target {
	return Target{Name: "custom", URL: url}
}

// SourceNames 所有测速源名称（含别名），用于 -list-sources
func SourceNames() []string {
	rev := make(map[string][]string)
	for a, full := range aliases {
		rev[full] = append(rev[full], a)
	}
	lines := make([]string, 0, len(Sources))
	for _, t := range Sources {
		a := rev[t.Name]
		sort.Strings(a)
		line := fmt.Sprintf("%-11s %-8s", t.Name, t.Kind)
		if len(a) > 0 {
			line += " alias: " + strings.Join(a, ",")
		}
		if t.Dynamic {
			line += " (dynamic)"
		}
		lines = append(lines, line)
	}
	return lines
}
