package save

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/sinspired/clash-probe/check"
	"github.com/sinspired/clash-probe/utils"
)

const (
	groupsStart = "# === CLASH-PROBE GROUPS START ==="
	groupsEnd   = "# === CLASH-PROBE GROUPS END ==="
	rulesStart  = "# === CLASH-PROBE RULES START ==="
	rulesEnd    = "# === CLASH-PROBE RULES END ==="

	groupTestURL = "http://cp.cloudflare.com/generate_204"

	// filter 超过该长度时只保留前 maxFilterNames 个节点
	maxFilterLen   = 500
	maxFilterNames = 10
)

// GroupUpdate 写入 clash 配置的一个策略组
type GroupUpdate struct {
	Name      string
	Providers []string
	Proxies   []string
	Rules     []string
}

// GroupUpdates 从检测报告生成策略组，没有组名或没有入选节点的报告跳过
func GroupUpdates(reports []*check.Report) []GroupUpdate {
	var out []GroupUpdate
	for _, r := range reports {
		if r == nil || r.Group == "" || r.Empty() {
			continue
		}
		out = append(out, GroupUpdate{
			Name:      r.Group,
			Providers: r.Providers,
			Proxies:   r.Selection.Names,
			Rules:     r.Rules,
		})
	}
	return out
}

// RewriteClashConfig 把策略组与规则写入 clash 配置，已存在的标记区域被替换
// 没有任何策略组时不修改文件
func RewriteClashConfig(path string, groups []GroupUpdate) error {
	if len(groups) == 0 {
		slog.Warn("没有可写入的策略组，跳过改写 clash 配置")
		return nil
	}
	path = utils.ExpandHome(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取 clash 配置失败: %w", err)
	}

	updated := ApplyGroups(string(data), groups)
	if updated == string(data) {
		slog.Info("clash 配置无变化")
		return nil
	}

	// 写入前确认结果仍是合法的 yaml
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(updated), &doc); err != nil {
		return fmt.Errorf("改写后的 clash 配置无法解析, 未写入: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path+".bak", data, info.Mode().Perm()); err != nil {
		return fmt.Errorf("备份 clash 配置失败: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(updated), info.Mode().Perm()); err != nil {
		return fmt.Errorf("写入 clash 配置失败: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("写入 clash 配置失败: %w", err)
	}

	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = fmt.Sprintf("%s(%d)", g.Name, len(g.Proxies))
	}
	slog.Info(fmt.Sprintf("已更新 clash 配置 %s: %s", path, strings.Join(names, ", ")))
	return nil
}

// ApplyGroups 返回写入策略组与规则后的配置内容，重复执行结果不变
func ApplyGroups(content string, groups []GroupUpdate) string {
	content = replaceRegion(content, "proxy-groups", groupsStart, groupsEnd, RenderGroups(groups))
	return replaceRegion(content, "rules", rulesStart, rulesEnd, RenderRules(groups))
}

// RenderGroups 每个策略组一行 url-test 定义
func RenderGroups(groups []GroupUpdate) []string {
	lines := make([]string, 0, len(groups))
	for _, g := range groups {
		lines = append(lines, fmt.Sprintf(
			"  - { name: %s, type: url-test, url: %q, interval: 300, tolerance: 50, use: [%s], filter: %s }",
			g.Name, groupTestURL, strings.Join(g.Providers, ", "), quoteYAML(ProxyFilter(g.Proxies))))
	}
	return lines
}

// RenderRules 规则指向对应的策略组
func RenderRules(groups []GroupUpdate) []string {
	var lines []string
	for _, g := range groups {
		for _, rule := range g.Rules {
			lines = append(lines, fmt.Sprintf("  - %s,%s", strings.TrimSpace(rule), g.Name))
		}
	}
	return lines
}

// ProxyFilter 匹配入选节点名称的正则
func ProxyFilter(names []string) string {
	filter := buildFilter(names)
	if len(filter) > maxFilterLen && len(names) > maxFilterNames {
		filter = buildFilter(names[:maxFilterNames])
	}
	return filter
}

func buildFilter(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "^" + regexp.QuoteMeta(n) + "$"
	}
	return "(" + strings.Join(quoted, "|") + ")"
}

// quoteYAML 双引号字符串，转义反斜杠与引号
func quoteYAML(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// replaceRegion 替换标记区域；不存在时插入到 key 下第一行，key 也不存在时追加到文件末尾
func replaceRegion(content, key, start, end string, lines []string) string {
	block := "  " + start + "\n"
	for _, l := range lines {
		block += l + "\n"
	}
	block += "  " + end + "\n"

	region := regexp.MustCompile(`(?ms)^[ \t]*` + regexp.QuoteMeta(start) + `[^\n]*\n.*?^[ \t]*` + regexp.QuoteMeta(end) + `[^\n]*(\n|\z)`)
	if loc := region.FindStringIndex(content); loc != nil {
		return content[:loc[0]] + block + content[loc[1]:]
	}

	header := regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(key) + `:[ \t]*(\[\])?[ \t]*(#[^\n]*)?$`)
	if loc := header.FindStringIndex(content); loc != nil {
		rest := content[loc[1]:]
		rest = strings.TrimPrefix(rest, "\n")
		return content[:loc[0]] + key + ":\n" + block + rest
	}

	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + key + ":\n" + block
}
