package proxies

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-yaml"
	"github.com/sinspired/clash-probe/utils"
)

type clashProvider struct {
	Type string `yaml:"type"`
	URL  string `yaml:"url"`
	Path string `yaml:"path"`
}

// ParseClashProviders 读取 clash 配置中的 proxy-providers
// 只保留带 url 的订阅，按名称排序以保证发现顺序稳定
func ParseClashProviders(configPath string) ([]Provider, error) {
	configPath = utils.ExpandHome(configPath)
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取 clash 配置失败: %w", err)
	}

	var doc struct {
		ProxyProviders map[string]clashProvider `yaml:"proxy-providers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("解析 clash 配置失败: %w", err)
	}

	names := make([]string, 0, len(doc.ProxyProviders))
	for name := range doc.ProxyProviders {
		names = append(names, name)
	}
	sort.Strings(names)

	baseDir := filepath.Dir(configPath)
	providers := make([]Provider, 0, len(names))
	for _, name := range names {
		p := doc.ProxyProviders[name]
		if p.URL == "" {
			continue
		}
		path := p.Path
		if path != "" && !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		providers = append(providers, Provider{Name: name, URL: p.URL, Path: path})
	}
	return providers, nil
}

// FilterProviders 只保留指定名称的订阅，names 为空时全部保留
func FilterProviders(providers []Provider, names []string) []Provider {
	if len(names) == 0 {
		return providers
	}
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	out := make([]Provider, 0, len(names))
	for _, p := range providers {
		if _, ok := want[p.Name]; ok {
			out = append(out, p)
		}
	}
	return out
}
