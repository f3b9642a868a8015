// Package proxies 获取订阅并解析节点
package proxies

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/metacubex/mihomo/common/convert"
	"github.com/samber/lo"
	"github.com/sinspired/clash-probe/utils"
)

const subscriptionUA = "ClashX Meta/1.3.0"

// ErrFetch 订阅无法获取或无法解析
var ErrFetch = errors.New("fetch subscription")

// Proxy 单个待测节点，Name 在一次检测中唯一标识节点
type Proxy struct {
	Name     string
	Type     string
	Server   string
	Port     int
	Provider string
	// Mapping 原始 mihomo 节点配置，embedded 后端据此建立连接
	Mapping map[string]any
}

// Provider 订阅来源
type Provider struct {
	Name string
	URL  string
	// Path 本地缓存文件，远程获取失败时读取
	Path string
}

// Fetcher 负责下载并解析订阅
type Fetcher struct {
	Client        *http.Client
	Retries       int
	RetryInterval time.Duration
	NodeType      []string
	Concurrency   int
}

// NewFetcher 创建订阅下载器，timeout 为单次请求超时
func NewFetcher(timeout time.Duration, retries int, retryInterval time.Duration, nodeType []string) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if retries <= 0 {
		retries = 1
	}
	if retryInterval <= 0 {
		retryInterval = time.Second
	}
	return &Fetcher{
		Client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true,
				},
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		Retries:       retries,
		RetryInterval: retryInterval,
		NodeType:      nodeType,
		Concurrency:   8,
	}
}

// Collect 并发获取全部订阅，单个订阅失败只记录日志
// 返回的节点按订阅顺序、订阅内顺序排列，即发现顺序，重复节点只保留第一个
func (f *Fetcher) Collect(ctx context.Context, providers []Provider) []Proxy {
	results := make([][]Proxy, len(providers))
	concurrentLimit := make(chan struct{}, max(1, f.Concurrency))

	var wg sync.WaitGroup
	for i, p := range providers {
		concurrentLimit <- struct{}{}
		wg.Go(func() {
			defer func() { <-concurrentLimit }()

			list, err := f.Fetch(ctx, p)
			if err != nil {
				slog.Error(fmt.Sprintf("获取订阅 %s 失败: %v", p.Name, err))
				return
			}
			slog.Info(fmt.Sprintf("订阅 %s: %d 个节点", p.Name, len(list)))
			results[i] = list
		})
	}
	wg.Wait()

	all := lo.Flatten(results)
	list := DeduplicateProxies(all)
	if dup := len(all) - len(list); dup > 0 {
		slog.Info(fmt.Sprintf("去除重复节点 %d 个", dup))
	}
	return list
}

// Fetch 获取单个订阅并解析为节点列表
func (f *Fetcher) Fetch(ctx context.Context, p Provider) ([]Proxy, error) {
	data, err := f.download(ctx, p.URL)
	if err != nil {
		if p.Path == "" {
			return nil, err
		}
		cached, rerr := os.ReadFile(utils.ExpandHome(p.Path))
		if rerr != nil {
			return nil, err
		}
		slog.Warn(fmt.Sprintf("订阅 %s 下载失败，使用本地缓存 %s", p.Name, p.Path))
		data = cached
	}

	mappings, err := ParseProxies(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetch, p.Name, err)
	}

	list := make([]Proxy, 0, len(mappings))
	for _, m := range mappings {
		pr, ok := toProxy(m, p.Name)
		if !ok {
			continue
		}
		// 只测试指定协议
		if len(f.NodeType) > 0 && !lo.Contains(f.NodeType, pr.Type) {
			continue
		}
		list = append(list, pr)
	}
	return list, nil
}

// download 带重试的下载，明确失效的状态码不再重试
func (f *Fetcher) download(ctx context.Context, rawURL string) ([]byte, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("%w: empty url", ErrFetch)
	}
	target := utils.NormalizeGitHubRawURL(rawURL)

	var lastErr error
	for i := 0; i < f.Retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.RetryInterval):
			}
		}
		body, terminal, err := f.fetchOnce(ctx, target)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if terminal {
			return nil, lastErr
		}
	}
	return nil, fmt.Errorf("重试%d次后失败: %w", f.Retries, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, target string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	req.Header.Set("User-Agent", subscriptionUA)
	req.Header.Set("Accept", "*/*")

	resp, err := f.Client.Do(req)
	if err != nil {
		if os.IsTimeout(err) {
			return nil, false, fmt.Errorf("%w: %s 请求超时", ErrFetch, target)
		}
		return nil, false, fmt.Errorf("%w: %s 请求失败: %v", ErrFetch, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		switch resp.StatusCode {
		case http.StatusNotFound, http.StatusGone, http.StatusUnavailableForLegalReasons:
			return nil, true, fmt.Errorf("%w: 订阅链接已失效 %s (状态码: %d)", ErrFetch, target, resp.StatusCode)
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, true, fmt.Errorf("%w: %s 权限不足或需要认证 (状态码: %d)", ErrFetch, target, resp.StatusCode)
		default:
			return nil, false, fmt.Errorf("%w: %s 状态码: %d", ErrFetch, target, resp.StatusCode)
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("%w: 读取 %s 数据错误: %v", ErrFetch, target, err)
	}
	return body, false, nil
}

// ParseProxies 依次尝试 clash yaml、yaml 列表、base64/URI 列表
func ParseProxies(data []byte) ([]map[string]any, error) {
	var con map[string]any
	if err := yaml.Unmarshal(data, &con); err == nil {
		if list, ok := con["proxies"].([]any); ok {
			return toMappings(list), nil
		}
	}

	var arr []any
	if err := yaml.Unmarshal(data, &arr); err == nil && len(arr) > 0 {
		if mappings := toMappings(arr); len(mappings) > 0 {
			return mappings, nil
		}
	}

	proxyList, err := convert.ConvertsV2Ray(data)
	if err != nil {
		return nil, err
	}
	return proxyList, nil
}

func toMappings(list []any) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func toProxy(m map[string]any, provider string) (Proxy, bool) {
	name, _ := m["name"].(string)
	if strings.TrimSpace(name) == "" {
		return Proxy{}, false
	}
	typ, _ := m["type"].(string)
	server := strings.TrimSpace(fmt.Sprint(m["server"]))
	if m["server"] == nil {
		server = ""
	}
	return Proxy{
		Name:     name,
		Type:     typ,
		Server:   server,
		Port:     toIntPort(m["port"]),
		Provider: provider,
		Mapping:  m,
	}, true
}

func toIntPort(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case uint64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(t))
		return n
	default:
		return 0
	}
}
