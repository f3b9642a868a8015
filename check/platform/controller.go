package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-resty/resty/v2"
	"github.com/juju/ratelimit"
	"github.com/sinspired/clash-probe/config"
	proxies "github.com/sinspired/clash-probe/proxy"
	"golang.org/x/net/proxy"
)

// 低于该版本的内核 delay 接口不支持 timeout 参数
const minControllerVersion = ">= 1.10.0"

// Controller mihomo/clash RESTful API 客户端
type Controller struct {
	client *resty.Client
	api    string
}

// NewController api 形如 127.0.0.1:9090，也可带 http:// 前缀
func NewController(api, secret string) *Controller {
	base := api
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(base, "/")).
		SetTimeout(30 * time.Second)
	if secret != "" {
		client.SetAuthToken(secret)
	}
	return &Controller{client: client, api: api}
}

// Delay 通过控制面测试节点延迟，不重试
func (c *Controller) Delay(ctx context.Context, name, testURL string, timeout time.Duration) (time.Duration, error) {
	// 控制面自身按 timeout 返回，这里多留一秒
	ctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("name", name).
		SetQueryParams(map[string]string{
			"url":     testURL,
			"timeout": strconv.FormatInt(timeout.Milliseconds(), 10),
		}).
		Get("/proxies/{name}/delay")
	if err != nil {
		return 0, asTimeout(ctx, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("HTTP %d", resp.StatusCode())
	}

	var body struct {
		Delay int `json:"delay"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return 0, fmt.Errorf("decode delay: %w", err)
	}
	if body.Delay <= 0 {
		return 0, ErrTimeout
	}
	return time.Duration(body.Delay) * time.Millisecond, nil
}

// Switch 把策略组切换到指定节点
func (c *Controller) Switch(ctx context.Context, group, name string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("group", group).
		SetBody(map[string]string{"name": name}).
		Put("/proxies/{group}")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("HTTP %d", resp.StatusCode())
	}
	return nil
}

// Version 内核版本
func (c *Controller) Version(ctx context.Context) (string, error) {
	resp, err := c.client.R().SetContext(ctx).Get("/version")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode())
	}
	var body struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", err
	}
	return body.Version, nil
}

// CheckVersion 检查控制面是否可用以及版本是否满足要求
// 版本号无法解析时只记录日志
func (c *Controller) CheckVersion(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := c.Version(ctx)
	if err != nil {
		return fmt.Errorf("控制面 %s 不可用: %w", c.api, err)
	}
	v, err := semver.NewVersion(strings.TrimPrefix(raw, "v"))
	if err != nil {
		slog.Debug(fmt.Sprintf("无法解析控制面版本 %q: %v", raw, err))
		return nil
	}
	constraint, err := semver.NewConstraint(minControllerVersion)
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		slog.Warn(fmt.Sprintf("控制面 %s 版本 %s 过旧，建议 %s", c.api, raw, minControllerVersion))
	} else {
		slog.Info(fmt.Sprintf("控制面 %s 版本 %s", c.api, raw))
	}
	return nil
}

// controllerLane 一个控制面实例及其切换组，同一时刻只服务一个节点
type controllerLane struct {
	ctrl   *Controller
	group  string
	client *http.Client
}

// ControllerTunnel 通过控制面切换节点、经 SOCKS 端口测速
// 每个实例是一条通道，切换、等待生效、测量、读取结果在持有通道期间完成
type ControllerTunnel struct {
	lanes      chan *controllerLane
	all        []*controllerLane
	next       atomic.Uint64
	latencyURL string
	settle     time.Duration
}

// NewControllerTunnel 每个控制面配置对应一条通道
func NewControllerTunnel(ctrls []config.Controller, latencyURL string, settle time.Duration, bucket *ratelimit.Bucket) (*ControllerTunnel, error) {
	if len(ctrls) == 0 {
		return nil, fmt.Errorf("未配置控制面")
	}
	t := &ControllerTunnel{
		lanes:      make(chan *controllerLane, len(ctrls)),
		latencyURL: latencyURL,
		settle:     settle,
	}
	for _, c := range ctrls {
		client, err := socksClient(c.SocksAddr, bucket)
		if err != nil {
			return nil, err
		}
		group := c.Group
		if group == "" {
			group = "CLASH_PROBE_TEST"
		}
		lane := &controllerLane{ctrl: NewController(c.API, c.Secret), group: group, client: client}
		t.all = append(t.all, lane)
		t.lanes <- lane
	}
	return t, nil
}

// Check 检查所有控制面
func (t *ControllerTunnel) Check(ctx context.Context) error {
	for _, l := range t.all {
		if err := l.ctrl.CheckVersion(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (t *ControllerTunnel) Lanes() int { return len(t.all) }

// Delay 延迟测试不依赖切换组，轮流使用各控制面
func (t *ControllerTunnel) Delay(ctx context.Context, p proxies.Proxy, timeout time.Duration) (time.Duration, error) {
	lane := t.all[t.next.Add(1)%uint64(len(t.all))]
	return lane.ctrl.Delay(ctx, p.Name, t.latencyURL, timeout)
}

// Acquire 占用一条通道并切换到节点，切换失败不视为错误
func (t *ControllerTunnel) Acquire(ctx context.Context, p proxies.Proxy) (*Route, error) {
	var lane *controllerLane
	select {
	case lane = <-t.lanes:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := lane.ctrl.Switch(ctx, lane.group, p.Name); err != nil {
		slog.Debug(fmt.Sprintf("切换 %s -> %s 失败: %v", lane.group, p.Name, err))
	}

	select {
	case <-time.After(t.settle):
	case <-ctx.Done():
		t.lanes <- lane
		return nil, ctx.Err()
	}

	return &Route{
		Client:  lane.client,
		release: func() { t.lanes <- lane },
	}, nil
}

func (t *ControllerTunnel) Close() error {
	for _, l := range t.all {
		l.client.CloseIdleConnections()
	}
	return nil
}

// socksClient 经 SOCKS5 端口出站的 http.Client
// 不复用连接，切换节点后旧连接仍会走上一个节点
func socksClient(addr string, bucket *ratelimit.Bucket) (*http.Client, error) {
	if addr == "" {
		addr = "127.0.0.1:7890"
	}
	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("创建 SOCKS5 拨号器失败: %w", err)
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 拨号器不支持 context")
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			conn, err := cd.DialContext(ctx, network, address)
			if err != nil {
				return nil, err
			}
			return &countingConn{Conn: conn, bucket: bucket}, nil
		},
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{Transport: transport}, nil
}
