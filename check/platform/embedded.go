package platform

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/juju/ratelimit"
	"github.com/metacubex/mihomo/adapter"
	"github.com/metacubex/mihomo/common/convert"
	"github.com/metacubex/mihomo/constant"
	proxies "github.com/sinspired/clash-probe/proxy"
)

// ProxyClient 直接使用 mihomo 出站建立连接的 http.Client
type ProxyClient struct {
	*http.Client
	proxy  constant.Proxy
	cancel context.CancelFunc
}

// CreateClient 根据节点配置创建独立客户端，不经过控制面
func CreateClient(mapping map[string]any, bucket *ratelimit.Bucket) (*ProxyClient, error) {
	if len(mapping) == 0 {
		return nil, fmt.Errorf("节点缺少原始配置")
	}
	mihomoProxy, err := adapter.ParseProxy(mapping)
	if err != nil {
		return nil, fmt.Errorf("mihomo 解析节点失败: %w", err)
	}

	// Close 时取消所有挂起的拨号
	pcCtx, pcCancel := context.WithCancel(context.Background())

	transport := &http.Transport{
		DialContext: func(reqCtx context.Context, network, addr string) (net.Conn, error) {
			mergedCtx, mergedCancel := context.WithCancel(reqCtx)
			defer mergedCancel()
			stop := context.AfterFunc(pcCtx, mergedCancel)
			defer stop()

			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			var u16Port uint16
			if port, err := strconv.ParseUint(portStr, 10, 16); err == nil {
				u16Port = uint16(port)
			}
			rawConn, err := mihomoProxy.DialContext(mergedCtx, &constant.Metadata{
				Host:    host,
				DstPort: u16Port,
			})
			if err != nil {
				return nil, err
			}
			return &countingConn{Conn: rawConn, bucket: bucket}, nil
		},
		IdleConnTimeout:     5 * time.Second,
		MaxIdleConnsPerHost: 5,
	}

	return &ProxyClient{
		Client: &http.Client{Transport: transport},
		proxy:  mihomoProxy,
		cancel: pcCancel,
	}, nil
}

// Close 释放连接与 mihomo 出站
func (pc *ProxyClient) Close() {
	if pc.cancel != nil {
		pc.cancel()
	}
	if pc.Client != nil {
		pc.Client.CloseIdleConnections()
	}
	if pc.proxy != nil {
		pc.proxy.Close()
	}
}

// EmbeddedTunnel 每个节点独立出站，多个节点可同时测速
type EmbeddedTunnel struct {
	sem        chan struct{}
	latencyURL string
	bucket     *ratelimit.Bucket
}

// NewEmbeddedTunnel concurrency 为同时测速的节点数
func NewEmbeddedTunnel(concurrency int, latencyURL string, bucket *ratelimit.Bucket) *EmbeddedTunnel {
	return &EmbeddedTunnel{
		sem:        make(chan struct{}, max(1, concurrency)),
		latencyURL: latencyURL,
		bucket:     bucket,
	}
}

func (e *EmbeddedTunnel) Lanes() int { return cap(e.sem) }

// Delay 经节点请求延迟测试地址，要求 2xx 响应
func (e *EmbeddedTunnel) Delay(ctx context.Context, p proxies.Proxy, timeout time.Duration) (time.Duration, error) {
	pc, err := CreateClient(p.Mapping, nil)
	if err != nil {
		return 0, err
	}
	defer pc.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.latencyURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", convert.RandUserAgent())

	start := time.Now()
	resp, err := pc.Do(req)
	if err != nil {
		return 0, asTimeout(ctx, err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return time.Since(start), nil
}

func (e *EmbeddedTunnel) Acquire(ctx context.Context, p proxies.Proxy) (*Route, error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	pc, err := CreateClient(p.Mapping, e.bucket)
	if err != nil {
		<-e.sem
		return nil, err
	}
	return NewRoute(pc.Client, func() {
		pc.Close()
		<-e.sem
	}), nil
}

func (e *EmbeddedTunnel) Close() error { return nil }
