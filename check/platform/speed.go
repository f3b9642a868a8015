package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/metacubex/mihomo/common/convert"
)

const (
	fastComAPI = "https://api.fast.com/netflix/speedtest/v2?https=true&token=YXNkZmFzZGxmbnNkYWZoYXNkZmhrYWxm&urlCount=1"

	resolveTimeout        = 10 * time.Second
	serviceLatencyTimeout = 8 * time.Second
	readBufferSize        = 32 * 1024
)

// Strategy 一类测试源的测量方式
type Strategy func(ctx context.Context, client *http.Client, url string, budget time.Duration) (float64, error)

// Strategy 返回该类型对应的测量方式
func (k Kind) Strategy() Strategy {
	if k == KindLatency {
		return func(ctx context.Context, client *http.Client, url string, _ time.Duration) (float64, error) {
			d, err := ServiceLatency(ctx, client, url, serviceLatencyTimeout)
			if err != nil {
				return 0, err
			}
			return float64(d.Microseconds()) / 1000, nil
		}
	}
	return CheckSpeed
}

// Measure 对一个测试源执行一次测量，动态源会先解析真实地址
func Measure(ctx context.Context, client *http.Client, t Target, budget time.Duration) (float64, error) {
	url := t.URL
	if t.Dynamic {
		resolved, err := ResolveFastURL(ctx, client)
		if err != nil {
			return 0, err
		}
		url = resolved
	}
	if t.Budget > 0 {
		budget = t.Budget
	}
	return t.Kind.Strategy()(ctx, client, url, budget)
}

// CheckSpeed 下载测速，到达 maxDuration 立即停止，未下载完也按已接收字节计算
// 返回 KB/s，限速由 client 的连接层负责
func CheckSpeed(ctx context.Context, httpClient *http.Client, url string, maxDuration time.Duration) (float64, error) {
	if maxDuration <= 0 {
		maxDuration = 5 * time.Second
	}

	speedClient := *httpClient
	speedClient.Timeout = 0

	// 时间窗口通过取消请求实现，阻塞中的读取也会立即返回
	ctx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", convert.RandUserAgent())
	req.Header.Set("Cache-Control", "no-cache")

	startTime := time.Now()
	resp, err := speedClient.Do(req)
	if err != nil {
		return 0, asTimeout(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	reader := resp.Body
	var totalBytes int64
	buf := make([]byte, readBufferSize)
	for {
		n, rerr := reader.Read(buf)
		totalBytes += int64(n)
		if time.Since(startTime) >= maxDuration {
			break
		}
		if rerr != nil {
			// EOF 或时间窗口到期都是正常结束
			if rerr == io.EOF || ctx.Err() != nil {
				break
			}
			return 0, rerr
		}
	}

	duration := time.Since(startTime)
	if totalBytes <= 0 || duration <= 0 {
		return 0, ErrNoData
	}

	speed := float64(totalBytes) / 1024.0 / duration.Seconds()
	slog.Debug(fmt.Sprintf("测速完成: %.0f KB/s, 耗时: %.2fs, 流量: %d 字节", speed, duration.Seconds(), totalBytes))
	return speed, nil
}

// ServiceLatency 经节点完整访问一次服务地址的耗时，任何 HTTP 响应都算可达
func ServiceLatency(ctx context.Context, httpClient *http.Client, url string, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", convert.RandUserAgent())

	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, asTimeout(ctx, err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20)); err != nil {
		return 0, asTimeout(ctx, err)
	}
	return time.Since(start), nil
}

// ResolveFastURL 通过 fast.com 接口获取 Netflix 测速地址
// 请求必须经由被测节点发出，返回的地址与出口位置相关
func ResolveFastURL(ctx context.Context, httpClient *http.Client) (string, error) {
	return resolveFast(ctx, httpClient, fastComAPI)
}

func resolveFast(ctx context.Context, httpClient *http.Client, api string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrResolve, err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrResolve, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: HTTP %d", ErrResolve, resp.StatusCode)
	}

	var body struct {
		Targets []struct {
			URL string `json:"url"`
		} `json:"targets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrResolve, err)
	}
	if len(body.Targets) == 0 || body.Targets[0].URL == "" {
		return "", fmt.Errorf("%w: empty targets", ErrResolve)
	}
	return body.Targets[0].URL, nil
}

// IsSkipped 测速源被跳过（动态地址解析失败）而不是测量失败
func IsSkipped(err error) bool {
	return errors.Is(err, ErrResolve)
}
