package method

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sinspired/clash-probe/config"
	"github.com/sinspired/clash-probe/utils"
)

var (
	webdavMaxRetries = 3
	webdavRetryDelay = 2 * time.Second
)

// WebDAVUploader 处理 WebDAV 上传
type WebDAVUploader struct {
	client   *http.Client
	baseURL  string
	username string
	password string
}

// ValiWebDAVConfig 验证WebDAV配置
func ValiWebDAVConfig(cfg *config.Config) error {
	if cfg.WebDAVURL == "" {
		return fmt.Errorf("webdav URL未配置")
	}
	if _, err := url.Parse(cfg.WebDAVURL); err != nil {
		return fmt.Errorf("webdav URL无法解析: %w", err)
	}
	if cfg.WebDAVUsername == "" {
		return fmt.Errorf("webdav 用户名未配置")
	}
	if cfg.WebDAVPassword == "" {
		return fmt.Errorf("webdav 密码未配置")
	}
	return nil
}

// NewWebDAVUploader 创建 WebDAV 上传器，本地或私有地址不走环境代理
func NewWebDAVUploader(cfg *config.Config) (*WebDAVUploader, error) {
	if err := ValiWebDAVConfig(cfg); err != nil {
		return nil, err
	}

	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if utils.IsLocalURL(cfg.WebDAVURL) {
		slog.Debug(fmt.Sprintf("WebDAV 地址为本地或私有地址，将不使用代理: %s", cfg.WebDAVURL))
		transport.Proxy = nil
	}

	return &WebDAVUploader{
		client: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		baseURL:  cfg.WebDAVURL,
		username: cfg.WebDAVUsername,
		password: cfg.WebDAVPassword,
	}, nil
}

// Save 带重试的上传
func (w *WebDAVUploader) Save(ctx context.Context, data []byte, filename string) error {
	if err := validateInput(data, filename); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < webdavMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(webdavRetryDelay):
			}
		}
		if err := w.doUpload(ctx, data, filename); err != nil {
			lastErr = err
			slog.Error(fmt.Sprintf("webdav上传失败(尝试 %d/%d) %v", attempt+1, webdavMaxRetries, err))
			continue
		}
		slog.Info(fmt.Sprintf("webdav上传成功: %s", filename))
		return nil
	}
	return fmt.Errorf("webdav上传失败，已重试%d次: %w", webdavMaxRetries, lastErr)
}

// doUpload 执行单次上传
func (w *WebDAVUploader) doUpload(ctx context.Context, data []byte, filename string) error {
	target := strings.TrimSuffix(w.baseURL, "/") + "/" + url.PathEscape(filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.SetBasicAuth(w.username, w.password)
	req.Header.Set("Content-Type", "application/x-yaml")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return fmt.Errorf("读取响应失败(状态码: %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("上传失败(状态码: %d): %s", resp.StatusCode, string(body))
	}
	return nil
}
