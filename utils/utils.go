package utils

import (
	"crypto/rand"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// NormalizeGitHubRawURL 将 GitHub 的 blob/raw 页面链接转换为 raw.githubusercontent.com 直链
func NormalizeGitHubRawURL(urlStr string) string {
	// 已经是 raw.githubusercontent.com 或不是 github.com 链接，直接返回
	if strings.Contains(urlStr, "raw.githubusercontent.com") || !strings.Contains(urlStr, "github.com") {
		return urlStr
	}
	// 只处理 blob/raw 页面，release 下载等保持原样
	if !strings.Contains(urlStr, "/blob/") && !strings.Contains(urlStr, "/raw/") {
		return urlStr
	}

	urlStr = strings.Replace(urlStr, "www.github.com", "github.com", 1)
	urlStr = strings.Replace(urlStr, "github.com", "raw.githubusercontent.com", 1)
	urlStr = strings.Replace(urlStr, "/blob/", "/", 1)
	urlStr = strings.Replace(urlStr, "/raw/", "/", 1)

	return urlStr
}

// GenerateRandomString 生成指定长度的随机字符串
func GenerateRandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			panic(err)
		}
		b[i] = charset[n.Int64()]
	}
	return string(b)
}

// FormatSpeed 把 KB/s 转成可读字符串
func FormatSpeed(kbps float64) string {
	if kbps <= 0 {
		return "-"
	}
	return units.BytesSize(kbps*1024) + "/s"
}

// FormatTraffic 格式化流量
func FormatTraffic(bytes uint64) string {
	return units.BytesSize(float64(bytes))
}

// FormatDuration 可读的时长，如 "10 seconds"
func FormatDuration(d time.Duration) string {
	return units.HumanDuration(d)
}

// ExpandHome 展开路径中的 ~
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// IsLocalURL 判断链接是否指向本机或内网地址
func IsLocalURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// TruncateReason 截断错误信息，保存到数据库时只保留前 n 个字符
func TruncateReason(err error, n int) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}
