// Package assets 管理 GeoIP 数据库文件
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/oschwald/maxminddb-golang/v2"
	"github.com/sinspired/clash-probe/utils"
)

const defaultDBName = "GeoLite2-Country.mmdb"

// ErrNoGeoDB 没有可用的数据库文件
var ErrNoGeoDB = errors.New("geoip database not found")

// DefaultGeoDBPath 默认数据库路径（output 目录）
func DefaultGeoDBPath(outputDir string) string {
	return filepath.Join(utils.OutputDir(outputDir), defaultDBName)
}

// OpenMaxMindDB 使用指定路径打开 MaxMind 数据库
// 路径以 .zst 结尾时先解压到同目录的 .mmdb 文件
func OpenMaxMindDB(dbPath string) (*maxminddb.Reader, error) {
	dbPath = utils.ExpandHome(dbPath)

	if strings.HasSuffix(dbPath, ".zst") {
		plain := strings.TrimSuffix(dbPath, ".zst")
		if !isNewer(plain, dbPath) {
			if err := decompressFile(dbPath, plain); err != nil {
				return nil, err
			}
		}
		dbPath = plain
	}

	if _, err := os.Stat(dbPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoGeoDB, dbPath)
		}
		return nil, err
	}

	db, err := maxminddb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("maxmind数据库打开失败: %w", err)
	}
	return db, nil
}

// isNewer 判断 a 是否存在且不比 b 旧
func isNewer(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return true
	}
	return !ai.ModTime().Before(bi.ModTime())
}

func decompressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("打开压缩数据库失败: %w", err)
	}
	defer in.Close()

	zstdDecoder, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("zstd解码器创建失败: %w", err)
	}
	defer zstdDecoder.Close()

	return writeAtomic(dst, zstdDecoder)
}

// writeAtomic 先写临时文件再重命名，避免读取到写了一半的数据库
func writeAtomic(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("创建数据库目录失败: %w", err)
	}
	tmp := dst + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("maxmind数据库文件创建失败: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("maxmind数据库文件写入失败: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("关闭数据库文件失败: %w", err)
	}
	return os.Rename(tmp, dst)
}

// UpdateGeoLite2DB 从指定地址下载数据库，支持 zstd 压缩文件
func UpdateGeoLite2DB(ctx context.Context, url, dbPath string) error {
	if url == "" {
		return errors.New("未配置 geoip-db-url")
	}
	dbPath = strings.TrimSuffix(utils.ExpandHome(dbPath), ".zst")

	resp, err := resty.New().
		SetTimeout(2 * time.Minute).
		SetRetryCount(2).
		R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return fmt.Errorf("下载数据库失败: %w", err)
	}
	raw := resp.RawBody()
	defer raw.Close()
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("下载数据库失败, 状态码: %d", resp.StatusCode())
	}

	var body io.Reader = raw
	if strings.HasSuffix(url, ".zst") {
		dec, err := zstd.NewReader(raw)
		if err != nil {
			return fmt.Errorf("zstd解码器创建失败: %w", err)
		}
		defer dec.Close()
		body = dec
	}

	if err := writeAtomic(dbPath, body); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("GeoLite2 数据库已更新: %s", dbPath))
	return nil
}
