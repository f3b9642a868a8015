package method

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sinspired/clash-probe/config"
)

const (
	maxRetries    = 3
	retryInterval = 2 * time.Second
)

// S3Uploader 上传到 S3 兼容存储（MinIO、Cloudflare R2 等）
type S3Uploader struct {
	client *minio.Client
	bucket string
}

// ValiS3Config 验证S3配置
func ValiS3Config(cfg *config.Config) error {
	if cfg.S3Endpoint == "" {
		return fmt.Errorf("s3 endpoint未配置")
	}
	if cfg.S3AccessID == "" || cfg.S3SecretKey == "" {
		return fmt.Errorf("s3 访问凭证未配置")
	}
	if cfg.S3Bucket == "" {
		return fmt.Errorf("s3 bucket未配置")
	}
	return nil
}

// NewS3Uploader 创建上传器，endpoint 可带 http(s):// 前缀，此时以前缀决定是否使用 TLS
func NewS3Uploader(cfg *config.Config) (*S3Uploader, error) {
	if err := ValiS3Config(cfg); err != nil {
		return nil, err
	}

	endpoint, secure := splitEndpoint(cfg.S3Endpoint, cfg.S3UseSSL)
	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.S3AccessID, cfg.S3SecretKey, ""),
		Secure:       secure,
		BucketLookup: bucketLookup(cfg.S3BucketLookup),
	})
	if err != nil {
		return nil, fmt.Errorf("创建 s3 客户端失败: %w", err)
	}
	return &S3Uploader{client: client, bucket: cfg.S3Bucket}, nil
}

func splitEndpoint(raw string, useSSL bool) (string, bool) {
	if u, err := url.Parse(raw); err == nil && u.Host != "" && (u.Scheme == "http" || u.Scheme == "https") {
		return u.Host, u.Scheme == "https"
	}
	return strings.TrimSuffix(raw, "/"), useSSL
}

func bucketLookup(s string) minio.BucketLookupType {
	switch strings.ToLower(s) {
	case "dns":
		return minio.BucketLookupDNS
	case "path":
		return minio.BucketLookupPath
	default:
		return minio.BucketLookupAuto
	}
}

// Save 上传对象，失败时重试
func (s *S3Uploader) Save(ctx context.Context, data []byte, filename string) error {
	if err := validateInput(data, filename); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryInterval):
			}
		}
		_, err := s.client.PutObject(ctx, s.bucket, filename, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: "application/x-yaml"})
		if err != nil {
			lastErr = err
			slog.Error(fmt.Sprintf("s3上传失败(尝试 %d/%d) %v", attempt+1, maxRetries, err))
			continue
		}
		slog.Info(fmt.Sprintf("s3上传成功: %s/%s", s.bucket, filename))
		return nil
	}
	return fmt.Errorf("s3上传失败，已重试%d次: %w", maxRetries, lastErr)
}
