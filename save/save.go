// Package save 保存检测报告并改写 clash 配置
package save

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/sinspired/clash-probe/check"
	"github.com/sinspired/clash-probe/config"
	"github.com/sinspired/clash-probe/save/method"
)

// saveFunc 一种保存方式
type saveFunc func(ctx context.Context, data []byte, filename string) error

// SaveReport 保存检测报告，本地始终保存一份，配置了其他方式时再上传一份
func SaveReport(ctx context.Context, cfg *config.Config, report *check.Report) error {
	if report == nil {
		return nil
	}
	data, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("序列化检测报告失败: %w", err)
	}
	name := ReportFileName(report)

	var errs []error
	if err := method.NewLocalSaver(cfg.OutputDir).Save(ctx, data, name); err != nil {
		errs = append(errs, fmt.Errorf("保存到本地失败: %w", err))
	}

	if cfg.SaveMethod != "" && cfg.SaveMethod != "local" {
		if err := chooseSaveMethod(cfg)(ctx, data, name); err != nil {
			errs = append(errs, fmt.Errorf("保存到%s失败: %w", cfg.SaveMethod, err))
		}
	}

	err = errors.Join(errs...)
	if err != nil {
		slog.Error(fmt.Sprintf("保存检测报告失败: %v", err))
	}
	return err
}

// ReportFileName 检测报告文件名，生成策略组的计划按组名区分
func ReportFileName(report *check.Report) string {
	if report.Group == "" {
		return "selection.yaml"
	}
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + 'a' - 'A'
		default:
			return '_'
		}
	}, strings.TrimLeft(report.Group, "_"))
	if name == "" {
		name = report.Plan
	}
	return "selection_" + name + ".yaml"
}

// chooseSaveMethod 根据配置选择保存方法
func chooseSaveMethod(cfg *config.Config) saveFunc {
	switch cfg.SaveMethod {
	case "webdav":
		uploader, err := method.NewWebDAVUploader(cfg)
		if err != nil {
			return failed(fmt.Errorf("webDAV配置不完整: %w", err))
		}
		return uploader.Save
	case "s3", "r2":
		uploader, err := method.NewS3Uploader(cfg)
		if err != nil {
			return failed(fmt.Errorf("S3配置不完整: %w", err))
		}
		return uploader.Save
	case "local", "":
		return method.NewLocalSaver(cfg.OutputDir).Save
	default:
		return failed(fmt.Errorf("未知的保存方法: %s", cfg.SaveMethod))
	}
}

func failed(err error) saveFunc {
	return func(context.Context, []byte, string) error { return err }
}
