package utils

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel 全局日志等级，可在配置重载时调整
var LogLevel = new(slog.LevelVar)

// InitLogger 初始化日志：终端彩色输出，可选写入切割文件
func InitLogger(level string, logFile string) {
	LogLevel.Set(ParseLevel(level))

	console := tint.NewHandler(colorable.NewColorable(os.Stdout), &tint.Options{
		Level:      LogLevel,
		TimeFormat: "2006-01-02 15:04:05",
	})

	if logFile == "" {
		slog.SetDefault(slog.New(console))
		return
	}

	logFile = ExpandHome(logFile)
	_ = os.MkdirAll(filepath.Dir(logFile), 0755)
	file := slog.NewTextHandler(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}, &slog.HandlerOptions{Level: LogLevel})

	slog.SetDefault(slog.New(&fanoutHandler{handlers: []slog.Handler{console, file}}))
}

// ParseLevel 解析日志等级，未知值按 info 处理
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// fanoutHandler 把同一条记录写到多个 handler
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, r.Level) {
			if err := hh.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithGroup(name)
	}
	return &fanoutHandler{handlers: next}
}

// Since 返回自 t 起经过的秒数，日志中统一保留两位小数
func Since(t time.Time) float64 {
	return float64(time.Since(t).Milliseconds()) / 1000
}
