package utils

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

func GetExecutablePath() string {
	ex, err := os.Executable()
	if err != nil {
		slog.Error(fmt.Sprintf("获取程序路径失败: %v", err))
		return "."
	}
	return filepath.Dir(ex)
}

// OutputDir 报告与数据库文件默认所在目录
func OutputDir(configured string) string {
	if configured != "" {
		dir := ExpandHome(configured)
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(GetExecutablePath(), dir)
		}
		return dir
	}
	return filepath.Join(GetExecutablePath(), "output")
}
