// Package method 检测报告的保存方式
package method

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sinspired/clash-probe/utils"
)

const (
	fileMode = 0644
	dirMode  = 0755
)

// LocalSaver 处理本地文件保存
type LocalSaver struct {
	OutputPath string
}

// NewLocalSaver 保存到 output-dir，未配置时为程序目录下的 output
func NewLocalSaver(outputDir string) *LocalSaver {
	return &LocalSaver{OutputPath: utils.OutputDir(outputDir)}
}

// Save 写入文件，先写临时文件再重命名
func (ls *LocalSaver) Save(_ context.Context, data []byte, filename string) error {
	if err := validateInput(data, filename); err != nil {
		return err
	}
	if err := os.MkdirAll(ls.OutputPath, dirMode); err != nil {
		return fmt.Errorf("创建目录失败 [%s]: %w", ls.OutputPath, err)
	}

	path := filepath.Join(ls.OutputPath, filename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return fmt.Errorf("写入文件失败 [%s]: %w", filename, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("写入文件失败 [%s]: %w", filename, err)
	}
	slog.Info(fmt.Sprintf("检测报告已保存: %s", path))
	return nil
}

// validateInput 验证输入参数
func validateInput(data []byte, filename string) error {
	if len(data) == 0 {
		return fmt.Errorf("数据为空")
	}
	if filename == "" {
		return fmt.Errorf("filename不能为空")
	}
	// 检查文件名是否包含路径
	if filepath.Base(filename) != filename {
		return fmt.Errorf("filename包含非法字符: %s", filename)
	}
	return nil
}
