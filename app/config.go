package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-yaml"
	"github.com/sinspired/clash-probe/config"
	"github.com/sinspired/clash-probe/utils"
)

// Override 加载配置文件后应用的修改，命令行参数通过它覆盖配置
type Override func(*config.Config)

// initConfigPath 初始化配置文件路径
func (app *App) initConfigPath() error {
	if app.configPath == "" {
		configDir := filepath.Join(utils.GetExecutablePath(), "config")
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("创建配置目录失败: %w", err)
		}
		app.configPath = filepath.Join(configDir, "config.yaml")
	}
	app.configPath = utils.ExpandHome(app.configPath)
	return nil
}

// loadConfig 加载配置文件
func (app *App) loadConfig() error {
	cfg, err := LoadConfig(app.configPath, app.overrides...)
	if err != nil {
		return err
	}
	config.Set(cfg)
	utils.LogLevel.Set(utils.ParseLevel(cfg.LogLevel))
	slog.Debug("配置文件读取成功")
	return nil
}

// LoadConfig 在默认配置上解析配置文件并应用 overrides
// 文件不存在时写入带注释的默认配置
func LoadConfig(path string, overrides ...Override) (*config.Config, error) {
	cfg := config.Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := createDefaultConfig(path); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	for _, o := range overrides {
		o(cfg)
	}
	return cfg, nil
}

// createDefaultConfig 创建默认配置文件
func createDefaultConfig(path string) error {
	slog.Info("配置文件不存在，创建默认配置文件")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}
	if err := os.WriteFile(path, config.DefaultConfigTemplate, 0644); err != nil {
		return fmt.Errorf("写入默认配置文件失败: %w", err)
	}
	slog.Info(fmt.Sprintf("默认配置文件创建成功, 可编辑: %s", path))
	return nil
}

// initConfigWatcher 初始化配置文件监听
func (app *App) initConfigWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听器失败: %w", err)
	}
	app.watcher = watcher

	absPath, _ := filepath.Abs(app.configPath)

	// 防抖，编辑器保存时可能先创建临时文件再覆盖，产生多次事件
	var debounceTimer *time.Timer
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != absPath || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(100*time.Millisecond, app.reloadConfig)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error(fmt.Sprintf("配置文件监听错误: %v", err))
			}
		}
	}()

	// 监听目录以兼容容器外的修改
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("添加配置文件监听失败: %w", err)
	}

	slog.Info("配置文件监听已启动")
	return nil
}

// reloadConfig 重新加载配置，检测间隔或 cron 表达式变化时重建定时器
func (app *App) reloadConfig() {
	slog.Info("配置文件发生变化，正在重新加载")
	oldCronExpr := config.Current().CronExpression
	oldInterval := app.interval
	oldGeoDB := app.geoDBPath()

	if err := app.loadConfig(); err != nil {
		slog.Error(fmt.Sprintf("重新加载配置文件失败: %v", err))
		return
	}

	cfg := config.Current()
	app.interval = checkInterval(cfg)
	if oldCronExpr != cfg.CronExpression || oldInterval != app.interval {
		slog.Warn("检测设置发生变化，重新配置定时器")
		app.setTimer()
	}
	if oldGeoDB != app.geoDBPath() {
		app.openClassifier()
	}
}
