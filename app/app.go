// Package app 应用程序主入口
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/sinspired/clash-probe/assets"
	"github.com/sinspired/clash-probe/check"
	"github.com/sinspired/clash-probe/check/platform"
	"github.com/sinspired/clash-probe/config"
	proxies "github.com/sinspired/clash-probe/proxy"
	"github.com/sinspired/clash-probe/save"
	"github.com/sinspired/clash-probe/store"
	"github.com/sinspired/clash-probe/utils"
)

// App 结构体用于管理应用程序状态
type App struct {
	ctx        context.Context
	cancel     context.CancelFunc
	configPath string
	overrides  []Override
	interval   int
	watcher    *fsnotify.Watcher
	checkChan  chan struct{} // 触发检测的通道
	checking   atomic.Bool   // 检测状态标志
	ticker     *time.Ticker
	done       chan struct{} // 用于结束ticker goroutine的信号
	cron       *cron.Cron    // 检测调度
	jobs       *cron.Cron    // 数据库更新、清理等维护任务
	version    string
	httpServer *http.Server
	monitor    *Monitor
	stopCh     <-chan struct{}

	store      *store.Store
	classifier atomic.Pointer[proxies.RegionClassifier]
	// 检测期间被替换的地区数据库，本轮检测结束后关闭
	retiredMu sync.Mutex
	retired   []*proxies.RegionClassifier

	// runCheck 一轮检测，为 nil 时使用 checkProxies
	runCheck func() error

	mu          sync.RWMutex
	lastReports []*check.Report
	lastCheck   lastCheckResult

	shutdownOnce sync.Once
	shutdownErr  error
}

type lastCheckResult struct {
	time     atomic.Value // 存储 time.Time
	duration atomic.Int64
	total    atomic.Int64
	selected atomic.Int64
}

// New 创建新的应用实例
// 命令行参数由 main 解析，以 overrides 的形式在每次加载配置后应用
func New(version string, configPath string, overrides ...Override) *App {
	ctx, cancel := context.WithCancel(context.Background())

	return &App{
		ctx:        ctx,
		cancel:     cancel,
		configPath: configPath,
		overrides:  overrides,
		checkChan:  make(chan struct{}),
		done:       make(chan struct{}),
		version:    version,
	}
}

// Initialize 初始化应用程序
func (app *App) Initialize() error {
	if err := app.initConfigPath(); err != nil {
		return fmt.Errorf("初始化配置文件路径失败: %w", err)
	}

	if err := app.loadConfig(); err != nil {
		return fmt.Errorf("加载配置文件失败: %w", err)
	}
	cfg := config.Current()
	utils.InitLogger(cfg.LogLevel, cfg.LogFile)

	// 单次运行不需要监听配置文件
	if !cfg.Once {
		if err := app.initConfigWatcher(); err != nil {
			return fmt.Errorf("初始化配置文件监听失败: %w", err)
		}
	}
	app.interval = checkInterval(cfg)

	db, err := store.Open(dbPath(cfg))
	if err != nil {
		return fmt.Errorf("打开结果数据库失败: %w", err)
	}
	app.store = db

	app.openClassifier()

	// HTTP 服务读取监控数据，先于服务启动
	app.monitor = StartMonitor(app.ctx, 10*time.Minute)

	if cfg.ListenPort != "" && !cfg.Once {
		if err := app.initHTTPServer(); err != nil {
			return fmt.Errorf("初始化HTTP服务器失败: %w", err)
		}
	}

	// 第二次 Ctrl+C 立即退出
	utils.ShutdownHook = func() {
		slog.Warn("立即退出程序")
		if err := app.Shutdown(); err != nil {
			slog.Error("关闭应用失败", "err", err)
		}
		os.Exit(0)
	}
	app.stopCh = utils.SetupSignalHandler(&check.ForceClose, &app.checking)

	if !cfg.Once {
		app.setupMaintenance()
	}
	return nil
}

func checkInterval(cfg *config.Config) int {
	if cfg.CheckInterval <= 0 {
		return 60
	}
	return cfg.CheckInterval
}

// dbPath 结果数据库路径，未配置时放在 output 目录
func dbPath(cfg *config.Config) string {
	if cfg.DBPath != "" {
		return utils.ExpandHome(cfg.DBPath)
	}
	return filepath.Join(utils.OutputDir(cfg.OutputDir), "probe.db")
}

func (app *App) geoDBPath() string {
	if p := config.Current().MaxMindDBPath; p != "" {
		return p
	}
	return assets.DefaultGeoDBPath(config.Current().OutputDir)
}

// openClassifier 打开地区数据库，失败时所有节点按未知地区处理
func (app *App) openClassifier() {
	var lookup proxies.CountryLookup
	db, err := assets.OpenMaxMindDB(app.geoDBPath())
	switch {
	case err == nil:
		lookup = proxies.NewMMDBLookup(db)
	case errors.Is(err, assets.ErrNoGeoDB):
		slog.Warn(fmt.Sprintf("未找到地区数据库, 节点不分区: %v", err))
	default:
		slog.Error(fmt.Sprintf("打开地区数据库失败, 节点不分区: %v", err))
	}

	old := app.classifier.Swap(proxies.NewRegionClassifier(lookup, net.DefaultResolver))
	if old == nil {
		return
	}
	// 正在进行的检测还在使用旧实例，检测结束后再关闭
	app.retiredMu.Lock()
	if app.checking.Load() {
		app.retired = append(app.retired, old)
		app.retiredMu.Unlock()
		slog.Debug("检测进行中, 旧的地区数据库在本轮结束后关闭")
		return
	}
	app.retiredMu.Unlock()
	_ = old.Close()
}

// finishCheck 清除检测标志，关闭检测期间被替换的地区数据库
func (app *App) finishCheck() {
	app.checking.Store(false)

	app.retiredMu.Lock()
	retired := app.retired
	app.retired = nil
	app.retiredMu.Unlock()
	for _, c := range retired {
		_ = c.Close()
	}
}

// runCycle 执行一轮检测，调用前需已设置 checking
// 检测中的 panic 转为错误返回，不影响后续调度
func (app *App) runCycle() (err error) {
	defer app.finishCheck()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("检测过程发生异常: %v", r)
			slog.Error(fmt.Sprintf("%v\n%s", err, debug.Stack()))
		}
	}()

	if app.runCheck != nil {
		return app.runCheck()
	}
	return app.checkProxies()
}

// setupMaintenance 定时更新地区数据库、清理过期结果
func (app *App) setupMaintenance() {
	app.jobs = cron.New()

	// 每周五 12 点更新 GeoLite2 数据库
	if url := config.Current().GeoIPDBURL; url != "" {
		if _, err := app.jobs.AddFunc("0 12 * * 5", app.updateGeoDB); err != nil {
			slog.Error(fmt.Sprintf("注册 GeoLite2 数据库更新任务失败: %v", err))
		}
	}

	if _, err := app.jobs.AddFunc("30 3 * * *", func() {
		if _, err := app.pruneResults(app.ctx); err != nil {
			slog.Error(fmt.Sprintf("清理过期检测结果失败: %v", err))
		}
	}); err != nil {
		slog.Error(fmt.Sprintf("注册清理任务失败: %v", err))
	}
	app.jobs.Start()
}

func (app *App) updateGeoDB() {
	slog.Info("更新 GeoLite2 数据库...")
	ctx, cancel := context.WithTimeout(app.ctx, 5*time.Minute)
	defer cancel()
	if err := assets.UpdateGeoLite2DB(ctx, config.Current().GeoIPDBURL, app.geoDBPath()); err != nil {
		slog.Error(fmt.Sprintf("更新 GeoLite2 数据库失败: %v", err))
		return
	}
	app.openClassifier()
}

// pruneResults 删除超过保留天数的检测结果，retention-days 为 0 时不清理
func (app *App) pruneResults(ctx context.Context) (int64, error) {
	days := config.Current().RetentionDays
	if days <= 0 {
		return 0, nil
	}
	n, err := app.store.Prune(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info(fmt.Sprintf("已清理 %d 条超过 %d 天的检测结果", n, days))
	}
	return n, nil
}

// Run 运行应用程序主循环，once 模式检测一轮后返回
func (app *App) Run() error {
	if config.Current().Once {
		app.checking.Store(true)
		err := app.runCycle()
		return errors.Join(err, app.Shutdown())
	}

	app.setTimer()

	if config.Current().CronExpression != "" {
		slog.Warn("使用cron表达式，首次启动不立即执行检测")
	} else {
		go app.triggerCheck()
	}

	go func() {
		for range app.checkChan {
			go app.triggerCheck()
		}
	}()

	// 阻塞等待 stopCh 被关闭
	<-app.stopCh
	return app.Shutdown()
}

// setTimer 根据配置设置定时器
func (app *App) setTimer() {
	// 先发送停止信号，防止 ticker 被置空后 goroutine panic
	if app.ticker != nil {
		close(app.done)
		app.done = make(chan struct{})
		app.ticker.Stop()
		app.ticker = nil
	}

	if app.cron != nil {
		app.cron.Stop()
		app.cron = nil
	}

	expr := config.Current().CronExpression
	if expr == "" {
		app.useIntervalTimer()
		return
	}

	slog.Info(fmt.Sprintf("使用cron表达式: %s", expr))
	app.cron = cron.New()
	if _, err := app.cron.AddFunc(expr, app.triggerCheck); err != nil {
		app.cron.Stop()
		app.cron = nil
		slog.Error(fmt.Sprintf("cron表达式 '%s' 解析失败: %v，将使用检查间隔时间", expr, err))
		app.useIntervalTimer()
		return
	}
	app.cron.Start()
}

// useIntervalTimer 使用间隔时间模式运行
func (app *App) useIntervalTimer() {
	app.ticker = time.NewTicker(time.Duration(app.interval) * time.Second)
	ticker, done := app.ticker, app.done
	go func() {
		for {
			select {
			case <-ticker.C:
				app.triggerCheck()
			case <-done:
				return
			}
		}
	}()
}

// TriggerCheck 供外部调用的触发检测方法
func (app *App) TriggerCheck() bool {
	if app.checking.Load() {
		slog.Warn("已有检测正在进行，忽略本次触发")
		return false
	}
	select {
	case app.checkChan <- struct{}{}:
		slog.Info("手动触发检测")
		return true
	default:
		slog.Warn("检测调度繁忙，忽略本次触发")
		return false
	}
}

// triggerCheck 内部检测方法
func (app *App) triggerCheck() {
	if !app.checking.CompareAndSwap(false, true) {
		slog.Warn("已有检测正在进行，跳过本次检测")
		return
	}

	if err := app.runCycle(); err != nil {
		slog.Error(fmt.Sprintf("检测代理失败: %v", err))
	}

	if app.ticker != nil {
		app.ticker.Reset(time.Duration(app.interval) * time.Second)
		nextCheck := time.Now().Add(time.Duration(app.interval) * time.Second)
		slog.Info(fmt.Sprintf("下次检查时间: %s", nextCheck.Format("2006-01-02 15:04:05")))
	} else if app.cron != nil {
		if entries := app.cron.Entries(); len(entries) > 0 {
			slog.Info(fmt.Sprintf("下次检查时间: %s", entries[0].Next.Format("2006-01-02 15:04:05")))
		}
	}
	debug.FreeOSMemory()
}

// checkProxies 执行一轮检测：依次运行本轮的每个计划，保存报告，按需改写 clash 配置
func (app *App) checkProxies() error {
	cfg := config.Current()
	utils.ResetInterrupt(&check.ForceClose)
	startTime := time.Now()

	plans, err := check.CyclePlans(cfg)
	if err != nil {
		return err
	}
	providers, err := app.providers(cfg)
	if err != nil {
		return err
	}

	tunnel, err := app.newTunnel(cfg)
	if err != nil {
		return err
	}
	defer tunnel.Close()

	fetcher := proxies.NewFetcher(
		time.Duration(cfg.SubUrlsTimeout)*time.Second,
		cfg.SubUrlsReTry,
		time.Duration(cfg.SubUrlsRetryInterval)*time.Second,
		cfg.NodeType,
	)
	var recorder check.Recorder
	if app.store != nil {
		recorder = app.store
	}
	funnel := check.NewFunnel(cfg, tunnel, fetcher, app.classifier.Load(), recorder, providers)

	var reports []*check.Report
	var errs []error
	for _, plan := range plans {
		if check.ForceClose.Load() {
			slog.Warn("检测已被停止，跳过剩余计划")
			break
		}
		report, err := funnel.Run(app.ctx, plan)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", plan.Describe(), err))
			continue
		}
		slog.Info(report.Summary())
		if err := save.SaveReport(app.ctx, cfg, report); err != nil {
			errs = append(errs, err)
		}
		reports = append(reports, report)
	}

	if cfg.UpdateConfig && len(reports) > 0 {
		if err := save.RewriteClashConfig(cfg.ClashConfig, save.GroupUpdates(reports)); err != nil {
			errs = append(errs, err)
		}
	}

	app.storeReports(reports, startTime)
	return errors.Join(errs...)
}

// providers clash 配置中的 proxy-providers 加上配置文件中额外的订阅
func (app *App) providers(cfg *config.Config) ([]proxies.Provider, error) {
	var list []proxies.Provider
	if cfg.ClashConfig != "" {
		fromClash, err := proxies.ParseClashProviders(cfg.ClashConfig)
		if err != nil {
			return nil, err
		}
		list = append(list, fromClash...)
	}
	for _, p := range cfg.Providers {
		if p.URL == "" {
			continue
		}
		list = append(list, proxies.Provider{Name: p.Name, URL: p.URL})
	}
	if len(list) == 0 {
		return nil, errors.New("没有配置任何订阅, 请设置 clash-config 或 providers")
	}
	return list, nil
}

// newTunnel 按后端类型创建探测通道
func (app *App) newTunnel(cfg *config.Config) (platform.Tunnel, error) {
	bucket := platform.NewBucket(cfg.TotalSpeedLimit)
	switch strings.ToLower(cfg.Backend) {
	case "embedded":
		return platform.NewEmbeddedTunnel(cfg.Concurrent, cfg.LatencyURL, bucket), nil
	case "controller", "":
		t, err := platform.NewControllerTunnel(cfg.Controllers, cfg.LatencyURL, time.Duration(cfg.SettleMS)*time.Millisecond, bucket)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(app.ctx, 10*time.Second)
		defer cancel()
		if err := t.Check(ctx); err != nil {
			t.Close()
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("未知的检测后端: %s", cfg.Backend)
	}
}

func (app *App) storeReports(reports []*check.Report, start time.Time) {
	app.mu.Lock()
	app.lastReports = reports
	app.mu.Unlock()

	var total, selected int
	for _, r := range reports {
		total = max(total, r.Total)
		if !r.Empty() {
			selected += len(r.Selection.Names)
		}
	}
	end := time.Now()
	app.lastCheck.time.Store(end)
	app.lastCheck.duration.Store(int64(end.Sub(start).Seconds()))
	app.lastCheck.total.Store(int64(total))
	app.lastCheck.selected.Store(int64(selected))
}

// LastReports 最近一轮检测的报告
func (app *App) LastReports() []*check.Report {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.lastReports
}

// Shutdown 尝试优雅关闭所有子服务与资源，可重复调用
func (app *App) Shutdown() error {
	app.shutdownOnce.Do(func() {
		app.shutdownErr = app.shutdown()
	})
	return app.shutdownErr
}

func (app *App) shutdown() error {
	slog.Debug("开始关闭应用...")

	var errs []error

	if app.cancel != nil {
		app.cancel()
	}

	if app.ticker != nil {
		app.ticker.Stop()
	}
	if app.cron != nil {
		app.cron.Stop()
	}
	if app.jobs != nil {
		app.jobs.Stop()
	}
	if app.watcher != nil {
		if err := app.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if app.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("关闭 HTTP 服务器失败: %w", err))
		} else {
			slog.Info("HTTP 服务器关闭", "port", strings.TrimPrefix(config.Current().ListenPort, ":"))
		}
	}

	select {
	case <-app.done:
	default:
		close(app.done)
	}

	if c := app.classifier.Swap(nil); c != nil {
		_ = c.Close()
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	slog.Info("应用已关闭")
	return errors.Join(errs...)
}
