package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/sinspired/clash-probe/app"
	"github.com/sinspired/clash-probe/check/platform"
	"github.com/sinspired/clash-probe/config"
)

// sourceList 可重复的 -source 参数
type sourceList []string

func (s *sourceList) String() string { return strings.Join(*s, ",") }

func (s *sourceList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

// 命令行参数
var (
	flagConfigPath    = flag.String("f", "", "配置文件路径")
	flagClashConfig   = flag.String("c", "", "clash 配置文件路径")
	flagDBPath        = flag.String("d", "", "结果数据库路径")
	flagClashAPI      = flag.String("clash-api", "", "clash 控制面地址，如 127.0.0.1:9090")
	flagSocksPort     = flag.Int("socks-port", 0, "clash SOCKS/mixed 端口")
	flagOnce          = flag.Bool("once", false, "只检测一轮后退出")
	flagContinuous    = flag.Bool("continuous", false, "持续检测（忽略配置中的 once）")
	flagInterval      = flag.Int("i", 0, "检测间隔(秒)")
	flagStats         = flag.Bool("stats", false, "显示历史统计后退出")
	flagHours         = flag.Int("H", 24, "统计最近多少小时")
	flagProvider      = flag.String("provider", "", "只统计指定订阅")
	flagSpeed         = flag.Bool("speed", false, "延迟筛选后测速")
	flagSpeedDuration = flag.Float64("speed-duration", 0, "单次测速时长(秒)")
	flagTop           = flag.Int("top", 0, "每个大区进入深度测速的比例(%)")
	flagSample        = flag.Bool("sample", false, "随机抽样测速")
	flagSamplePercent = flag.Int("sample-percent", 0, "抽样比例(%)")
	flagURL           = flag.String("url", "", "自定义测速地址")
	flagListSources   = flag.Bool("list-sources", false, "列出所有测速源后退出")
	flagUpdateConfig  = flag.Bool("update-config", false, "检测后改写 clash 配置中的策略组")
	flagSources       sourceList
)

func init() {
	flag.Var(&flagSources, "source", "测速源，可重复或逗号分隔，见 -list-sources")
}

// overrides 只应用命令行中显式设置的参数
func overrides() []app.Override {
	var list []app.Override
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "c":
			list = append(list, func(c *config.Config) { c.ClashConfig = *flagClashConfig })
		case "d":
			list = append(list, func(c *config.Config) { c.DBPath = *flagDBPath })
		case "clash-api":
			list = append(list, func(c *config.Config) { firstController(c).API = *flagClashAPI })
		case "socks-port":
			list = append(list, func(c *config.Config) {
				ctrl := firstController(c)
				host := "127.0.0.1"
				if h, _, err := net.SplitHostPort(ctrl.SocksAddr); err == nil && h != "" {
					host = h
				}
				ctrl.SocksAddr = net.JoinHostPort(host, strconv.Itoa(*flagSocksPort))
			})
		case "once":
			list = append(list, func(c *config.Config) { c.Once = *flagOnce })
		case "continuous":
			list = append(list, func(c *config.Config) { c.Once = !*flagContinuous })
		case "i":
			list = append(list, func(c *config.Config) { c.CheckInterval = *flagInterval })
		case "speed":
			list = append(list, func(c *config.Config) { c.Speed = *flagSpeed })
		case "speed-duration":
			list = append(list, func(c *config.Config) { c.SpeedDuration = *flagSpeedDuration })
		case "top":
			list = append(list, func(c *config.Config) { c.Policy.TopPercent = *flagTop })
		case "sample":
			list = append(list, func(c *config.Config) { c.Sample = *flagSample })
		case "sample-percent":
			list = append(list, func(c *config.Config) { c.SamplePercent = *flagSamplePercent })
		case "source":
			list = append(list, func(c *config.Config) { c.Sources = flagSources })
		case "url":
			list = append(list, func(c *config.Config) { c.CustomURL = *flagURL })
		case "update-config":
			list = append(list, func(c *config.Config) { c.UpdateConfig = *flagUpdateConfig })
		}
	})
	return list
}

func firstController(c *config.Config) *config.Controller {
	if len(c.Controllers) == 0 {
		c.Controllers = []config.Controller{{}}
	}
	return &c.Controllers[0]
}

func main() {
	flag.Parse()

	if *flagListSources {
		fmt.Println("可用测速源:")
		for _, line := range platform.SourceNames() {
			fmt.Println("  " + line)
		}
		fmt.Println("\n示例: clash-probe -sample -source github -source nix")
		return
	}

	if *flagStats {
		if err := app.ShowStats(context.Background(), os.Stdout, *flagConfigPath, *flagHours, *flagProvider, overrides()...); err != nil {
			slog.Error(fmt.Sprintf("查询统计失败: %v", err))
			os.Exit(1)
		}
		return
	}

	application := app.New(fmt.Sprintf("%s-%s", Version, CurrentCommit), *flagConfigPath, overrides()...)
	if err := application.Initialize(); err != nil {
		slog.Error(fmt.Sprintf("初始化失败: %v", err))
		os.Exit(1)
	}
	slog.Info(fmt.Sprintf("当前版本: %s-%s", Version, CurrentCommit))

	if err := application.Run(); err != nil {
		slog.Error(fmt.Sprintf("运行失败: %v", err))
		os.Exit(1)
	}
}
