package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/sinspired/clash-probe/store"
	"github.com/sinspired/clash-probe/utils"
)

// ShowStats 打印历史统计后返回，不启动检测
func ShowStats(ctx context.Context, w io.Writer, configPath string, hours int, provider string, overrides ...Override) error {
	tmp := &App{configPath: configPath}
	if err := tmp.initConfigPath(); err != nil {
		return err
	}
	cfg, err := LoadConfig(tmp.configPath, overrides...)
	if err != nil {
		return err
	}
	db, err := store.Open(dbPath(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats(ctx, hours, provider)
	if err != nil {
		return err
	}
	if hours <= 0 {
		hours = 24
	}
	return WriteStats(w, stats, hours)
}

// WriteStats 以表格输出统计结果
func WriteStats(w io.Writer, stats []store.Stat, hours int) error {
	if len(stats) == 0 {
		_, err := fmt.Fprintf(w, "最近 %d 小时没有检测记录\n", hours)
		return err
	}

	fmt.Fprintf(w, "最近 %d 小时节点统计 (%d 个节点)\n\n", hours, len(stats))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tPROXY\tTESTS\tAVG\tMIN\tMAX\tSPEED\tERRORS")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			s.Provider, s.ProxyName, s.TotalTests,
			formatMS(s.AvgLatency), formatMS(s.MinLatency), formatMS(s.MaxLatency),
			formatSpeed(s.AvgSpeed), errorRate(s))
	}
	return tw.Flush()
}

func formatMS(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.0fms", *v)
}

func formatSpeed(v *float64) string {
	if v == nil {
		return "-"
	}
	return utils.FormatSpeed(*v)
}

func errorRate(s store.Stat) string {
	if s.TotalTests == 0 {
		return "-"
	}
	return fmt.Sprintf("%d (%.0f%%)", s.ErrorCount, float64(s.ErrorCount)*100/float64(s.TotalTests))
}
