package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sinspired/clash-probe/config"
	"github.com/sinspired/clash-probe/store"
)

func TestWriteStats(t *testing.T) {
	avg, lo, hi, speed := 120.4, 80.0, 200.0, 2048.0
	stats := []store.Stat{
		{Provider: "DOG", ProxyName: "hk-1", TotalTests: 4, AvgLatency: &avg, MinLatency: &lo, MaxLatency: &hi, AvgSpeed: &speed, ErrorCount: 1},
		{Provider: "CAT", ProxyName: "us-1", TotalTests: 2, ErrorCount: 2},
	}

	var buf bytes.Buffer
	if err := WriteStats(&buf, stats, 24); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"2 个节点", "hk-1", "120ms", "2MiB/s", "1 (25%)", "2 (100%)"} {
		if !strings.Contains(out, want) {
			t.Errorf("输出缺少 %q:\n%s", want, out)
		}
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if !strings.HasPrefix(lines[len(lines)-1], "CAT") {
		t.Errorf("行顺序应与统计结果一致:\n%s", out)
	}

	buf.Reset()
	if err := WriteStats(&buf, nil, 6); err != nil || !strings.Contains(buf.String(), "6 小时") {
		t.Errorf("空结果: %q %v", buf.String(), err)
	}
}

func TestShowStats(t *testing.T) {
	dir := t.TempDir()
	dbFile := filepath.Join(dir, "probe.db")
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("db-path: "+dbFile+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	db, err := store.Open(dbFile)
	if err != nil {
		t.Fatal(err)
	}
	lat := 50 * time.Millisecond
	if err := db.Record(context.Background(), store.Observation{Provider: "DOG", ProxyName: "jp-1", Latency: &lat}); err != nil {
		t.Fatal(err)
	}
	db.Close()

	var buf bytes.Buffer
	err = ShowStats(context.Background(), &buf, configPath, 1, "", func(c *config.Config) { c.LogLevel = "error" })
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "jp-1") || !strings.Contains(buf.String(), "50ms") {
		t.Errorf("output:\n%s", buf.String())
	}
}
