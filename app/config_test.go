package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sinspired/clash-probe/config"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `check-interval: 600
backend: embedded
sources: [gh, npm]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path, func(c *config.Config) { c.Once = true })
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CheckInterval != 600 || cfg.Backend != "embedded" || len(cfg.Sources) != 2 {
		t.Errorf("cfg = %+v", cfg)
	}
	// 未设置的项保留默认值
	if cfg.LatencyURL == "" || cfg.MaxLatency != 300 || cfg.ListenPort != ":8299" {
		t.Errorf("默认值丢失: %+v", cfg)
	}
	if !cfg.Once {
		t.Error("override 未应用")
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CheckInterval != 300 {
		t.Errorf("check-interval = %d", cfg.CheckInterval)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != string(config.DefaultConfigTemplate) {
		t.Errorf("默认配置未写入: %v", err)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("check-interval: [oops"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error")
	}
}
