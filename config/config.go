// Package config 解析配置文件
package config

import (
	_ "embed"
	"sync"
)

// Controller 描述一个 mihomo/clash 控制面实例
// 每个实例拥有独立的切换组，可作为一条并行测速通道
type Controller struct {
	API       string `yaml:"api"`
	Secret    string `yaml:"secret"`
	SocksAddr string `yaml:"socks-addr"`
	Group     string `yaml:"group"`
}

// GroupPlan 对应一次 update-config 生成的策略组
type GroupPlan struct {
	Source    string   `yaml:"source"`
	Group     string   `yaml:"group"`
	Providers []string `yaml:"providers"`
	Rules     []string `yaml:"rules"`
}

// Provider 额外的订阅来源（clash 配置中的 proxy-providers 之外）
type Provider struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Policy 选择策略中的常量，全部可在配置文件中覆盖
type Policy struct {
	SigmaSequence   []float64 `yaml:"sigma-sequence"`
	BandMin         int       `yaml:"band-min"`
	BandMax         int       `yaml:"band-max"`
	FallbackTopN    int       `yaml:"fallback-top-n"`
	MinRegionSize   int       `yaml:"min-region-size"`
	TopPercent      int       `yaml:"top-percent"`
	SingleSourceCap int       `yaml:"single-source-cap"`
	CompositeCap    int       `yaml:"composite-cap"`
}

type Config struct {
	PrintProgress   bool   `yaml:"print-progress"`
	LogLevel        string `yaml:"log-level"`
	LogFile         string `yaml:"log-file"`
	CheckInterval   int    `yaml:"check-interval"` // 秒
	CronExpression  string `yaml:"cron-expression"`
	Once            bool   `yaml:"once"`
	ClashConfig     string `yaml:"clash-config"`
	DBPath          string `yaml:"db-path"`
	RetentionDays   int    `yaml:"retention-days"`
	Backend         string `yaml:"backend"`
	Concurrent      int    `yaml:"concurrent"`
	LatencyParallel int    `yaml:"latency-concurrent"`

	Controllers []Controller `yaml:"controllers"`
	Providers   []Provider   `yaml:"providers"`
	NodeType    []string     `yaml:"node-type"`

	LatencyURL     string   `yaml:"latency-url"`
	LatencyTimeout int      `yaml:"latency-timeout"`
	MaxLatency     int      `yaml:"max-latency"`
	Speed          bool     `yaml:"speed"`
	SpeedDuration  float64  `yaml:"speed-duration"`
	Sample         bool     `yaml:"sample"`
	SamplePercent  int      `yaml:"sample-percent"`
	Sources        []string `yaml:"sources"`
	CustomURL      string   `yaml:"custom-url"`
	SettleMS       int      `yaml:"settle-ms"`

	TotalSpeedLimit int `yaml:"total-speed-limit"`

	UpdateConfig bool        `yaml:"update-config"`
	Groups       []GroupPlan `yaml:"groups"`
	Policy       Policy      `yaml:"policy"`

	SubUrlsReTry         int `yaml:"sub-urls-retry"`
	SubUrlsRetryInterval int `yaml:"sub-urls-retry-interval"`
	SubUrlsTimeout       int `yaml:"sub-urls-timeout"`

	MaxMindDBPath string `yaml:"maxmind-db-path"`
	GeoIPDBURL    string `yaml:"geoip-db-url"`

	SaveMethod     string `yaml:"save-method"`
	OutputDir      string `yaml:"output-dir"`
	WebDAVURL      string `yaml:"webdav-url"`
	WebDAVUsername string `yaml:"webdav-username"`
	WebDAVPassword string `yaml:"webdav-password"`
	S3Endpoint     string `yaml:"s3-endpoint"`
	S3AccessID     string `yaml:"s3-access-id"`
	S3SecretKey    string `yaml:"s3-secret-key"`
	S3Bucket       string `yaml:"s3-bucket"`
	S3UseSSL       bool   `yaml:"s3-use-ssl"`
	S3BucketLookup string `yaml:"s3-bucket-lookup"`

	ListenPort string `yaml:"listen-port"`
	APIKey     string `yaml:"api-key"`
}

// DefaultPolicy 返回内置的选择策略
func DefaultPolicy() Policy {
	return Policy{
		SigmaSequence:   []float64{1.5, 1.25, 1.0, 0.75, 0.5, 0.375, 0.25, 0.125, 0},
		BandMin:         3,
		BandMax:         10,
		FallbackTopN:    5,
		MinRegionSize:   5,
		TopPercent:      20,
		SingleSourceCap: 30,
		CompositeCap:    40,
	}
}

// Normalize 用默认值补齐未设置的策略项
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if len(p.SigmaSequence) == 0 {
		p.SigmaSequence = def.SigmaSequence
	}
	if p.BandMin <= 0 {
		p.BandMin = def.BandMin
	}
	if p.BandMax < p.BandMin {
		p.BandMax = max(def.BandMax, p.BandMin)
	}
	if p.FallbackTopN <= 0 {
		p.FallbackTopN = def.FallbackTopN
	}
	if p.MinRegionSize <= 0 {
		p.MinRegionSize = def.MinRegionSize
	}
	if p.TopPercent <= 0 {
		p.TopPercent = def.TopPercent
	}
	if p.SingleSourceCap <= 0 {
		p.SingleSourceCap = def.SingleSourceCap
	}
	if p.CompositeCap <= 0 {
		p.CompositeCap = def.CompositeCap
	}
	return p
}

var (
	// GlobalConfig 全局配置，运行中通过 Current 和 Set 访问
	GlobalConfig = Default()
	globalMu     sync.RWMutex
)

// Current 返回全局配置的副本，配置重载不会修改已取得的副本
func Current() *Config {
	globalMu.RLock()
	defer globalMu.RUnlock()
	c := *GlobalConfig
	return &c
}

// Set 替换全局配置
func Set(cfg *Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	*GlobalConfig = *cfg
}

// Default 内置默认配置，每次调用返回新的实例
func Default() *Config {
	return &Config{
		LogLevel:        "info",
		CheckInterval:   300,
		Backend:         "controller",
		Concurrent:      4,
		LatencyParallel: 4,
		Controllers: []Controller{
			{API: "127.0.0.1:9090", SocksAddr: "127.0.0.1:7890", Group: "CLASH_PROBE_TEST"},
		},
		LatencyURL:     "https://cp.cloudflare.com/generate_204",
		LatencyTimeout: 5000,
		MaxLatency:     300,
		SpeedDuration:  5,
		SamplePercent:  10,
		SettleMS:       100,
		Groups: []GroupPlan{
			{Source: "dev", Group: "_DEV", Providers: []string{"DOG"}, Rules: DevRules},
		},
		Policy:         DefaultPolicy(),
		SubUrlsReTry:   3,
		SubUrlsTimeout: 30,
		RetentionDays:  30,
		SaveMethod:     "local",
		ListenPort:     ":8299",
	}
}

// DevRules 开发相关域名，生成到 _DEV 组的分流规则
var DevRules = []string{
	"DOMAIN-SUFFIX,github.com",
	"DOMAIN-SUFFIX,githubusercontent.com",
	"DOMAIN-SUFFIX,githubassets.com",
	"DOMAIN-SUFFIX,github.io",
	"DOMAIN-SUFFIX,npmjs.org",
	"DOMAIN-SUFFIX,npmjs.com",
	"DOMAIN-SUFFIX,yarnpkg.com",
	"DOMAIN-SUFFIX,pypi.org",
	"DOMAIN-SUFFIX,pythonhosted.com",
	"DOMAIN-SUFFIX,python.org",
	"DOMAIN-SUFFIX,crates.io",
	"DOMAIN-SUFFIX,rust-lang.org",
	"DOMAIN-SUFFIX,brew.sh",
	"DOMAIN-SUFFIX,homebrew.sh",
	"DOMAIN-SUFFIX,golang.org",
	"DOMAIN-SUFFIX,go.dev",
	"DOMAIN-SUFFIX,proxy.golang.org",
	"DOMAIN-SUFFIX,docker.com",
	"DOMAIN-SUFFIX,docker.io",
	"DOMAIN-SUFFIX,maven.org",
	"DOMAIN-SUFFIX,rubygems.org",
	"DOMAIN-SUFFIX,packagist.org",
	"DOMAIN-SUFFIX,nixos.org",
	"DOMAIN-SUFFIX,cachix.org",
}

//go:embed config.example.yaml
var DefaultConfigTemplate []byte
