package store

import "time"

// TargetResult 一个测速源的测量结果，Err 非空时 Value 无意义
type TargetResult struct {
	Value   float64 `json:"value,omitempty" yaml:"value,omitempty"`
	Latency bool    `json:"latency,omitempty" yaml:"latency,omitempty"` // Value 为 ms 而不是 KB/s
	Err     string  `json:"error,omitempty" yaml:"error,omitempty"`
}

// OK 有效测量
func (r TargetResult) OK() bool { return r.Err == "" && r.Value > 0 }

// Observation 一个节点在一次检测中的观测结果，记录后不再修改
// Latency 为 nil 当且仅当 Error 记录了延迟测试失败原因
type Observation struct {
	Provider   string
	ProxyName  string
	ProxyType  string
	Server     string
	Port       int
	Latency    *time.Duration
	Throughput map[string]TargetResult
	Error      string
	Timestamp  time.Time
}

// BestSpeed 所有下载类测速源中的最高速度
func (o Observation) BestSpeed() (float64, bool) {
	best, ok := 0.0, false
	for _, r := range o.Throughput {
		if r.Latency || !r.OK() {
			continue
		}
		if !ok || r.Value > best {
			best, ok = r.Value, true
		}
	}
	return best, ok
}
