package check

import "math"

// DecayFunc 把候选数映射为并发数，增长逐渐放缓
type DecayFunc func(x float64) float64

// 所有曲线的结果都不超过 x 本身，也不超过 base+amp
func bounded(x, v float64) float64 {
	if x <= 0 {
		return 0
	}
	return math.Min(x, v)
}

// NewLogDecay 对数增长，归一化到 amp 以内
func NewLogDecay(amp, k, base float64) DecayFunc {
	return func(x float64) float64 {
		l := math.Log1p(k * math.Max(x, 0))
		return bounded(x, base+amp*l/(1+l))
	}
}

// RoundInt 四舍五入，最小为 0
func RoundInt(v float64) int {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	return int(math.Round(v))
}

// latencyConcurrency 延迟测试的自动并发数
// 延迟测试只调用控制面接口，不占用测速通道
func latencyConcurrency(configured, candidates int) int {
	if configured > 0 {
		return min(configured, max(1, candidates))
	}
	fn := NewLogDecay(28, 0.02, 4)
	return max(1, RoundInt(fn(float64(candidates))))
}
