// Package selector 把打分后的候选节点收敛为规模可控的优选集合
package selector

import (
	"math"
	"sort"

	"github.com/sinspired/clash-probe/config"
)

// Candidate 参与选择的节点
type Candidate struct {
	Name     string
	Provider string
	Score    float64
}

// Fallback 标记结果来自哪一级兜底
type Fallback string

const (
	FallbackNone     Fallback = ""
	FallbackSmallest Fallback = "smallest-above-min"
	FallbackNonEmpty Fallback = "first-non-empty"
	FallbackTopN     Fallback = "top-n"
)

// Result 选择结果，同时记录使用的阈值参数
type Result struct {
	Names    []string
	Mean     float64
	StdDev   float64
	Sigma    float64
	Fallback Fallback
}

// Policy 自适应选择的参数
type Policy struct {
	Sigmas       []float64
	BandMin      int
	BandMax      int
	FallbackTopN int
}

// PolicyFromConfig 从配置构造选择参数
func PolicyFromConfig(p config.Policy) Policy {
	p = p.Normalize()
	return Policy{
		Sigmas:       p.SigmaSequence,
		BandMin:      p.BandMin,
		BandMax:      p.BandMax,
		FallbackTopN: p.FallbackTopN,
	}
}

// MeanStd 总体均值与标准差
func MeanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// Select 按 sigma 序列由严到宽搜索，第一个落在 [BandMin, BandMax] 的集合即为结果
// 候选非空时结果一定非空
func Select(cands []Candidate, lowerIsBetter bool, p Policy) Result {
	if len(cands) == 0 {
		return Result{}
	}
	if len(p.Sigmas) == 0 {
		p = PolicyFromConfig(config.DefaultPolicy())
	}

	scores := make([]float64, len(cands))
	for i, c := range cands {
		scores[i] = c.Score
	}
	mean, std := MeanStd(scores)

	pick := func(k float64) []int {
		var idx []int
		if lowerIsBetter {
			threshold := mean - k*std
			for i, v := range scores {
				if v <= threshold {
					idx = append(idx, i)
				}
			}
		} else {
			threshold := mean + k*std
			for i, v := range scores {
				if v >= threshold {
					idx = append(idx, i)
				}
			}
		}
		return idx
	}

	var (
		smallest      []int
		smallestSigma float64
		nonEmpty      []int
		nonEmptySigma float64
	)
	for _, k := range p.Sigmas {
		sel := pick(k)
		n := len(sel)
		if n >= p.BandMin && n <= p.BandMax {
			return Result{Names: ordered(cands, sel, lowerIsBetter), Mean: mean, StdDev: std, Sigma: k}
		}
		if n >= p.BandMin && (smallest == nil || n < len(smallest)) {
			smallest, smallestSigma = sel, k
		}
		if n > 0 && nonEmpty == nil {
			nonEmpty, nonEmptySigma = sel, k
		}
	}

	switch {
	case smallest != nil:
		return Result{Names: ordered(cands, smallest, lowerIsBetter), Mean: mean, StdDev: std, Sigma: smallestSigma, Fallback: FallbackSmallest}
	case nonEmpty != nil:
		return Result{Names: ordered(cands, nonEmpty, lowerIsBetter), Mean: mean, StdDev: std, Sigma: nonEmptySigma, Fallback: FallbackNonEmpty}
	}

	// 所有 k 都为空，忽略统计条件直接取前 N
	all := make([]int, len(cands))
	for i := range all {
		all[i] = i
	}
	names := ordered(cands, all, lowerIsBetter)
	if n := max(1, p.FallbackTopN); len(names) > n {
		names = names[:n]
	}
	return Result{Names: names, Mean: mean, StdDev: std, Fallback: FallbackTopN}
}

// ordered 按分数从优到劣排序，同分保持输入顺序
func ordered(cands []Candidate, idx []int, lowerIsBetter bool) []string {
	sorted := append([]int(nil), idx...)
	sort.SliceStable(sorted, func(a, b int) bool {
		sa, sb := cands[sorted[a]].Score, cands[sorted[b]].Score
		if lowerIsBetter {
			return sa < sb
		}
		return sa > sb
	})
	names := make([]string, len(sorted))
	for i, j := range sorted {
		names[i] = cands[j].Name
	}
	return names
}
