package selector

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/sinspired/clash-probe/config"
)

func candidates(scores ...float64) []Candidate {
	out := make([]Candidate, len(scores))
	for i, s := range scores {
		out[i] = Candidate{Name: string(rune('a' + i)), Score: s}
	}
	return out
}

func TestSelectOutlier(t *testing.T) {
	p := PolicyFromConfig(config.DefaultPolicy())
	cands := candidates(10, 10, 10, 10, 100)

	res := Select(cands, false, p)
	if len(res.Names) != 1 || res.Names[0] != "e" {
		t.Fatalf("期望只选中 100 对应的节点, got %v", res.Names)
	}
	if res.Mean != 28 || res.StdDev != 36 {
		t.Errorf("mean/std = %v/%v, want 28/36", res.Mean, res.StdDev)
	}
	if res.Fallback != FallbackNonEmpty {
		t.Errorf("fallback = %q, want %q", res.Fallback, FallbackNonEmpty)
	}
	if res.Sigma != 1.5 {
		t.Errorf("sigma = %v, want first non-empty k 1.5", res.Sigma)
	}
}

func TestSelectInBand(t *testing.T) {
	p := PolicyFromConfig(config.DefaultPolicy())
	// 均匀分布，k 逐渐放宽后会落入 [3,10]
	scores := make([]float64, 20)
	for i := range scores {
		scores[i] = float64(i + 1)
	}
	res := Select(candidates(scores...), false, p)
	if n := len(res.Names); n < 3 || n > 10 {
		t.Fatalf("结果数量 %d 不在 [3,10]", n)
	}
	if res.Fallback != FallbackNone {
		t.Errorf("unexpected fallback %q", res.Fallback)
	}
	if res.Names[0] != string(rune('a'+19)) {
		t.Errorf("最优节点应排在首位, got %v", res.Names)
	}
}

func TestSelectNeverEmpty(t *testing.T) {
	p := PolicyFromConfig(config.DefaultPolicy())
	r := rand.New(rand.NewPCG(1, 2))
	for round := 0; round < 500; round++ {
		n := 1 + r.IntN(30)
		scores := make([]float64, n)
		for i := range scores {
			switch r.IntN(3) {
			case 0:
				scores[i] = 0.1
			case 1:
				scores[i] = r.Float64() * 1000
			default:
				scores[i] = r.NormFloat64()
			}
		}
		for _, lower := range []bool{true, false} {
			res := Select(candidates(scores...), lower, p)
			if len(res.Names) == 0 {
				t.Fatalf("round %d: 输入 %v 选择结果为空", round, scores)
			}
			if len(res.Names) > n {
				t.Fatalf("round %d: 结果 %d 超过候选数 %d", round, len(res.Names), n)
			}
		}
	}
}

func TestSelectPolaritySymmetry(t *testing.T) {
	p := PolicyFromConfig(config.DefaultPolicy())
	r := rand.New(rand.NewPCG(7, 11))
	for round := 0; round < 300; round++ {
		n := 1 + r.IntN(25)
		scores := make([]float64, n)
		negated := make([]float64, n)
		for i := range scores {
			scores[i] = float64(r.IntN(500)) + r.Float64()
			negated[i] = -scores[i]
		}
		lower := Select(candidates(scores...), true, p)
		higher := Select(candidates(negated...), false, p)

		a := slices.Clone(lower.Names)
		b := slices.Clone(higher.Names)
		slices.Sort(a)
		slices.Sort(b)
		if !slices.Equal(a, b) {
			t.Fatalf("round %d: lower=%v higher(negated)=%v", round, lower.Names, higher.Names)
		}
	}
}

func TestSelectTopNFallback(t *testing.T) {
	// 所有 k 都选不出任何节点时退回前 N 个
	p := Policy{Sigmas: []float64{100}, BandMin: 3, BandMax: 10, FallbackTopN: 2}
	res := Select(candidates(1, 5, 3, 2), false, p)
	if res.Fallback != FallbackTopN {
		t.Fatalf("fallback = %q, want top-n", res.Fallback)
	}
	if !slices.Equal(res.Names, []string{"b", "c"}) {
		t.Errorf("got %v, want [b c]", res.Names)
	}

	res = Select(candidates(1, 5, 3, 2), true, p)
	if !slices.Equal(res.Names, []string{"a", "d"}) {
		t.Errorf("lower is better got %v, want [a d]", res.Names)
	}
}

func TestSelectSmallestAboveMin(t *testing.T) {
	// k 序列只有两档：一档 1 个，一档 12 个，结果应是 12 个的那档
	scores := []float64{100}
	for i := 0; i < 11; i++ {
		scores = append(scores, 50)
	}
	scores = append(scores, 1, 1, 1)
	p := Policy{Sigmas: []float64{1.5, 0}, BandMin: 3, BandMax: 10, FallbackTopN: 5}
	res := Select(candidates(scores...), false, p)
	if res.Fallback != FallbackSmallest {
		t.Fatalf("fallback = %q (names %v)", res.Fallback, res.Names)
	}
	if len(res.Names) != 12 {
		t.Errorf("got %d names, want 12", len(res.Names))
	}
}

func TestSelectEmpty(t *testing.T) {
	res := Select(nil, false, Policy{})
	if len(res.Names) != 0 {
		t.Errorf("空输入应返回空结果")
	}
}
