package check

import "testing"

// TestLogDecay 打印曲线，并检查边界与单调性
func TestLogDecay(t *testing.T) {
	amp, base := 500.0, 100.0
	fn := NewLogDecay(amp, 0.01, base)

	prev := 0
	for i := 0; i <= 1000; i += 50 {
		v := RoundInt(fn(float64(i)))
		t.Logf("%-5d %d", i, v)
		if v > i {
			t.Errorf("log(%d) = %d, 不应超过请求值", i, v)
		}
		if float64(v) > amp+base+0.5 {
			t.Errorf("log(%d) = %d, 超过上限 %.0f", i, v, amp+base)
		}
		if v < prev {
			t.Errorf("不单调: %d -> %d", prev, v)
		}
		prev = v
	}
}

func TestLatencyConcurrency(t *testing.T) {
	if got := latencyConcurrency(8, 3); got != 3 {
		t.Errorf("配置值应受候选数限制, got %d", got)
	}
	if got := latencyConcurrency(0, 0); got != 1 {
		t.Errorf("最小并发为 1, got %d", got)
	}
	for _, n := range []int{1, 10, 100, 1000, 10000} {
		got := latencyConcurrency(0, n)
		if got < 1 || got > 32 || got > n {
			t.Errorf("latencyConcurrency(0, %d) = %d", n, got)
		}
	}
}
