package selector

import "testing"

func TestCompositeMeanCandidateScoresOne(t *testing.T) {
	rows := []Measurements{
		{"github": 100, "npm": 40, "pypi": 10},
		{"github": 300, "npm": 20, "pypi": 30},
		{"github": 200, "npm": 30, "pypi": 20}, // 每个服务都恰好是均值
	}
	scores := CompositeScores(rows)
	if scores[2] != 1.0 {
		t.Fatalf("均值节点得分 = %v, want 1.0", scores[2])
	}
}

func TestCompositeExcludesFailures(t *testing.T) {
	rows := []Measurements{
		{"github": 100, "npm": 0},
		{"github": 300, "npm": 50},
		{"github": 0, "npm": 0},
	}
	means := ServiceMeans(rows)
	if means["github"] != 200 {
		t.Errorf("github mean = %v, want 200", means["github"])
	}
	if means["npm"] != 50 {
		t.Errorf("npm mean = %v, want 50 (失败节点不计入)", means["npm"])
	}

	scores := CompositeScores(rows)
	if scores[0] != 0.5 {
		t.Errorf("score[0] = %v, want 0.5 (只计算成功的服务)", scores[0])
	}
	if scores[1] != 1.25 {
		t.Errorf("score[1] = %v, want 1.25", scores[1])
	}
	if scores[2] != 0 {
		t.Errorf("没有有效测量的节点得分应为 0, got %v", scores[2])
	}
}

func TestCompositeNoSuccessDefaultsMean(t *testing.T) {
	rows := []Measurements{{"crates": 0}, {"crates": 0}}
	if m := ServiceMeans(rows)["crates"]; m != 1 {
		t.Errorf("无成功节点时均值应为 1, got %v", m)
	}
	for i, s := range CompositeScores(rows) {
		if s != 0 {
			t.Errorf("score[%d] = %v, want 0", i, s)
		}
	}
}

func TestCompositeScaleIndependent(t *testing.T) {
	// 一个服务天然带宽大，不应主导综合分
	rows := []Measurements{
		{"big": 10000, "small": 10},
		{"big": 20000, "small": 5},
	}
	scores := CompositeScores(rows)
	if scores[0] != scores[1] {
		t.Errorf("两节点各有一项翻倍，得分应相同: %v", scores)
	}
}
