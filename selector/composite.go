package selector

import "sort"

// Measurements 单个节点在各服务上的测量值，0 或缺失表示失败
type Measurements map[string]float64

// ServiceMeans 每个服务在所有成功节点上的平均值，没有成功节点时为 1
func ServiceMeans(rows []Measurements) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, row := range rows {
		for svc, v := range row {
			if _, ok := sums[svc]; !ok {
				sums[svc] = 0
			}
			if v > 0 {
				sums[svc] += v
				counts[svc]++
			}
		}
	}

	means := make(map[string]float64, len(sums))
	for svc, sum := range sums {
		if counts[svc] == 0 {
			means[svc] = 1
			continue
		}
		means[svc] = sum / float64(counts[svc])
	}
	return means
}

// CompositeScores 按服务均值归一化后取平均，与输入一一对应
// 恰好等于每个服务均值的节点得分为 1.0，没有任何有效测量的节点得分为 0
func CompositeScores(rows []Measurements) []float64 {
	means := ServiceMeans(rows)

	scores := make([]float64, len(rows))
	for i, row := range rows {
		// 固定服务顺序，保证浮点累加结果可复现
		svcs := make([]string, 0, len(row))
		for svc, v := range row {
			if v > 0 {
				svcs = append(svcs, svc)
			}
		}
		if len(svcs) == 0 {
			continue
		}
		sort.Strings(svcs)

		var sum float64
		for _, svc := range svcs {
			sum += row[svc] / means[svc]
		}
		scores[i] = sum / float64(len(svcs))
	}
	return scores
}
