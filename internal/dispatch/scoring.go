package dispatch

import "github.com/taskmesh/meshcore/pkg/types"

// MinReputation §4.4 candidate filter "rejects any peer with ... reputation
// <0.5"。
const MinReputation = 0.5

// candidate 是候选评分所需要的全部输入：能力快照、信誉、当前测得的延迟。
type candidate struct {
	id         types.NodeID
	capability types.CapabilitySnapshot
	reputation float64
	latencyMS  float64
}

// passesFilter 实现 §4.4 候选过滤："rejects any peer with insufficient
// cores, insufficient ram, gpu required but absent, thermal=Critical, or
// reputation <0.5"。容量/GPU/热状态部分复用 types.CapabilitySnapshot.
// Satisfies；信誉门槛在这里单独检查。
func (c candidate) passesFilter(req types.Requirements) bool {
	if !c.capability.Satisfies(req) {
		return false
	}
	return c.reputation >= MinReputation
}

// score 实现 §4.4 的候选评分函数（分越高越好）：
//
//	min(cores/required, 2)·30
//	min(ram/required, 2)·25
//	reputation·20
//	15 if latency<100ms, 10 if <200ms, else 5
//	thermal bonus: Nominal +10, Fair +5, Serious −5, Critical −20
func (c candidate) score(req types.Requirements) float64 {
	s := 0.0

	if req.CPUCores > 0 {
		ratio := float64(c.capability.CPUCores) / float64(req.CPUCores)
		if ratio > 2 {
			ratio = 2
		}
		s += ratio * 30
	} else {
		s += 2 * 30
	}

	if req.MemoryGB > 0 {
		ratio := c.capability.RAMGB / req.MemoryGB
		if ratio > 2 {
			ratio = 2
		}
		s += ratio * 25
	} else {
		s += 2 * 25
	}

	s += c.reputation * 20

	switch {
	case c.latencyMS < 100:
		s += 15
	case c.latencyMS < 200:
		s += 10
	default:
		s += 5
	}

	switch c.capability.Thermal {
	case types.ThermalNominal:
		s += 10
	case types.ThermalFair:
		s += 5
	case types.ThermalSerious:
		s -= 5
	case types.ThermalCritical:
		s -= 20
	}

	return s
}

// rankCandidates 过滤并按分数降序排列候选节点（§4.4 submit "rank by a
// scoring function"）。
func rankCandidates(cands []candidate, req types.Requirements) []candidate {
	filtered := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if c.passesFilter(req) {
			filtered = append(filtered, c)
		}
	}
	for i := 1; i < len(filtered); i++ {
		for j := i; j > 0 && filtered[j].score(req) > filtered[j-1].score(req); j-- {
			filtered[j], filtered[j-1] = filtered[j-1], filtered[j]
		}
	}
	return filtered
}
