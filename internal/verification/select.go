package verification

import "github.com/taskmesh/meshcore/pkg/types"

// verifierScore 排序用中间结构。
type verifierScore struct {
	id    types.NodeID
	score float64
}

// eligibleVerifiers 实现 §4.5 verifier selection：所有已连接对端里除
// 执行者以外的，按容量（cores/ram 至少需求的一半）、热状态、信誉过滤，
// 再按 `0.7·reputation + 0.3·(200−latency)/200` 降序排列，取前
// MaxVerifiers 个。
func eligibleVerifiers(peers []types.PeerRecord, executor types.NodeID, required types.Requirements, reputation ReputationSource) []types.NodeID {
	minCores := ceilHalf(required.CPUCores)
	// ram 不取 ⌈·⌉：RAMGB 建模为 float64，一半本身就是精确值，没有
	// 整数化需要；cores 取半是因为 CPUCores 是整数，才需要 ceilHalf。
	minRAM := required.MemoryGB / 2

	scored := make([]verifierScore, 0, len(peers))
	for _, p := range peers {
		if p.NodeID == executor {
			continue
		}
		if p.Capability.CPUCores < minCores {
			continue
		}
		if p.Capability.RAMGB < minRAM {
			continue
		}
		if p.Capability.Thermal == types.ThermalCritical {
			continue
		}
		rep := reputation.Score(p.NodeID)
		if rep < MinVerifierReputation {
			continue
		}
		latencyTerm := (200 - p.LatencyMS) / 200
		if latencyTerm < 0 {
			latencyTerm = 0
		}
		score := 0.7*rep + 0.3*latencyTerm
		scored = append(scored, verifierScore{id: p.NodeID, score: score})
	}

	for i := 1; i < len(scored); i++ {
		for j := i; j > 0 && scored[j].score > scored[j-1].score; j-- {
			scored[j], scored[j-1] = scored[j-1], scored[j]
		}
	}

	if len(scored) > MaxVerifiers {
		scored = scored[:MaxVerifiers]
	}
	out := make([]types.NodeID, len(scored))
	for i, s := range scored {
		out[i] = s.id
	}
	return out
}

func ceilHalf(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + 1) / 2
}

// ReputationSource 是信誉只读访问面，由本包自身的 Store 实现，也是
// Dispatch 消费的同一接口形状（保持信誉语义在两个消费者之间一致）。
type ReputationSource interface {
	Score(peer types.NodeID) float64
}
