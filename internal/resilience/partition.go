package resilience

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/meshcore/pkg/types"
)

// partitionTracker 跟踪当前处于 Detected/Healing 状态的分区；已经
// Healed 或 Permanent 的分区不再占用内存（§3 NetworkPartition）。
type partitionTracker struct {
	mu     sync.Mutex
	active map[string]*types.NetworkPartition
}

func newPartitionTracker() *partitionTracker {
	return &partitionTracker{active: make(map[string]*types.NetworkPartition)}
}

// detect 实现 §4.6 partition detection："connected/max(1,known) < 0.3"。
// connected 中的对端同时也是可用于协助愈合的 bridges。返回 nil 表示未
// 检测到新分区（已经有一个活跃分区在跟踪时也返回 nil，不重复创建）。
func (p *partitionTracker) detect(now time.Time, connected, known []types.NodeID) *types.NetworkPartition {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.active) > 0 {
		return nil
	}

	connectedSet := make(map[types.NodeID]bool, len(connected))
	for _, id := range connected {
		connectedSet[id] = true
	}
	denom := len(known)
	if denom < 1 {
		denom = 1
	}
	ratio := float64(len(connected)) / float64(denom)
	if ratio >= PartitionRatioThreshold {
		return nil
	}

	var affected []types.NodeID
	for _, id := range known {
		if !connectedSet[id] {
			affected = append(affected, id)
		}
	}
	if len(affected) == 0 {
		return nil
	}

	part := &types.NetworkPartition{
		ID:         uuid.NewString(),
		DetectedAt: now,
		Affected:   affected,
		Bridges:    connected,
		Status:     types.PartitionDetected,
	}
	p.active[part.ID] = part
	return part
}

// healingOutcome 是一次愈合尝试（direct reconnect / bridge catalog share
// / force discovery）的结果回报，用于判断是否达到 Healed 比例。
type healingOutcome struct {
	attempted []types.NodeID
	reconnected []types.NodeID
}

// recordHealingAttempt 实现 §4.6 的愈合状态机：Healed 在 ≥80% 受影响对
// 端重连后触发；三次尝试后仍未达成则转 Permanent。
func (p *partitionTracker) recordHealingAttempt(id string, outcome healingOutcome) (types.NetworkPartition, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	part, ok := p.active[id]
	if !ok {
		return types.NetworkPartition{}, false
	}

	part.HealingAttempts++
	part.Status = types.PartitionHealing

	reconnectedSet := make(map[types.NodeID]bool, len(outcome.reconnected))
	for _, id := range outcome.reconnected {
		reconnectedSet[id] = true
	}
	var stillAffected []types.NodeID
	for _, id := range part.Affected {
		if !reconnectedSet[id] {
			stillAffected = append(stillAffected, id)
		}
	}

	reconnectedRatio := 0.0
	if len(part.Affected) > 0 {
		reconnectedRatio = float64(len(part.Affected)-len(stillAffected)) / float64(len(part.Affected))
	}

	switch {
	case reconnectedRatio >= HealedReconnectRatio:
		part.Status = types.PartitionHealed
		delete(p.active, id)
	case part.HealingAttempts >= HealingAttemptsMax:
		part.Status = types.PartitionPermanent
		delete(p.active, id)
	default:
		part.Affected = stillAffected
	}

	return *part, true
}

// Active 返回当前仍处于 Detected/Healing 状态的分区快照列表。
func (p *partitionTracker) Active() []types.NetworkPartition {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.NetworkPartition, 0, len(p.active))
	for _, part := range p.active {
		out = append(out, *part)
	}
	return out
}
