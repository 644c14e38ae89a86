package resilience

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/taskmesh/meshcore/pkg/types"
)

// recoveryAttempt 跟踪单个失联对端的重连退避状态（§4.6 recovery tracking
// "exponential backoff (1s, 2s, 4s) up to 3 attempts"）。
type recoveryAttempt struct {
	peer     types.NodeID
	attempts int
	nextAt   time.Time
	lastKnown types.PeerRecord
}

type recoveryTracker struct {
	mu      sync.Mutex
	clock   clock.Clock
	pending map[types.NodeID]*recoveryAttempt
}

func newRecoveryTracker(clk clock.Clock) *recoveryTracker {
	return &recoveryTracker{clock: clk, pending: make(map[types.NodeID]*recoveryAttempt)}
}

// Track 在对端失联时登记一次恢复跟踪；已在跟踪中的对端不重置退避。
func (r *recoveryTracker) Track(peer types.PeerRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[peer.NodeID]; ok {
		return
	}
	r.pending[peer.NodeID] = &recoveryAttempt{
		peer:      peer.NodeID,
		lastKnown: peer,
		nextAt:    r.clock.Now().Add(RecoveryBackoffBase),
	}
}

// Forget 在对端重新建立连接后停止跟踪。
func (r *recoveryTracker) Forget(peer types.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, peer)
}

// due 返回当前已到期、应当尝试重连的恢复记录快照。
func (r *recoveryTracker) due(now time.Time) []recoveryAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recoveryAttempt
	for _, a := range r.pending {
		if !now.Before(a.nextAt) {
			out = append(out, *a)
		}
	}
	return out
}

// backoff 实现 1s/2s/4s 指数退避序列。attempts 从 0 起数。
func backoff(attempts int) time.Duration {
	mult := math.Pow(2, float64(attempts))
	return time.Duration(float64(RecoveryBackoffBase) * mult)
}

// recordAttempt 记录一次重连尝试的结果：成功则停止跟踪，失败则推进
// 退避计时；超过 RecoveryMaxAttempts 后放弃并返回 exhausted=true，调用方
// 据此转入寻找替代对端的路径。
func (r *recoveryTracker) recordAttempt(peer types.NodeID, success bool) (exhausted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.pending[peer]
	if !ok {
		return false
	}
	if success {
		delete(r.pending, peer)
		return false
	}
	a.attempts++
	if a.attempts >= RecoveryMaxAttempts {
		delete(r.pending, peer)
		return true
	}
	a.nextAt = r.clock.Now().Add(backoff(a.attempts))
	return false
}

// similarCapability 实现 §4.6 "replacement peer with similar capabilities
// (within ±2 cores, ±4 GB ram, same gpu flag)"。
func similarCapability(want, have types.CapabilitySnapshot) bool {
	coreDelta := want.CPUCores - have.CPUCores
	if coreDelta < 0 {
		coreDelta = -coreDelta
	}
	ramDelta := want.RAMGB - have.RAMGB
	if ramDelta < 0 {
		ramDelta = -ramDelta
	}
	return coreDelta <= ReplacementCoreTolerance && ramDelta <= ReplacementRAMToleranceGB && want.GPU == have.GPU
}

// findReplacement 在当前已知对端中寻找与失联对端能力相近、尚未连接的
// 候选（§4.6 recovery "a replacement peer with similar capabilities is
// sought"）。
func findReplacement(lost types.PeerRecord, known []types.PeerRecord, connected map[types.NodeID]bool) (types.PeerRecord, bool) {
	for _, cand := range known {
		if cand.NodeID == lost.NodeID || connected[cand.NodeID] {
			continue
		}
		if similarCapability(lost.Capability, cand.Capability) {
			return cand, true
		}
	}
	return types.PeerRecord{}, false
}

// attemptReconnect 尝试直接重连一个失联对端，用于 recovery 循环。
func attemptReconnect(ctx context.Context, peers PeerAccess, rec types.PeerRecord) bool {
	return peers.Connect(ctx, rec.NodeID, rec) == nil
}
