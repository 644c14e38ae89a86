package verification

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/taskmesh/meshcore/pkg/types"
)

// ReputationStore 持有每个对端的信誉统计，是 §3 ReputationScore 的唯一
// 变更者（只有 finalize 的 record 与 Penalize 写入，其余只读）。新对端首次出现返回
// types.DefaultReputation，不预先写入任何记录。
type ReputationStore struct {
	mu    sync.RWMutex
	clock clock.Clock
	byID  map[types.NodeID]*types.ReputationScore
}

// NewReputationStore 创建一个空的信誉表。
func NewReputationStore(clk clock.Clock) *ReputationStore {
	if clk == nil {
		clk = clock.New()
	}
	return &ReputationStore{clock: clk, byID: make(map[types.NodeID]*types.ReputationScore)}
}

// Score 实现 ReputationSource，供本包的 verifier 选取与
// dispatch.ReputationSource 消费。
func (r *ReputationStore) Score(peer types.NodeID) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.byID[peer]; ok {
		return rec.Score
	}
	return types.DefaultReputation
}

// Snapshot 返回对端的完整信誉记录（诊断/测试用）。
func (r *ReputationStore) Snapshot(peer types.NodeID) (types.ReputationScore, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[peer]
	if !ok {
		return types.ReputationScore{}, false
	}
	return *rec, true
}

// Top 返回按信誉分数降序排列的前 n 个已记录对端。
func (r *ReputationStore) Top(n int) []types.ReputationScore {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ReputationScore, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// record §4.5 reputation update on finalization，针对单个回应者执行一次
// correct/false_positive/false_negative 统计更新并重新计算 score。
func (r *ReputationStore) record(peer types.NodeID, responseIsValid, majorityApproved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[peer]
	if !ok {
		rec = &types.ReputationScore{Peer: peer, Score: types.DefaultReputation}
		r.byID[peer] = rec
	}

	rec.Total++
	correct := responseIsValid == majorityApproved
	switch {
	case correct:
		rec.Correct++
	case responseIsValid && !majorityApproved:
		rec.FalsePositive++
	case !responseIsValid && majorityApproved:
		rec.FalseNegative++
	}

	accuracy := float64(rec.Correct) / float64(rec.Total)
	errorRate := float64(rec.FalsePositive+rec.FalseNegative) / float64(rec.Total)
	score := accuracy - 0.5*errorRate
	rec.Score = clamp01(score)
	rec.LastUpdated = r.clock.Now()
}

// Penalize 直接扣减一个对端的信誉分数，不经过 accuracy/error_rate 公式
// （§4.6 "invalid-signature counts against reputation" —— 这是一条独立
// 于 §4.5 验证问责的惩罚路径，由 Resilience 的安全监控驱动）。
func (r *ReputationStore) Penalize(peer types.NodeID, severity float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[peer]
	if !ok {
		rec = &types.ReputationScore{Peer: peer, Score: types.DefaultReputation}
		r.byID[peer] = rec
	}
	rec.Score = clamp01(rec.Score - severity)
	rec.LastUpdated = r.clock.Now()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
