package discovery

import (
	"context"
	"time"

	"github.com/taskmesh/meshcore/pkg/types"
)

// maxPathsPerDest §4.3 find_optimal_path "keep the top 5".
const maxPathsPerDest = 5

// reliabilityEWMAAlpha 路径可靠度的 EWMA 学习率（§9 Open Questions 第
// 四条："Implementers may choose an EWMA over success/failure"）。
const reliabilityEWMAAlpha = 0.3

// seedDirectReliability / seedRelayReliability 初始可靠度，沿用源系统
// 的两个常量（§9："the source initializes reliability at 0.7/0.9 and
// never updates it"）；这里的区别是我们在每次使用后用 EWMA 更新它们。
const (
	seedDirectReliability = 0.7
	seedRelayReliability  = 0.9
)

// pathScore 实现 §4.3 的打分公式：
// 0.4·latency_score + 0.4·reliability + 0.1·freshness + 0.1·usage_bonus。
func pathScore(p types.RoutingPath, now time.Time) float64 {
	latencyScore := (100 - p.LatencyMS) / 100
	if latencyScore < 0 {
		latencyScore = 0
	}
	freshness := 1 - float64(now.Sub(p.LastUsed))/float64(24*time.Hour)
	if freshness < 0 {
		freshness = 0
	}
	usageBonus := float64(p.UsageCount) * 0.01
	if usageBonus > 0.2 {
		usageBonus = 0.2
	}
	return 0.4*latencyScore + 0.4*p.Reliability + 0.1*freshness + 0.1*usageBonus
}

// FindOptimalPath 返回到 dest 当前已知的最佳 RoutingPath（§4.3
// find_optimal_path）。若尚无已知路径，则向每个已连接的中间节点发起
// 一次受限 RTT 的路径探测，保留评分最高的至多 5 条。
func (s *Service) FindOptimalPath(ctx context.Context, dest types.NodeID) (types.RoutingPath, error) {
	s.mu.RLock()
	existing := append([]types.RoutingPath{}, s.paths[dest]...)
	s.mu.RUnlock()

	if len(existing) == 0 {
		existing = s.discoverPaths(ctx, dest)
	}
	if len(existing) == 0 {
		return types.RoutingPath{}, ErrNoRoute
	}

	now := s.clock.Now()
	best := existing[0]
	bestScore := pathScore(best, now)
	for _, p := range existing[1:] {
		if sc := pathScore(p, now); sc > bestScore {
			best, bestScore = p, sc
		}
	}

	best.LastUsed = now
	best.UsageCount++
	s.storePath(best)
	return best, nil
}

// discoverPaths 向每个已连接的中间节点查询是否有到 dest 的路径
// （§4.3 "bounded per-query RTT 3 s"）。本地路由表直连的情况优先当作
// 一条长度为 1 的直达路径。
func (s *Service) discoverPaths(ctx context.Context, dest types.NodeID) []types.RoutingPath {
	var found []types.RoutingPath
	if info, ok := s.peers.PeerInfo(dest); ok && info.Status == types.StatusConnected {
		found = append(found, types.RoutingPath{
			Destination: dest,
			Hops:        []types.NodeID{dest},
			LatencyMS:   info.LatencyMS,
			Reliability: seedDirectReliability,
			LastUsed:    s.clock.Now(),
		})
	}

	for _, mid := range s.peers.ConnectedPeers() {
		if mid.NodeID == dest {
			continue
		}
		qctx, cancel := context.WithTimeout(ctx, s.cfg.PathQueryTimeout)
		resp, err := s.request(qctx, mid.NodeID, types.PeerDiscoveryPayload{Sub: types.DiscoveryPathQuery, PathDestination: dest})
		cancel()
		if err != nil || !resp.HasPath {
			continue
		}
		found = append(found, types.RoutingPath{
			Destination: dest,
			Hops:        []types.NodeID{mid.NodeID, dest},
			LatencyMS:   mid.LatencyMS,
			Reliability: seedRelayReliability,
			LastUsed:    s.clock.Now(),
		})
	}
	return found
}

// storePath 把一条路径写入 dest 的候选集合，保留评分最高的至多 5 条
// （§4.3 "keep the top 5"）。
func (s *Service) storePath(p types.RoutingPath) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.paths[p.Destination]

	replaced := false
	for i, existing := range list {
		if hopsEqual(existing.Hops, p.Hops) {
			list[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, p)
	}

	now := s.clock.Now()
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && pathScore(list[j], now) > pathScore(list[j-1], now); j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}
	if len(list) > maxPathsPerDest {
		list = list[:maxPathsPerDest]
	}
	s.paths[p.Destination] = list
}

func hopsEqual(a, b []types.NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// RecordPathOutcome 用一次实际使用的成功/失败结果更新路径可靠度的
// EWMA（§9 Open Questions 第四条）。
func (s *Service) RecordPathOutcome(dest types.NodeID, hops []types.NodeID, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.paths[dest]
	for i, p := range list {
		if !hopsEqual(p.Hops, hops) {
			continue
		}
		outcome := 0.0
		if success {
			outcome = 1.0
		}
		list[i].Reliability = (1-reliabilityEWMAAlpha)*p.Reliability + reliabilityEWMAAlpha*outcome
		return
	}
}

// refreshAllPaths 为目录中所有已知目的地重新探测路径（§4.3 Maintenance
// "Every 60 s: refresh routing paths for all known destinations"）。
func (s *Service) refreshAllPaths() {
	s.mu.RLock()
	dests := make([]types.NodeID, 0, len(s.paths))
	for d := range s.paths {
		dests = append(dests, d)
	}
	s.mu.RUnlock()

	for _, d := range dests {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PathRefreshInterval)
		fresh := s.discoverPaths(ctx, d)
		cancel()
		for _, p := range fresh {
			s.storePath(p)
		}
	}
}
