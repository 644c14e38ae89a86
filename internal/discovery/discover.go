package discovery

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/meshcore/pkg/types"
)

// Discover 依优先级顺序运行每种已启用的发现机制，直到已知对端数量
// 达到 MaxPeers 或所有机制都已尝试过，返回新学到的（不在目录中、且
// 不是本地节点的）对端 id 列表（§4.3 discover）。
func (s *Service) Discover(ctx context.Context) []types.NodeID {
	var learned []types.NodeID
	s.mu.RLock()
	known := make(map[types.NodeID]bool, s.catalog.Len())
	for _, id := range s.catalog.Keys() {
		known[id] = true
	}
	s.mu.RUnlock()
	for _, method := range priorityOrder {
		if !s.cfg.methodEnabled(method) {
			continue
		}
		if s.catalogSize() >= s.cfg.MaxPeers {
			break
		}
		found := s.runMethod(ctx, method)
		for _, id := range found {
			if s.admit(id, known) {
				learned = append(learned, id)
			}
		}
	}
	return learned
}

func (s *Service) catalogSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalog.Len()
}

// admit 判定一个 id 是否算作新学到的对端（not self, not已知）。各发现
// 机制在返回前已经把 id 以最小记录写入目录，所以这里对照的是 Discover
// 开始时的目录快照 known，而不是当前目录；判定通过后把 id 记入 known，
// 避免对同一个 id 重复触发 peers_discovered。
func (s *Service) admit(id types.NodeID, known map[types.NodeID]bool) bool {
	if id == s.local || known[id] {
		return false
	}
	known[id] = true
	return true
}

func (s *Service) runMethod(ctx context.Context, method types.DiscoveryMethod) []types.NodeID {
	switch method {
	case types.DiscoveryMethodDHT:
		return s.discoverViaDHT(ctx)
	case types.DiscoveryMethodPeerExchange:
		return s.discoverViaNeighborExchange(ctx)
	case types.DiscoveryMethodBootstrap:
		return s.discoverViaBootstrap(ctx)
	case types.DiscoveryMethodRelay:
		return s.discoverViaRelay(ctx)
	case types.DiscoveryMethodMDNS:
		return s.discoverViaMDNS(ctx)
	default:
		return nil
	}
}

// discoverViaDHT 对一个随机目标执行一次迭代 lookup，学到的候选即是新
// 发现的对端（§4.3 "DHT lookup against the overlay"）。
func (s *Service) discoverViaDHT(ctx context.Context) []types.NodeID {
	if s.querier == nil {
		s.recordAttempt(types.DiscoveryMethodDHT, false)
		return nil
	}
	nodes, err := s.table.Lookup(ctx, s.querier, types.RandomNodeID())
	s.recordAttempt(types.DiscoveryMethodDHT, err == nil)
	if err != nil {
		return nil
	}
	out := make([]types.NodeID, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.NodeID)
		s.storeMinimal(n.NodeID, n.Capability)
	}
	return out
}

// discoverViaNeighborExchange 向每个已连接对端请求其邻居集合
// （§4.3 "ask each connected peer for its neighbor set"）。
func (s *Service) discoverViaNeighborExchange(ctx context.Context) []types.NodeID {
	connected := s.peers.ConnectedPeers()
	var out []types.NodeID
	anySuccess := false
	for _, peer := range connected {
		resp, err := s.request(ctx, peer.NodeID, types.PeerDiscoveryPayload{Sub: types.DiscoveryNeighborRequest})
		if err != nil {
			continue
		}
		anySuccess = true
		for _, rec := range resp.NeighborPeers {
			out = append(out, rec.NodeID)
			s.storeMinimal(rec.NodeID, rec.Capability)
		}
	}
	s.recordAttempt(types.DiscoveryMethodPeerExchange, anySuccess)
	return out
}

// discoverViaBootstrap 直连配置中的引导节点（§4.3 "connect to
// configured bootstrap ids"）。
func (s *Service) discoverViaBootstrap(ctx context.Context) []types.NodeID {
	var out []types.NodeID
	anySuccess := false
	for _, id := range s.cfg.BootstrapNodes {
		if id == s.local {
			continue
		}
		if err := s.peers.Connect(ctx, id, types.PeerRecord{}); err == nil {
			anySuccess = true
			out = append(out, id)
			s.storeMinimal(id, types.CapabilitySnapshot{})
		}
	}
	s.recordAttempt(types.DiscoveryMethodBootstrap, anySuccess)
	return out
}

// relayCandidateCount 向多少个高带宽已知对端查询目录（§4.3 relay
// "query high-bandwidth known peers for their catalog"）。
const relayCandidateCount = 3

// discoverViaRelay 向带宽最高的若干已知对端请求它们的目录（§4.3）。
func (s *Service) discoverViaRelay(ctx context.Context) []types.NodeID {
	candidates := s.topBandwidthPeers(relayCandidateCount)
	var out []types.NodeID
	anySuccess := false
	for _, c := range candidates {
		resp, err := s.request(ctx, c, types.PeerDiscoveryPayload{Sub: types.DiscoveryPeerListRequest})
		if err != nil {
			continue
		}
		anySuccess = true
		for _, rec := range resp.PeerListPeers {
			out = append(out, rec.NodeID)
			s.storeMinimal(rec.NodeID, rec.Capability)
		}
	}
	s.recordAttempt(types.DiscoveryMethodRelay, anySuccess)
	return out
}

// discoverViaMDNS 通过可选的本地网络发现原语查找对端（§4.3 "local
// network, optional"）；未注入实现时记为失败，不阻塞其它机制。
func (s *Service) discoverViaMDNS(ctx context.Context) []types.NodeID {
	if s.mdns == nil {
		s.recordAttempt(types.DiscoveryMethodMDNS, false)
		return nil
	}
	ads, err := s.mdns.Discover(ctx)
	s.recordAttempt(types.DiscoveryMethodMDNS, err == nil)
	if err != nil {
		return nil
	}
	out := make([]types.NodeID, 0, len(ads))
	for _, ad := range ads {
		out = append(out, ad.PeerID)
		s.observeAdvertisement(ad)
	}
	return out
}

// topBandwidthPeers 返回按带宽估计降序排列的最多 n 个已连接对端。
func (s *Service) topBandwidthPeers(n int) []types.NodeID {
	connected := s.peers.ConnectedPeers()
	for i := 1; i < len(connected); i++ {
		for j := i; j > 0 && connected[j].Capability.Bandwidth > connected[j-1].Capability.Bandwidth; j-- {
			connected[j], connected[j-1] = connected[j-1], connected[j]
		}
	}
	if len(connected) > n {
		connected = connected[:n]
	}
	out := make([]types.NodeID, 0, len(connected))
	for _, c := range connected {
		out = append(out, c.NodeID)
	}
	return out
}

// storeMinimal 在目录中插入（或保留已有的更完整记录）一条最小的占位
// 广告，使该 id 被视为"已知"；完整字段会在收到真实 advertisement 帧
// 时被替换（observeAdvertisement）。
func (s *Service) storeMinimal(id types.NodeID, capSnap types.CapabilitySnapshot) {
	if id == s.local {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.catalog.Peek(id); ok {
		return
	}
	s.catalog.Add(id, catalogEntry{
		ad: types.PeerAdvertisement{PeerID: id, Capability: capSnap, TTL: AdvertisementTTL},
		receivedAt: s.clock.Now(),
	})
}

// request 发送一个 discovery 子请求并阻塞等待其回执或超时；所有
// request/response 对通过 google/uuid 生成的 RequestID 关联。
func (s *Service) request(ctx context.Context, peer types.NodeID, payload types.PeerDiscoveryPayload) (types.PeerDiscoveryPayload, error) {
	reqID := uuid.NewString()
	payload.RequestID = reqID
	ch := make(pendingRequest, 1)

	s.waitMu.Lock()
	s.waiting[reqID] = ch
	s.waitMu.Unlock()
	defer func() {
		s.waitMu.Lock()
		delete(s.waiting, reqID)
		s.waitMu.Unlock()
	}()

	frame := types.Frame{Kind: types.FramePeerDiscovery, Payload: payload}
	if err := s.peers.Send(ctx, peer, frame); err != nil {
		return types.PeerDiscoveryPayload{}, err
	}

	timeout := s.cfg.PathQueryTimeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case resp := <-ch:
		return resp, nil
	case <-tctx.Done():
		return types.PeerDiscoveryPayload{}, ErrNoRoute
	}
}
