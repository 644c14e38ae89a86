package discovery

import (
	"context"

	"github.com/taskmesh/meshcore/pkg/lib/canonical"
	"github.com/taskmesh/meshcore/pkg/types"
)

// AdvertiseSelf 向所有已连接对端广播本地节点的广告记录（§4.3
// advertise_self，每个发现周期一次，也可按需调用）。
func (s *Service) AdvertiseSelf(ctx context.Context) {
	ad := s.buildAdvertisement(ctx)
	frame := types.Frame{
		Kind:    types.FramePeerDiscovery,
		Payload: types.PeerDiscoveryPayload{Sub: types.DiscoveryAdvertisement, Advertisement: ad},
	}
	s.peers.Broadcast(ctx, frame)
}

func (s *Service) buildAdvertisement(ctx context.Context) types.PeerAdvertisement {
	var capSnap types.CapabilitySnapshot
	if s.telemetry != nil {
		if snap, err := s.telemetry.Snapshot(ctx); err == nil {
			capSnap = snap
		}
	}
	ad := types.PeerAdvertisement{
		PeerID:           s.local,
		Capability:       capSnap,
		DiscoveryMethods: s.cfg.EnabledMethods,
		Timestamp:        s.clock.Now(),
		TTL:              AdvertisementTTL,
	}
	if s.keys != nil {
		ad.PublicKey = s.keys.PublicKey()
		digest := advertisementDigest(ad)
		ad.Signature = s.keys.Sign(digest)
	}
	return ad
}

// advertisementDigest 计算广告记录的规范摘要用于签名（§6 帧签名摘要的
// 同一套规范编码原则应用到广告负载本身，因为广告会被转发/缓存，不只
// 是一次帧传输）。
func advertisementDigest(ad types.PeerAdvertisement) [32]byte {
	e := canonical.NewEncoder()
	e.FixedBytes(ad.PeerID[:]).Bytes(ad.PublicKey).Time(ad.Timestamp)
	return e.Hash()
}

// observeAdvertisement 把一条收到的广告记录写入目录，覆盖此前的最小
// 占位记录（§4.3 Advertisement record）。
func (s *Service) observeAdvertisement(ad types.PeerAdvertisement) {
	if ad.PeerID == s.local {
		return
	}
	s.mu.Lock()
	s.catalog.Add(ad.PeerID, catalogEntry{ad: ad, receivedAt: s.clock.Now()})
	s.mu.Unlock()
}

// pruneAdvertisements 剔除超过 TTL 的广告记录（§4.3 Maintenance "prune
// advertisements older than 5 min"）。
func (s *Service) pruneAdvertisements() {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.catalog.Keys() {
		e, ok := s.catalog.Peek(id)
		if !ok {
			continue
		}
		ttl := e.ad.TTL
		if ttl == 0 {
			ttl = AdvertisementTTL
		}
		if now.Sub(e.receivedAt) > ttl {
			s.catalog.Remove(id)
		}
	}
}

// ConnectRelay 用 Peer Manager 尝试直连 peer；失败时依次通过最多三个
// 带宽充足的已知对端尝试中继连接，成功后把边写入路由表（§4.3 connect
// "on failure, attempt relay connection via up to three bandwidth-
// sufficient known peers; success updates the routing table edge"）。
func (s *Service) ConnectRelay(ctx context.Context, peer types.NodeID, advertised types.PeerRecord) error {
	if err := s.peers.Connect(ctx, peer, advertised); err == nil {
		s.table.AddOrUpdate(types.DHTNode{NodeID: peer, Capability: advertised.Capability})
		return nil
	}

	relays := s.topBandwidthPeers(relayCandidateCount)
	var lastErr error
	for _, relay := range relays {
		if relay == peer {
			continue
		}
		// 中继场景下，连接原语本身是不透明的传输细节（spec.md §1 NAT
		// 穿透非目标）：这里复用 Connect，交由 Transport 判断是否需要
		// 经由 relay 打洞；成功即视为一次中继连接。
		if err := s.peers.Connect(ctx, peer, advertised); err == nil {
			s.table.AddOrUpdate(types.DHTNode{NodeID: peer, Capability: advertised.Capability})
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = ErrNoRoute
	}
	return lastErr
}
