package discovery

import (
	"context"

	"github.com/taskmesh/meshcore/pkg/types"
)

const (
	neighborResponseLimit = 10 // §6 neighbor_response "peers: [PeerRecord; ≤10]"
	peerListResponseLimit = 20 // §6 peer_list_response "peers: [PeerRecord; ≤20]"
)

// HandleFrame 处理 FramePeerDiscovery 帧中 Discovery 关心的子种类
// （FIND_NODE 由 internal/routing/dht.Service 单独处理；security_alert
// 与 partition_healing 由 internal/resilience 单独处理；本方法对不认识
// 的 Sub 静默忽略，各子系统互不越界处理对方的子消息，§9 redesign
// flag "message passing, never call across ownership boundaries"）。
func (s *Service) HandleFrame(frame types.Frame) {
	payload, ok := frame.Payload.(types.PeerDiscoveryPayload)
	if !ok {
		return
	}
	ctx := context.Background()
	switch payload.Sub {
	case types.DiscoveryNeighborRequest:
		s.replyNeighbors(ctx, frame.From, payload.RequestID)
	case types.DiscoveryNeighborResponse:
		s.deliver(payload)
	case types.DiscoveryPeerListRequest:
		s.replyPeerList(ctx, frame.From, payload.RequestID)
	case types.DiscoveryPeerListResponse:
		s.deliver(payload)
	case types.DiscoveryPathQuery:
		s.replyPathQuery(ctx, frame.From, payload)
	case types.DiscoveryPathResponse:
		s.deliver(payload)
	case types.DiscoveryAdvertisement:
		s.observeAdvertisement(payload.Advertisement)
	}
}

func (s *Service) deliver(payload types.PeerDiscoveryPayload) {
	s.waitMu.Lock()
	ch, ok := s.waiting[payload.RequestID]
	s.waitMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- payload:
	default:
	}
}

func (s *Service) replyNeighbors(ctx context.Context, to types.NodeID, requestID string) {
	connected := s.peers.ConnectedPeers()
	out := make([]types.PeerRecord, 0, neighborResponseLimit)
	for _, p := range connected {
		if p.NodeID == to {
			continue
		}
		out = append(out, p)
		if len(out) >= neighborResponseLimit {
			break
		}
	}
	reply := types.Frame{
		Kind: types.FramePeerDiscovery,
		Payload: types.PeerDiscoveryPayload{
			Sub:           types.DiscoveryNeighborResponse,
			RequestID:     requestID,
			NeighborPeers: out,
		},
	}
	_ = s.peers.Send(ctx, to, reply)
}

func (s *Service) replyPeerList(ctx context.Context, to types.NodeID, requestID string) {
	known := s.peers.AllPeers()
	out := make([]types.PeerRecord, 0, peerListResponseLimit)
	for _, p := range known {
		if p.NodeID == to {
			continue
		}
		out = append(out, p)
		if len(out) >= peerListResponseLimit {
			break
		}
	}
	reply := types.Frame{
		Kind: types.FramePeerDiscovery,
		Payload: types.PeerDiscoveryPayload{
			Sub:           types.DiscoveryPeerListResponse,
			RequestID:     requestID,
			PeerListPeers: out,
		},
	}
	_ = s.peers.Send(ctx, to, reply)
}

// replyPathQuery 回答是否有通往 destination 的已知路径：该节点在本地
// 路由表中，或 Peer Manager 记录它处于已连接状态，都算"有路径"（§6
// path_response "has_path"）；仅出现在广告目录中不算。
func (s *Service) replyPathQuery(ctx context.Context, to types.NodeID, payload types.PeerDiscoveryPayload) {
	hasPath := s.table.Contains(payload.PathDestination)
	if !hasPath {
		if info, ok := s.peers.PeerInfo(payload.PathDestination); ok && info.Status == types.StatusConnected {
			hasPath = true
		}
	}
	reply := types.Frame{
		Kind: types.FramePeerDiscovery,
		Payload: types.PeerDiscoveryPayload{
			Sub:       types.DiscoveryPathResponse,
			RequestID: payload.RequestID,
			HasPath:   hasPath,
		},
	}
	_ = s.peers.Send(ctx, to, reply)
}
