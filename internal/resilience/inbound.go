package resilience

import (
	"context"

	"github.com/taskmesh/meshcore/pkg/types"
)

// HandleFrame 处理 FramePeerDiscovery 帧中 Resilience 关心的子种类：
// security_alert 与 partition_healing（及其回执）。其余子种类属于
// internal/discovery 的职责范围，本方法对它们静默忽略（§9 redesign
// flag "message passing, never call across ownership boundaries"）。
func (s *Service) HandleFrame(frame types.Frame) {
	payload, ok := frame.Payload.(types.PeerDiscoveryPayload)
	if !ok {
		return
	}
	ctx := context.Background()
	switch payload.Sub {
	case types.DiscoverySecurityAlert:
		s.handleSecurityAlert(payload)
	case types.DiscoveryPartitionHealing:
		s.handlePartitionHealingRequest(ctx, frame.From, payload)
	case types.DiscoveryPartitionHealingResp:
		s.handlePartitionHealingResponse(payload)
	}
}

// handleSecurityAlert 接受受信对端广播的恶意对端通知：施加一次信誉
// 惩罚并把该对端标记为本地隔离，但不主动断开——广播者已经断开了它,
// 本地只是提前避免再把它选为候选（§4.6 "quarantine/blacklist and a
// signed security_alert broadcast to trusted peers"）。
func (s *Service) handleSecurityAlert(p types.PeerDiscoveryPayload) {
	if s.security.Quarantined(p.SecurityAlertPeer) {
		return
	}
	s.security.quarantined[p.SecurityAlertPeer] = true
	if s.penalizer != nil {
		s.penalizer.Penalize(p.SecurityAlertPeer, 0.5)
	}
	s.logger.Warnw("security alert received", "peer", p.SecurityAlertPeer.String(), "severity", p.SecurityAlertSeverity)
	s.bus.Emit(types.Event{
		Kind:             types.EventSecurityAlertReceived,
		At:               p.SecurityAlertAt,
		SecurityPeer:     p.SecurityAlertPeer,
		SecuritySeverity: p.SecurityAlertSeverity,
	})
}

// handlePartitionHealingRequest 回应请求方的分区愈合请求（§4.6 healing
// "ask each still-connected bridge peer to share its catalog"）：回报
// 受影响对端中本节点 Peer Manager 有记录的那些，不论其当前连接状态。
func (s *Service) handlePartitionHealingRequest(ctx context.Context, from types.NodeID, p types.PeerDiscoveryPayload) {
	var reachable []types.NodeID
	for _, id := range p.PartitionAffected {
		if _, ok := s.peers.PeerInfo(id); ok {
			reachable = append(reachable, id)
		}
	}
	resp := types.Frame{
		Kind: types.FramePeerDiscovery,
		Payload: types.PeerDiscoveryPayload{
			Sub:               types.DiscoveryPartitionHealingResp,
			PartitionAffected: reachable,
		},
	}
	_ = s.peers.Send(ctx, from, resp)
}

// handlePartitionHealingResponse 把桥接对端回报的可达对端直接尝试
// 重连，绕过完整的 healPartition 步骤序列——这是 healByBridgeCatalog
// 发出请求之后收到的异步回执。
func (s *Service) handlePartitionHealingResponse(p types.PeerDiscoveryPayload) {
	ctx := context.Background()
	for _, id := range p.PartitionAffected {
		if rec, ok := s.peers.PeerInfo(id); ok {
			_ = s.peers.Connect(ctx, id, rec)
		}
	}
}
