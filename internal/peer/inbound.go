package peer

import (
	"context"

	"github.com/taskmesh/meshcore/pkg/interfaces"
	"github.com/taskmesh/meshcore/pkg/lib/canonical"
	"github.com/taskmesh/meshcore/pkg/lib/sign"
	"github.com/taskmesh/meshcore/pkg/types"
)

// signingDigest 重建 §6 规定的签名摘要：(kind, from, to, timestamp, canonical(payload))。
func signingDigest(frame types.Frame) [32]byte {
	return canonical.FrameSigningDigest(
		frame.Kind, frame.From, frame.To, frame.Timestamp.UnixMilli(),
		canonical.FramePayloadBytes(frame.Payload),
	)
}

// OnFrame 为某一帧类型注册处理器；上层子系统（Routing/Discovery/
// Dispatch/Verification）以这种方式接收入站帧，Peer Manager 自身只
// 负责 Ping/Pong（§4.1 "surface inbound frames to upper layers"）。
func (m *Manager) OnFrame(kind types.FrameKind, handler func(types.Frame)) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[kind] = append(m.handlers[kind], handler)
}

// startRecvLoop 为一条新建立的信道起一个接收协程，直到信道关闭。
func (m *Manager) startRecvLoop(peer types.NodeID, stream interfaces.Stream) {
	m.connWG.Add(1)
	go func() {
		defer m.connWG.Done()
		ctx := context.Background()
		for {
			frame, err := stream.Recv(ctx)
			if err != nil {
				m.logger.Debugw("recv loop ending", "peer", peer.String(), "error", err)
				_ = m.Disconnect(peer)
				return
			}
			m.handleInbound(peer, frame)
		}
	}()
}

// handleInbound 校验签名、处理 Ping/Pong、并将其余帧分发给订阅者
// （§4.1、§7 "Parse errors / SignatureInvalid: 帧被丢弃并计数"）。
func (m *Manager) handleInbound(peer types.NodeID, frame types.Frame) {
	m.mu.Lock()
	e, ok := m.peers[peer]
	if ok {
		e.record.LastSeen = m.cfg.Clock.Now()
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if len(frame.Signature) > 0 && len(e.record.PublicKey) > 0 {
		digest := signingDigest(frame)
		valid, err := sign.Verify(e.record.PublicKey, digest, frame.Signature)
		if err != nil || !valid {
			m.mu.Lock()
			e.invalidSignatures++
			m.mu.Unlock()
			m.logger.Warnw("dropping frame with invalid signature", "peer", peer.String(), "kind", frame.Kind.String())
			return
		}
	}

	switch frame.Kind {
	case types.FramePing:
		ping, ok := frame.Payload.(types.PingPayload)
		if !ok {
			return
		}
		pong := types.Frame{
			Kind: types.FramePong,
			Payload: types.PongPayload{
				Nonce:           ping.Nonce,
				OriginTimestamp: frame.Timestamp,
			},
		}
		_ = m.Send(context.Background(), peer, pong)
	case types.FramePong:
		pong, ok := frame.Payload.(types.PongPayload)
		if !ok {
			return
		}
		rtt := m.cfg.Clock.Now().Sub(pong.OriginTimestamp)
		m.mu.Lock()
		e.record.LatencyMS = float64(rtt.Milliseconds())
		m.mu.Unlock()
	default:
		m.handlersMu.RLock()
		hs := append([]func(types.Frame){}, m.handlers[frame.Kind]...)
		m.handlersMu.RUnlock()
		for _, h := range hs {
			h(frame)
		}
	}
}

// InvalidSignatureCount 返回目前为止来自某个对端的无效签名帧数量，
// Resilience 的安全监控据此判定是否需要隔离（§4.6）。
func (m *Manager) InvalidSignatureCount(peer types.NodeID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.peers[peer]
	if !ok {
		return 0
	}
	return e.invalidSignatures
}
