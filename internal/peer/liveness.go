package peer

import (
	"context"

	"github.com/taskmesh/meshcore/pkg/types"
)

// livenessLoop 每 PingInterval 对所有已连接对端发起一次 Ping（§4.1）。
func (m *Manager) livenessLoop() {
	defer m.wg.Done()
	ticker := m.cfg.Clock.Ticker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.pingConnected()
		}
	}
}

func (m *Manager) pingConnected() {
	for _, rec := range m.ConnectedPeers() {
		frame := types.Frame{
			Kind:      types.FramePing,
			Timestamp: m.cfg.Clock.Now(),
			Payload:   types.PingPayload{Nonce: m.nextFrameID()},
		}
		_ = m.Send(context.Background(), rec.NodeID, frame)
	}
}

// evictionLoop 驱逐超过 EvictAfter 无活动且没有打开信道的对端（§3、§4.1）。
func (m *Manager) evictionLoop() {
	defer m.wg.Done()
	ticker := m.cfg.Clock.Ticker(m.cfg.EvictAfter / 5)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *Manager) evictStale() {
	now := m.cfg.Clock.Now()
	m.mu.Lock()
	for id, e := range m.peers {
		if e.stream == nil && e.record.Stale(now, m.cfg.EvictAfter) {
			delete(m.peers, id)
		}
	}
	m.mu.Unlock()
}
