package resilience

import (
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/taskmesh/meshcore/pkg/types"
)

// frameRateWindow 是 spam/DDoS 判定使用的滑动窗口宽度：每个对端在每个
// 窗口内的帧数若超过 SpamFrameRateFloor 即触发一次安全事件（§4.6/§9
// Open Question #3 "rate-limit thresholds... floor: 50 frames/sec per
// peer"）。用 murmur3 对 NodeID 做分桶只是为了把计数器数组从一个会无
// 限增长的 map 换成固定大小的环形桶，桶数足够大时碰撞不影响判定。
const frameRateBuckets = 256

type securityMonitor struct {
	peers        PeerAccess
	verification VerificationSource
	penalizer    ReputationPenalizer
	rateFloor    int

	bucketWindowStart time.Time
	bucketCounts      [frameRateBuckets]int

	quarantined map[types.NodeID]bool
}

func newSecurityMonitor(peers PeerAccess, verification VerificationSource, penalizer ReputationPenalizer, rateFloor int) *securityMonitor {
	if rateFloor <= 0 {
		rateFloor = SpamFrameRateFloor
	}
	return &securityMonitor{
		peers:        peers,
		verification: verification,
		penalizer:    penalizer,
		rateFloor:    rateFloor,
		quarantined:  make(map[types.NodeID]bool),
	}
}

func frameRateBucket(peer types.NodeID) uint32 {
	return murmur3.Sum32(peer[:]) % frameRateBuckets
}

// recordFrame 为一次收到的帧计数；超过 rateFloor 时返回 true，表示疑似
// spam/DDoS 来源（§4.6 "spam/DDoS detection via per-peer frame rate
// tracking"）。窗口每秒翻转一次。
func (m *securityMonitor) recordFrame(peer types.NodeID, now time.Time) bool {
	if now.Sub(m.bucketWindowStart) >= time.Second {
		m.bucketWindowStart = now
		for i := range m.bucketCounts {
			m.bucketCounts[i] = 0
		}
	}
	b := frameRateBucket(peer)
	m.bucketCounts[b]++
	return m.bucketCounts[b] > m.rateFloor
}

// maliciousPeer 实现 §4.6 的恶意对端判定："reputation < 0.2 with ≥5
// verifications, OR error_rate > 0.5 with ≥10 verifications"。
func maliciousPeer(snap types.ReputationScore) bool {
	if snap.Total >= MaliciousMinVerifications && snap.Score < MaliciousLowReputationThreshold {
		return true
	}
	if snap.Total >= MaliciousMinVerificationsForErrorRate {
		errorRate := float64(snap.FalsePositive+snap.FalseNegative) / float64(snap.Total)
		if errorRate > MaliciousErrorRateThreshold {
			return true
		}
	}
	return false
}

// sweep 扫一遍当前已连接对端，发现恶意行为或过量无效签名的即隔离、
// 惩罚信誉并返回需要广播 security_alert 的对端列表（§4.6 "quarantine/
// blacklist and a signed security_alert broadcast to trusted peers"）。
func (m *securityMonitor) sweep() []types.NodeID {
	var alerts []types.NodeID
	for _, p := range m.peers.ConnectedPeers() {
		if m.quarantined[p.NodeID] {
			continue
		}

		flagged := false
		if snap, ok := m.verification.Snapshot(p.NodeID); ok && maliciousPeer(snap) {
			flagged = true
		}
		if m.peers.InvalidSignatureCount(p.NodeID) >= MaliciousMinVerifications {
			flagged = true
		}

		if flagged {
			m.quarantined[p.NodeID] = true
			if m.penalizer != nil {
				m.penalizer.Penalize(p.NodeID, 1.0)
			}
			alerts = append(alerts, p.NodeID)
		}
	}
	return alerts
}

// Quarantined 报告一个对端是否已被安全监控隔离。
func (m *securityMonitor) Quarantined(peer types.NodeID) bool {
	return m.quarantined[peer]
}
