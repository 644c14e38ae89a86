// Package resilience 实现 §4.6：健康度采样、分区检测与愈合、断路器、
// 安全监控与隔离、以及对端失联后的恢复跟踪。本包是唯一允许变更
// types.CircuitBreaker、types.NetworkPartition 与安全黑名单状态的地方
// （§5 "per circuit breaker state transitions are serialized by
// Resilience's lock"）。
package resilience

import (
	"context"
	"time"

	"github.com/taskmesh/meshcore/pkg/types"
)

// HealthInterval / RecoveryInterval / SecurityInterval §5 定时器清单。
const (
	HealthInterval   = 10 * time.Second
	RecoveryInterval = 30 * time.Second
	SecurityInterval = 5 * time.Second
)

// HealthHistorySize §4.6 health "last 100 retained"。
const HealthHistorySize = 100

// HealingAttemptsMax §4.6 partition healing "up to 3 per partition"。
const HealingAttemptsMax = 3

// HealedReconnectRatio §4.6 "Healed when ≥80% of affected peers reconnect"。
const HealedReconnectRatio = 0.8

// PartitionRatioThreshold §4.6 "connected/max(1,known) < 0.3"。
const PartitionRatioThreshold = 0.3

// SpamFrameRateFloor §9 Open Question #3："rate-limit thresholds... floor:
// 50 frames/sec per peer"。
const SpamFrameRateFloor = 50

// MaliciousLowReputationThreshold / MaliciousMinVerifications /
// MaliciousErrorRateThreshold / MaliciousMinVerificationsForErrorRate
// §4.6 security monitoring "malicious peer" 判定门槛。
const (
	MaliciousLowReputationThreshold      = 0.2
	MaliciousMinVerifications            = 5
	MaliciousErrorRateThreshold          = 0.5
	MaliciousMinVerificationsForErrorRate = 10
)

// BreakerThreshold / BreakerTimeout §4.6 circuit breaker 参数。
const (
	BreakerThreshold = 5
	BreakerTimeout   = 60 * time.Second
)

// RecoveryBackoffBase / RecoveryMaxAttempts §4.6 recovery tracking
// "exponential backoff (1s, 2s, 4s) up to 3 attempts"。
const (
	RecoveryBackoffBase  = 1 * time.Second
	RecoveryMaxAttempts  = 3
)

// ReplacementCoreTolerance / ReplacementRAMToleranceGB §4.6 "replacement
// peer with similar capabilities (within ±2 cores, ±4 GB ram, same gpu
// flag)"。
const (
	ReplacementCoreTolerance   = 2
	ReplacementRAMToleranceGB  = 4.0
)

// PeerAccess 是 Resilience 依赖的 Peer Manager 协作面。
type PeerAccess interface {
	Connect(ctx context.Context, peer types.NodeID, advertised types.PeerRecord) error
	Disconnect(peer types.NodeID) error
	Broadcast(ctx context.Context, frame types.Frame) int
	Send(ctx context.Context, peer types.NodeID, frame types.Frame) error
	ConnectedPeers() []types.PeerRecord
	AllPeers() []types.PeerRecord
	PeerInfo(peer types.NodeID) (types.PeerRecord, bool)
	InvalidSignatureCount(peer types.NodeID) int
}

// DiscoveryAccess 是 Resilience 依赖的 Discovery 协作面（§4.6 healing
// "ask each still-connected bridge peer to share its catalog; force
// discovery"）。
type DiscoveryAccess interface {
	Discover(ctx context.Context) error
}

// VerificationSource 是 Resilience 恶意对端判定所需要的验证统计只读
// 访问面。
type VerificationSource interface {
	Score(peer types.NodeID) float64
	Snapshot(peer types.NodeID) (types.ReputationScore, bool)
}

// ReputationPenalizer 是 Resilience 对无效签名/恶意对端施加信誉惩罚的
// 写入面，由 internal/verification.ReputationStore 实现。
type ReputationPenalizer interface {
	Penalize(peer types.NodeID, severity float64)
}

// Config 是 Resilience 的可调参数。
type Config struct {
	HealthInterval   time.Duration
	RecoveryInterval time.Duration
	SecurityInterval time.Duration
	SpamRateFloor    int
}

// DefaultConfig 返回 §4.6/§5 给出的默认值。
func DefaultConfig() Config {
	return Config{
		HealthInterval:   HealthInterval,
		RecoveryInterval: RecoveryInterval,
		SecurityInterval: SecurityInterval,
		SpamRateFloor:    SpamFrameRateFloor,
	}
}
