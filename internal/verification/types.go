// Package verification 实现 Byzantine 式多验证者共识（§4.5）：验证者
// 选取、本地子检查、回执记录、共识判定与信誉更新。本包是唯一允许变更
// VerificationOutcome 与 ReputationScore 的地方（§3、§5 "per outcome the
// transitions are serialized by Verification's lock"）。
package verification

import (
	"context"
	"sync"
	"time"

	"github.com/taskmesh/meshcore/pkg/types"
)

// MinVerifiers / MaxVerifiers §4.5 request_verification："minimum 3,
// maximum 7"。
const (
	MinVerifiers = 3
	MaxVerifiers = 7
)

// MinVerifierReputation §4.5 verifier selection 过滤门槛。
const MinVerifierReputation = 0.3

// ConsensusThreshold §4.5 consensus："approvals/n ≥ 0.67"。
const ConsensusThreshold = 0.67

// ConfidenceThreshold §4.5 "is_valid iff confidence ≥ 0.7 AND output_valid"。
const ConfidenceThreshold = 0.7

// Config 是 Verification 的可调参数。
type Config struct {
	Deadline time.Duration
}

// DefaultConfig §4.5 request_verification："arm a 60 s deadline"。
func DefaultConfig() Config {
	return Config{Deadline: 60 * time.Second}
}

// PeerAccess 是 Verification 依赖的 Peer Manager 协作面。
type PeerAccess interface {
	Send(ctx context.Context, peer types.NodeID, frame types.Frame) error
	Broadcast(ctx context.Context, frame types.Frame) int
	ConnectedPeers() []types.PeerRecord
	PeerInfo(peer types.NodeID) (types.PeerRecord, bool)
}

// Signer 本地身份密钥：签名本节点发出的验证请求/回执。
type Signer interface {
	PublicKey() []byte
	Sign(digest [32]byte) []byte
}

// pendingOutcome 是单次验证请求在本节点侧的完整跟踪状态（§3
// VerificationOutcome，§5 "per outcome the transitions are serialized by
// Verification's lock"）。
type pendingOutcome struct {
	mu         sync.Mutex
	outcome    types.VerificationOutcome
	verifiers  map[types.NodeID]bool // 被选中的验证者集合，用于拒绝非选中者的回执
	responders map[types.NodeID]bool // 已经记录过回执的验证者，用于去重
	executor   types.NodeID
	finalized  bool
}
