package types

import "time"

// FrameKind 帧类型的封闭枚举（§4.1、§9 "replace with a typed event
// enumeration... no string-keyed dispatch" 同样适用于帧分发）。
type FrameKind int

const (
	FramePing FrameKind = iota
	FramePong
	FrameTaskRequest
	FrameTaskResponse
	FrameTaskResult
	FramePeerDiscovery
	FrameVerificationRequest
	FrameVerificationResponse
)

func (k FrameKind) String() string {
	switch k {
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameTaskRequest:
		return "task_request"
	case FrameTaskResponse:
		return "task_response"
	case FrameTaskResult:
		return "task_result"
	case FramePeerDiscovery:
		return "peer_discovery"
	case FrameVerificationRequest:
		return "verification_request"
	case FrameVerificationResponse:
		return "verification_response"
	default:
		return "unknown"
	}
}

// FramePayload 标记接口：每种 FrameKind 对应恰好一个具体负载类型，
// 取代"字符串键 -> 任意值"的动态分发（§9 redesign flag）。
type FramePayload interface {
	frameKind() FrameKind
}

// Frame 对等体之间传输的统一消息帧（§6，线上编码要求字节精确一致）。
type Frame struct {
	FrameID   uint64
	Kind      FrameKind
	From      NodeID
	To        NodeID
	Timestamp time.Time
	Payload   FramePayload
	Signature []byte // 可选，64 字节 Ed25519 detached signature
}

// PingPayload 存活探测（§4.1）。
type PingPayload struct{ Nonce uint64 }

func (PingPayload) frameKind() FrameKind { return FramePing }

// PongPayload 对 Ping 的应答，携带原始发送时间以计算 RTT。
type PongPayload struct {
	Nonce           uint64
	OriginTimestamp time.Time
}

func (PongPayload) frameKind() FrameKind { return FramePong }

// TaskRequestPayload 任务分配通知；IsBackup 区分主执行者与 backup（§4.4）。
// PayloadCompressed 标记 Task.Payload 是否已由 Peer Manager 的发送路径
// 用 zstd 压缩；任务负载是不透明字节，体积未知，是否压缩由发送方按
// 阈值决定，接收方据此标志透明解压。
type TaskRequestPayload struct {
	Assignment        TaskAssignment
	Task              TaskRequest
	IsBackup          bool
	PayloadCompressed bool
}

func (TaskRequestPayload) frameKind() FrameKind { return FrameTaskRequest }

// TaskResponsePayload 被指派节点对分配的确认/拒绝。
type TaskResponsePayload struct {
	TaskID  TaskID
	Accepted bool
}

func (TaskResponsePayload) frameKind() FrameKind { return FrameTaskResponse }

// TaskResultPayload 执行结果回传给提交者（§4.4 submit_result）。
type TaskResultPayload struct {
	Result            TaskResult
	Error             string // 非空表示任务以失败收尾，仍然恰好一帧（§8 不变式）
	PayloadCompressed bool
}

func (TaskResultPayload) frameKind() FrameKind { return FrameTaskResult }

// DiscoveryPayloadKind 区分 PeerDiscovery 帧内部的子消息种类（§6）。
type DiscoveryPayloadKind int

const (
	DiscoveryFindNode DiscoveryPayloadKind = iota
	DiscoveryFindNodeResp
	DiscoveryNeighborRequest
	DiscoveryNeighborResponse
	DiscoveryPeerListRequest
	DiscoveryPeerListResponse
	DiscoveryPathQuery
	DiscoveryPathResponse
	DiscoveryAdvertisement
	DiscoverySecurityAlert
	DiscoveryPartitionHealing
	DiscoveryPartitionHealingResp
)

// PeerDiscoveryPayload 统一承载 §6 列出的全部 discovery 子消息；每种
// 子种类只填充对应字段，由 Sub 字段指明应读取哪一个（仍是封闭集合，
// 而不是任意字符串键的 map）。
type PeerDiscoveryPayload struct {
	Sub DiscoveryPayloadKind

	RequestID string

	FindNodeTarget NodeID
	Nodes          []DHTNode

	NeighborPeers []PeerRecord

	PeerListPeers []PeerRecord

	PathDestination NodeID
	HasPath         bool

	Advertisement PeerAdvertisement

	SecurityAlertPeer     NodeID
	SecurityAlertSeverity string
	SecurityAlertAt       time.Time

	PartitionAffected []NodeID
}

func (PeerDiscoveryPayload) frameKind() FrameKind { return FramePeerDiscovery }

// VerificationRequestPayload 验证请求帧负载（§4.5）。
type VerificationRequestPayload struct {
	Request VerificationRequest
}

func (VerificationRequestPayload) frameKind() FrameKind { return FrameVerificationRequest }

// VerificationResponsePayload 验证回执帧负载。
type VerificationResponsePayload struct {
	Response VerificationResponse
}

func (VerificationResponsePayload) frameKind() FrameKind { return FrameVerificationResponse }

// PeerAdvertisement 对端的能力/端点广播记录（§4.3）。
type PeerAdvertisement struct {
	PeerID              NodeID
	PublicKey           []byte
	Capability          CapabilitySnapshot
	Endpoints           []string
	DiscoveryMethods    []DiscoveryMethod
	Timestamp           time.Time
	TTL                 time.Duration
	Signature           []byte
}

// DiscoveryMethod 发现机制的封闭枚举，按 §4.3 给出的优先级从高到低排列。
type DiscoveryMethod int

const (
	DiscoveryMethodDHT DiscoveryMethod = iota
	DiscoveryMethodPeerExchange
	DiscoveryMethodBootstrap
	DiscoveryMethodRelay
	DiscoveryMethodMDNS
)

func (m DiscoveryMethod) String() string {
	switch m {
	case DiscoveryMethodDHT:
		return "dht"
	case DiscoveryMethodPeerExchange:
		return "peer_exchange"
	case DiscoveryMethodBootstrap:
		return "bootstrap"
	case DiscoveryMethodRelay:
		return "relay"
	case DiscoveryMethodMDNS:
		return "mdns"
	default:
		return "unknown"
	}
}
