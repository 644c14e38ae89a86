package types

import "time"

// PartitionStatus 分区生命周期状态（§3）。
type PartitionStatus int

const (
	PartitionDetected PartitionStatus = iota
	PartitionHealing
	PartitionHealed
	PartitionPermanent
)

func (s PartitionStatus) String() string {
	switch s {
	case PartitionDetected:
		return "detected"
	case PartitionHealing:
		return "healing"
	case PartitionHealed:
		return "healed"
	case PartitionPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// NetworkPartition 一次检测到的网络分区及其愈合进度（§3）。
type NetworkPartition struct {
	ID              string
	DetectedAt      time.Time
	Affected        []NodeID
	Bridges         []NodeID
	HealingAttempts int
	Status          PartitionStatus
}

// BreakerState 断路器三态机（§4.6）。
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ServiceKey 断路器保护的下游服务键（§4.6）。
type ServiceKey string

const (
	ServiceNetwork      ServiceKey = "network"
	ServiceDHT          ServiceKey = "dht"
	ServiceVerification ServiceKey = "verification"
	ServiceDiscovery    ServiceKey = "discovery"
)

// CircuitBreaker 单个下游服务的断路器状态（§3）。
type CircuitBreaker struct {
	ServiceKey   ServiceKey
	State        BreakerState
	FailureCount int
	LastFailure  time.Time
	Threshold    int
	Timeout      time.Duration
	ResetAt      time.Time
}

// HealthSample 一次健康度复合采样（§4.6）。
type HealthSample struct {
	Timestamp    time.Time
	Connectivity float64
	Latency      float64
	Throughput   float64
	Reliability  float64
	Security     float64
	Composite    float64
}

// RoutingPath 到某个目的地的一条多跳路由路径及其打分输入（§3）。
type RoutingPath struct {
	Destination NodeID
	Hops        []NodeID // 含目的地本身
	LatencyMS   float64
	Reliability float64
	LastUsed    time.Time
	UsageCount  int
}
