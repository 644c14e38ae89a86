package orchestrator

import (
	"time"

	"github.com/taskmesh/meshcore/internal/dispatch"
	"github.com/taskmesh/meshcore/internal/discovery"
	"github.com/taskmesh/meshcore/internal/peer"
	"github.com/taskmesh/meshcore/internal/resilience"
	"github.com/taskmesh/meshcore/internal/verification"
	"github.com/taskmesh/meshcore/pkg/interfaces"
	"github.com/taskmesh/meshcore/pkg/lib/sign"
	"github.com/taskmesh/meshcore/pkg/types"
)

// Config 是 Orchestrator 接受的唯一配置入口（§9 "accepts only an
// in-memory Config value"）：命令行/配置文件解析属于 cmd/meshnode 的
// 职责，核心本身不解析任何外部格式。
type Config struct {
	identity  *sign.KeyPair
	transport interfaces.Transport
	telemetry interfaces.CapabilitySource
	decision  interfaces.DecisionHelper
	settle    interfaces.SettlementLayer
	localAnnouncer discovery.LocalAnnouncer

	maxPeers             int
	bootstrapNodes       []types.NodeID
	discoveryMethods     []types.DiscoveryMethod
	trustedPeers         []types.NodeID
	verificationRequired bool
	networkResilience    bool

	taskTimeout         time.Duration
	verificationTimeout time.Duration
	pingInterval        time.Duration
	discoveryInterval   time.Duration
	healthInterval      time.Duration

	memoryLimitBytes uint64
}

// Option 是 Config 的函数式选项（§6 Configuration "recognized
// options"）。
type Option func(*Config)

// DefaultConfig 返回 §6 列出的全部默认值；身份密钥与 transport 必须
// 通过选项注入，没有安全的默认值可言。
func DefaultConfig() Config {
	return Config{
		maxPeers: 50,
		discoveryMethods: []types.DiscoveryMethod{
			types.DiscoveryMethodDHT,
			types.DiscoveryMethodPeerExchange,
			types.DiscoveryMethodBootstrap,
			types.DiscoveryMethodRelay,
			types.DiscoveryMethodMDNS,
		},
		verificationRequired: true,
		networkResilience:    true,
		taskTimeout:           dispatch.DefaultMaxExecutionTime,
		verificationTimeout:   verification.DefaultConfig().Deadline,
		pingInterval:          peer.PingInterval,
		discoveryInterval:     discovery.DefaultConfig().DiscoveryInterval,
		healthInterval:        resilience.HealthInterval,
	}
}

// WithIdentity 注入本地节点的静态 Ed25519 身份密钥；未注入时 New 会
// 现场生成一个临时密钥，仅适合单进程测试（不会持久化）。
func WithIdentity(kp sign.KeyPair) Option {
	return func(c *Config) { c.identity = &kp }
}

// WithTransport 注入对端间消息流原语（§1 外部协作方）。缺失时 New 直接
// 返回 ErrNoTransport。
func WithTransport(t interfaces.Transport) Option {
	return func(c *Config) { c.transport = t }
}

// WithCapabilitySource 注入设备侧遥测源；未注入时落到
// internal/telemetry 的默认主机遥测实现（§9 Open Questions 第一条）。
func WithCapabilitySource(s interfaces.CapabilitySource) Option {
	return func(c *Config) { c.telemetry = s }
}

// WithDecisionHelper 注入本地资源决策助手（§4.7 "consults the external
// decision helper"）。未注入时入站任务一律自动接受。
func WithDecisionHelper(d interfaces.DecisionHelper) Option {
	return func(c *Config) { c.decision = d }
}

// WithSettlementLayer 注入结算层；未注入时任务完成事件仍然发出，只是
// 没有人记录奖励发放。
func WithSettlementLayer(s interfaces.SettlementLayer) Option {
	return func(c *Config) { c.settle = s }
}

// WithLocalAnnouncer 注入可选的 mDNS 实现（§4.3 "local network,
// optional"）。
func WithLocalAnnouncer(a discovery.LocalAnnouncer) Option {
	return func(c *Config) { c.localAnnouncer = a }
}

// WithMaxPeers 覆盖 max_peers（默认 50）。
func WithMaxPeers(n int) Option {
	return func(c *Config) { c.maxPeers = n }
}

// WithBootstrapNodes 覆盖 bootstrap_nodes（默认空）。
func WithBootstrapNodes(ids ...types.NodeID) Option {
	return func(c *Config) { c.bootstrapNodes = append([]types.NodeID{}, ids...) }
}

// WithDiscoveryMethods 覆盖 discovery_methods 子集。
func WithDiscoveryMethods(methods ...types.DiscoveryMethod) Option {
	return func(c *Config) { c.discoveryMethods = append([]types.DiscoveryMethod{}, methods...) }
}

// WithTrustedPeers 覆盖 trusted_peers："auto-added to the trusted set,
// not subject to blacklisting by reputation alone"。
func WithTrustedPeers(ids ...types.NodeID) Option {
	return func(c *Config) { c.trustedPeers = append([]types.NodeID{}, ids...) }
}

// WithVerificationRequired 覆盖 verification_required（默认 true）。
func WithVerificationRequired(v bool) Option {
	return func(c *Config) { c.verificationRequired = v }
}

// WithNetworkResilience 覆盖 network_resilience（默认 true）：关闭时
// Resilience 的 health/recovery/security 三条循环都不启动，因此既没有
// 分区检测与安全扫描，也没有健康采样与失联恢复；断路器与帧速率计数
// 仍然记录。
func WithNetworkResilience(v bool) Option {
	return func(c *Config) { c.networkResilience = v }
}

// WithTaskTimeout 覆盖 task_timeout_ms（默认 300000）。
func WithTaskTimeout(d time.Duration) Option {
	return func(c *Config) { c.taskTimeout = d }
}

// WithVerificationTimeout 覆盖 verification_timeout_ms（默认 60000）。
func WithVerificationTimeout(d time.Duration) Option {
	return func(c *Config) { c.verificationTimeout = d }
}

// WithPingInterval 覆盖 ping_interval_ms（默认 30000）。
func WithPingInterval(d time.Duration) Option {
	return func(c *Config) { c.pingInterval = d }
}

// WithDiscoveryInterval 覆盖 discovery_interval_ms（默认 30000）。
func WithDiscoveryInterval(d time.Duration) Option {
	return func(c *Config) { c.discoveryInterval = d }
}

// WithHealthInterval 覆盖 health_interval_ms（默认 10000）。
func WithHealthInterval(d time.Duration) Option {
	return func(c *Config) { c.healthInterval = d }
}

// WithMemoryLimit 启用堆驱动的内存压力监控（§4.6），limitBytes==0（默认）
// 时跳过，不注册 go-watchdog。
func WithMemoryLimit(limitBytes uint64) Option {
	return func(c *Config) { c.memoryLimitBytes = limitBytes }
}

func (c Config) discoveryConfig() discovery.Config {
	cfg := discovery.DefaultConfig()
	cfg.MaxPeers = c.maxPeers
	cfg.BootstrapNodes = c.bootstrapNodes
	cfg.EnabledMethods = c.discoveryMethods
	cfg.DiscoveryInterval = c.discoveryInterval
	return cfg
}

func (c Config) verificationConfig() verification.Config {
	return verification.Config{Deadline: c.verificationTimeout}
}

func (c Config) dispatchConfig() dispatch.Config {
	cfg := dispatch.DefaultConfig()
	cfg.MaxExecutionTime = c.taskTimeout
	return cfg
}

func (c Config) resilienceConfig() resilience.Config {
	cfg := resilience.DefaultConfig()
	cfg.HealthInterval = c.healthInterval
	return cfg
}

func (c Config) peerConfig() peer.Config {
	cfg := peer.DefaultConfig()
	cfg.PingInterval = c.pingInterval
	return cfg
}
