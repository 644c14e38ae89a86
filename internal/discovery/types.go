// Package discovery 实现 Peer Discovery（§4.3）：引导、邻居交换、relay
// 发现、可选 mDNS，本地广告目录，以及多跳路由路径的评分与维护。本包是
// 唯一允许变更广告目录与 RoutingPath 表的地方（§3 "Cross-component
// references are by node_id ... never direct references"：目录以
// NodeID 为键，不持有其它子系统的直接引用）。
package discovery

import (
	"time"

	"github.com/taskmesh/meshcore/pkg/types"
)

// AdvertisementTTL 一条广告记录的默认有效期（§4.3）。
const AdvertisementTTL = 5 * time.Minute

// MethodStats 单个发现机制的调用统计（§4.3 "records attempts/successes/
// failures; success rate informs a per-method health indicator but does
// not disable methods"）。
type MethodStats struct {
	Attempts  int
	Successes int
	Failures  int
}

// SuccessRate 返回该机制目前的成功率；尚无尝试时返回 1（乐观默认值，
// 不会因为缺乏样本就被判定为不健康）。
func (s MethodStats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 1
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// priorityOrder 是 §4.3 规定的发现机制优先级，从高到低。
var priorityOrder = []types.DiscoveryMethod{
	types.DiscoveryMethodDHT,
	types.DiscoveryMethodPeerExchange,
	types.DiscoveryMethodBootstrap,
	types.DiscoveryMethodRelay,
	types.DiscoveryMethodMDNS,
}

// Config 配置 Discovery 的可调参数（§6）。
type Config struct {
	MaxPeers          int
	BootstrapNodes     []types.NodeID
	EnabledMethods     []types.DiscoveryMethod
	DiscoveryInterval time.Duration
	PathRefreshInterval time.Duration
	PathQueryTimeout  time.Duration
}

// DefaultConfig 返回 §6 列出的默认值；默认启用全部机制，mDNS 在没有
// LocalAnnouncer 时自然退化为零成功率而不会阻塞其它机制。
func DefaultConfig() Config {
	return Config{
		MaxPeers: 50,
		EnabledMethods: []types.DiscoveryMethod{
			types.DiscoveryMethodDHT,
			types.DiscoveryMethodPeerExchange,
			types.DiscoveryMethodBootstrap,
			types.DiscoveryMethodRelay,
			types.DiscoveryMethodMDNS,
		},
		DiscoveryInterval:   30 * time.Second,
		PathRefreshInterval: 60 * time.Second,
		PathQueryTimeout:    3 * time.Second,
	}
}

func (c Config) methodEnabled(m types.DiscoveryMethod) bool {
	for _, e := range c.EnabledMethods {
		if e == m {
			return true
		}
	}
	return false
}
