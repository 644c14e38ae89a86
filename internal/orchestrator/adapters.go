package orchestrator

import (
	"context"

	"github.com/taskmesh/meshcore/internal/discovery"
	"github.com/taskmesh/meshcore/internal/peer"
	"github.com/taskmesh/meshcore/pkg/types"
)

// pingerAdapter 让 Peer Manager 满足 dht.Pinger：Routing 需要的方法名是
// Ping，Peer Manager 导出的等价能力叫 Reachable（它复用 Connect 的重试
// /退避策略，而不是另起一套探测协议），两者语义一致，只是命名各自贴
// 合所在子系统的视角。
type pingerAdapter struct {
	manager *peer.Manager
}

func (p pingerAdapter) Ping(ctx context.Context, id types.NodeID) bool {
	return p.manager.Reachable(ctx, id)
}

// discoverAdapter 让 discovery.Service 满足 resilience.DiscoveryAccess。
// discovery.Service.Discover 按自身语义返回新发现的 NodeID 列表而不是
// error——两者是为各自子系统独立设计的窄接口，没有理由强迫其中一个
// 改变形状去匹配另一个（§9 redesign flag "back-references between
// subsystems" 的反面：协作面不应该因为某个消费者的方便而污染生产者）。
type discoverAdapter struct {
	svc *discovery.Service
}

func (d discoverAdapter) Discover(ctx context.Context) error {
	d.svc.Discover(ctx)
	return nil
}
