package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/taskmesh/meshcore/internal/eventbus"
	"github.com/taskmesh/meshcore/internal/routing/dht"
	"github.com/taskmesh/meshcore/pkg/interfaces"
	"github.com/taskmesh/meshcore/pkg/lib/log"
	"github.com/taskmesh/meshcore/pkg/types"
)

// PeerAccess 是 Discovery 依赖的 Peer Manager 协作面（§5 "used only
// through the Peer Manager"）。
type PeerAccess interface {
	Send(ctx context.Context, peer types.NodeID, frame types.Frame) error
	Broadcast(ctx context.Context, frame types.Frame) int
	Connect(ctx context.Context, peer types.NodeID, advertised types.PeerRecord) error
	ConnectedPeers() []types.PeerRecord
	AllPeers() []types.PeerRecord
	PeerInfo(peer types.NodeID) (types.PeerRecord, bool)
}

// LocalAnnouncer 是可选的本地网络发现原语（mDNS，§4.3 "local network,
// optional"）。没有注入实现时，mDNS 方法直接记为失败，不阻塞其它机制。
type LocalAnnouncer interface {
	Announce(ctx context.Context, ad types.PeerAdvertisement) error
	Discover(ctx context.Context) ([]types.PeerAdvertisement, error)
}

// catalogEntry 广告目录中的一条记录及其接收时间，用于 TTL 剪除。
type catalogEntry struct {
	ad       types.PeerAdvertisement
	receivedAt time.Time
}

// pendingRequest 等待中的 discovery 子请求的回执通道。
type pendingRequest chan types.PeerDiscoveryPayload

// Service 是 Peer Discovery 的唯一实现（§4.3）。
type Service struct {
	local   types.NodeID
	peers   PeerAccess
	table   *dht.Table
	querier dht.Querier
	mdns    LocalAnnouncer
	telemetry interfaces.CapabilitySource
	keys    publicKeySource
	bus     *eventbus.Bus
	cfg     Config
	clock   clock.Clock
	logger  *zap.SugaredLogger

	mu        sync.RWMutex
	catalog   *lru.Cache[types.NodeID, catalogEntry]
	stats     map[types.DiscoveryMethod]MethodStats
	paths     map[types.NodeID][]types.RoutingPath
	closed    bool

	waitMu  sync.Mutex
	waiting map[string]pendingRequest

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// publicKeySource 提供本地静态公钥，用于给广告记录签名；Orchestrator
// 把节点身份密钥注入进来。
type publicKeySource interface {
	PublicKey() []byte
	Sign(digest [32]byte) []byte
}

// New 创建一个 Discovery Service，尚未启动维护循环。
func New(local types.NodeID, peers PeerAccess, table *dht.Table, querier dht.Querier, telemetry interfaces.CapabilitySource, keys publicKeySource, bus *eventbus.Bus, cfg Config) *Service {
	catalog, _ := lru.New[types.NodeID, catalogEntry](cfg.MaxPeers)
	return &Service{
		local:     local,
		peers:     peers,
		table:     table,
		querier:   querier,
		telemetry: telemetry,
		keys:      keys,
		bus:       bus,
		cfg:       cfg,
		clock:     clock.New(),
		logger:    log.Logger("discovery"),
		catalog:   catalog,
		stats:     make(map[types.DiscoveryMethod]MethodStats),
		paths:     make(map[types.NodeID][]types.RoutingPath),
		waiting:   make(map[string]pendingRequest),
		stopCh:    make(chan struct{}),
	}
}

// SetMDNS 注入一个可选的本地网络发现原语；不调用时 mDNS 方法总是记为失败。
func (s *Service) SetMDNS(a LocalAnnouncer) { s.mdns = a }

// SetClock 替换内部时钟（测试用）。
func (s *Service) SetClock(c clock.Clock) { s.clock = c }

// Start 启动 discover→advertise→prune→topology 循环（每 30s）以及路径
// 刷新循环（每 60s），§4.3 Maintenance。
func (s *Service) Start() {
	s.wg.Add(2)
	go s.maintenanceLoop()
	go s.pathRefreshLoop()
}

// Stop 终止所有维护循环（§5 "all timers stop"）。
func (s *Service) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Service) maintenanceLoop() {
	defer s.wg.Done()
	ticker := s.clock.Ticker(s.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DiscoveryInterval)
			newPeers := s.Discover(ctx)
			s.AdvertiseSelf(ctx)
			s.pruneAdvertisements()
			s.recomputeTopology()
			cancel()
			if len(newPeers) > 0 {
				s.bus.Emit(types.Event{Kind: types.EventPeersDiscovered, At: s.clock.Now(), Peers: newPeers})
			}
		}
	}
}

func (s *Service) pathRefreshLoop() {
	defer s.wg.Done()
	ticker := s.clock.Ticker(s.cfg.PathRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.refreshAllPaths()
		}
	}
}

// recomputeTopology 把目录中已知的广告折算为路由表边：广告者必然是
// 可达的（否则广告不会到达本节点），因此直接喂给 Routing 层维护其表
// （§4.3 "recompute topology edges"）。
func (s *Service) recomputeTopology() {
	s.mu.RLock()
	keys := s.catalog.Keys()
	s.mu.RUnlock()
	for _, id := range keys {
		s.mu.RLock()
		entry, ok := s.catalog.Peek(id)
		s.mu.RUnlock()
		if !ok {
			continue
		}
		s.table.AddOrUpdate(types.DHTNode{NodeID: id, Capability: entry.ad.Capability})
	}
}

// stat 返回某个机制当前的统计快照（用于诊断/测试）。
func (s *Service) stat(m types.DiscoveryMethod) MethodStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats[m]
}

// Stats 返回所有机制当前的统计快照。
func (s *Service) Stats() map[types.DiscoveryMethod]MethodStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.DiscoveryMethod]MethodStats, len(s.stats))
	for k, v := range s.stats {
		out[k] = v
	}
	return out
}

func (s *Service) recordAttempt(m types.DiscoveryMethod, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[m]
	st.Attempts++
	if success {
		st.Successes++
	} else {
		st.Failures++
	}
	s.stats[m] = st
}

// Catalog 返回目录中当前已知的全部广告记录。
func (s *Service) Catalog() []types.PeerAdvertisement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.catalog.Keys()
	out := make([]types.PeerAdvertisement, 0, len(keys))
	for _, k := range keys {
		if e, ok := s.catalog.Peek(k); ok {
			out = append(out, e.ad)
		}
	}
	return out
}
