package resilience

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/taskmesh/meshcore/internal/eventbus"
	"github.com/taskmesh/meshcore/pkg/lib/log"
	"github.com/taskmesh/meshcore/pkg/types"
)

// Service 是 Resilience 子系统的唯一实现（§4.6）：健康采样、分区检测
// 与愈合、断路器、安全监控、恢复跟踪在此统一调度。
type Service struct {
	local        types.NodeID
	peers        PeerAccess
	discovery    DiscoveryAccess
	verification VerificationSource
	penalizer    ReputationPenalizer
	bus          *eventbus.Bus
	cfg          Config
	clock        clock.Clock
	logger       *zap.SugaredLogger

	breakers  *breakerSet
	health    *healthTracker
	partition *partitionTracker
	security  *securityMonitor
	recovery  *recoveryTracker
	memwatch  *memoryPressureMonitor
	metrics   *metrics

	mu     sync.Mutex
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New 创建一个尚未启动维护循环的 Resilience Service。
func New(local types.NodeID, peers PeerAccess, discovery DiscoveryAccess, verification VerificationSource, penalizer ReputationPenalizer, bus *eventbus.Bus, cfg Config) *Service {
	clk := clock.New()
	health := newHealthTracker()
	return &Service{
		local:        local,
		peers:        peers,
		discovery:    discovery,
		verification: verification,
		penalizer:    penalizer,
		bus:          bus,
		cfg:          cfg,
		clock:        clk,
		logger:       log.Logger("resilience"),
		breakers:     newBreakerSet(clk),
		health:       health,
		partition:    newPartitionTracker(),
		security:     newSecurityMonitor(peers, verification, penalizer, cfg.SpamRateFloor),
		recovery:     newRecoveryTracker(clk),
		memwatch:     newMemoryPressureMonitor(health),
		metrics:      newMetrics(),
		stopCh:       make(chan struct{}),
	}
}

// SetClock 替换内部时钟（测试用）。breakerSet 与 recoveryTracker 各自
// 持有同一个 clock.Clock 引用，换表时一并换掉。
func (s *Service) SetClock(c clock.Clock) {
	s.clock = c
	s.breakers.clock = c
	s.recovery.clock = c
}

// Metrics 返回本 Service 的指标集合；其 Registry() 给出底层 Prometheus
// Registry。
func (s *Service) Metrics() *metrics { return s.metrics }

// Breaker 返回某个服务键当前的断路器快照。
func (s *Service) Breaker(key types.ServiceKey) types.CircuitBreaker { return s.breakers.Snapshot(key) }

// Allow 在调用受保护的下游服务前检查断路器是否放行（§4.6）。
func (s *Service) Allow(key types.ServiceKey) bool { return s.breakers.Allow(key) }

// RecordSuccess / RecordFailure 供各子系统在调用受保护服务后回报结果。
func (s *Service) RecordSuccess(key types.ServiceKey) {
	s.breakers.RecordSuccess(key)
	s.metrics.observeBreaker(key, s.breakers.Snapshot(key).State)
}

func (s *Service) RecordFailure(key types.ServiceKey) {
	s.breakers.RecordFailure(key)
	s.metrics.observeBreaker(key, s.breakers.Snapshot(key).State)
}

// RecordVerificationOutcome 把一次验证共识结论计入健康度的
// reliability 分量（§4.6 health "reliability = outcome approval rate"）。
func (s *Service) RecordVerificationOutcome(approved bool) { s.health.recordOutcome(approved) }

// ObservePeerDisconnected 把失联对端登记进恢复跟踪（§4.6 recovery
// tracking），通常由 Orchestrator 在收到 EventPeerDisconnected 时调用。
func (s *Service) ObservePeerDisconnected(peer types.PeerRecord) { s.recovery.Track(peer) }

// ObservePeerConnected 停止对该对端的恢复跟踪。
func (s *Service) ObservePeerConnected(peer types.NodeID) { s.recovery.Forget(peer) }

// MemoryWatch 启用堆驱动的内存压力监控；limitBytes==0 时跳过。
func (s *Service) MemoryWatch(limitBytes uint64) error { return s.memwatch.start(limitBytes) }

// Start 启动 §5 的三条定时循环：health（10s）、recovery（30s）、
// security（5s）。
func (s *Service) Start() {
	s.wg.Add(3)
	go s.healthLoop()
	go s.recoveryLoop()
	go s.securityLoop()
}

// Stop 终止所有维护循环并反注册内存监控（§5 "all timers stop"）。
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
	s.memwatch.Stop()
}

func (s *Service) healthLoop() {
	defer s.wg.Done()
	ticker := s.clock.Ticker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sampleHealth()
		}
	}
}

func (s *Service) sampleHealth() {
	connected := s.peers.ConnectedPeers()
	known := s.peers.AllPeers()
	sample := s.health.sample(s.clock.Now(), len(connected), len(known), averageLatency(connected))
	s.metrics.observeHealth(sample)
	s.bus.Emit(types.Event{Kind: types.EventHealthUpdated, At: sample.Timestamp, Health: &sample})

	s.detectPartition(connected, known)
}

func averageLatency(peers []types.PeerRecord) float64 {
	if len(peers) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range peers {
		sum += p.LatencyMS
	}
	return sum / float64(len(peers))
}

func (s *Service) detectPartition(connected, known []types.PeerRecord) {
	connectedIDs := make([]types.NodeID, len(connected))
	for i, p := range connected {
		connectedIDs[i] = p.NodeID
	}
	knownIDs := make([]types.NodeID, len(known))
	for i, p := range known {
		knownIDs[i] = p.NodeID
	}

	part := s.partition.detect(s.clock.Now(), connectedIDs, knownIDs)
	s.metrics.observePartitions(len(s.partition.Active()))
	if part == nil {
		return
	}
	s.logger.Warnw("partition detected", "id", part.ID, "affected", len(part.Affected))
	s.bus.Emit(types.Event{Kind: types.EventPartitionDetected, At: part.DetectedAt, Partition: part})
	go s.healPartition(*part)
}

// healPartition 实现 §4.6 partition healing 的三次尝试序列：direct
// reconnect → bridge catalog share → force discovery。每次尝试后都
// 重新评估已愈合比例，直到 Healed 或 HealingAttemptsMax 次耗尽。
func (s *Service) healPartition(part types.NetworkPartition) {
	steps := []func(context.Context, types.NetworkPartition) []types.NodeID{
		s.healByDirectReconnect,
		s.healByBridgeCatalog,
		s.healByForceDiscovery,
	}

	ctx := context.Background()
	for _, step := range steps {
		reconnected := step(ctx, part)
		updated, ok := s.partition.recordHealingAttempt(part.ID, healingOutcome{attempted: part.Affected, reconnected: reconnected})
		if !ok {
			return
		}
		part = updated
		s.metrics.observePartitions(len(s.partition.Active()))
		if part.Status == types.PartitionHealed {
			s.logger.Infow("partition healed", "id", part.ID)
			s.bus.Emit(types.Event{Kind: types.EventPartitionHealed, At: s.clock.Now(), Partition: &part})
			return
		}
		if part.Status == types.PartitionPermanent {
			s.logger.Warnw("partition marked permanent", "id", part.ID, "still_affected", len(part.Affected))
			return
		}
	}
}

func (s *Service) healByDirectReconnect(ctx context.Context, part types.NetworkPartition) []types.NodeID {
	var reconnected []types.NodeID
	for _, peer := range part.Affected {
		if rec, ok := s.peers.PeerInfo(peer); ok {
			if s.peers.Connect(ctx, peer, rec) == nil {
				reconnected = append(reconnected, peer)
			}
		}
	}
	return reconnected
}

func (s *Service) healByBridgeCatalog(ctx context.Context, part types.NetworkPartition) []types.NodeID {
	for _, bridge := range part.Bridges {
		frame := types.Frame{
			Kind: types.FramePeerDiscovery,
			Payload: types.PeerDiscoveryPayload{
				Sub:               types.DiscoveryPartitionHealing,
				PartitionAffected: part.Affected,
			},
		}
		_ = s.peers.Send(ctx, bridge, frame)
	}
	return s.healByDirectReconnect(ctx, part)
}

func (s *Service) healByForceDiscovery(ctx context.Context, part types.NetworkPartition) []types.NodeID {
	if s.discovery != nil {
		_ = s.discovery.Discover(ctx)
	}
	return s.healByDirectReconnect(ctx, part)
}

func (s *Service) recoveryLoop() {
	defer s.wg.Done()
	ticker := s.clock.Ticker(s.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runRecovery()
		}
	}
}

func (s *Service) runRecovery() {
	ctx := context.Background()
	now := s.clock.Now()
	known := s.peers.AllPeers()
	connectedSet := make(map[types.NodeID]bool)
	for _, p := range s.peers.ConnectedPeers() {
		connectedSet[p.NodeID] = true
	}

	for _, attempt := range s.recovery.due(now) {
		ok := attemptReconnect(ctx, s.peers, attempt.lastKnown)
		if ok {
			s.recovery.recordAttempt(attempt.peer, true)
			continue
		}
		exhausted := s.recovery.recordAttempt(attempt.peer, false)
		if !exhausted {
			continue
		}
		if replacement, found := findReplacement(attempt.lastKnown, known, connectedSet); found {
			_ = s.peers.Connect(ctx, replacement.NodeID, replacement)
			s.logger.Infow("replaced unreachable peer", "lost", attempt.peer.String(), "replacement", replacement.NodeID.String())
		} else {
			s.logger.Warnw("no replacement found for unreachable peer", "lost", attempt.peer.String())
		}
	}
}

func (s *Service) securityLoop() {
	defer s.wg.Done()
	ticker := s.clock.Ticker(s.cfg.SecurityInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runSecuritySweep()
		}
	}
}

func (s *Service) runSecuritySweep() {
	alerts := s.security.sweep()
	if len(alerts) == 0 {
		return
	}
	ctx := context.Background()
	now := s.clock.Now()
	for _, peer := range alerts {
		s.metrics.observeQuarantine()
		s.health.recordCriticalEvent()
		s.logger.Warnw("peer quarantined", "peer", peer.String())
		s.bus.Emit(types.Event{Kind: types.EventSecurityAlertReceived, At: now, SecurityPeer: peer, SecuritySeverity: "malicious"})

		frame := types.Frame{
			Kind: types.FramePeerDiscovery,
			Payload: types.PeerDiscoveryPayload{
				Sub:                   types.DiscoverySecurityAlert,
				SecurityAlertPeer:     peer,
				SecurityAlertSeverity: "malicious",
				SecurityAlertAt:       now,
			},
		}
		for _, trusted := range s.peers.ConnectedPeers() {
			if trusted.NodeID == peer {
				continue
			}
			_ = s.peers.Send(ctx, trusted.NodeID, frame)
		}
		_ = s.peers.Disconnect(peer)
	}
}

// OnFrame 处理一次收到的帧，给 spam/DDoS 速率计数器计数（§4.6）；对
// Ping/Pong 之外的全部帧种类都适用，由 Orchestrator 在 Peer Manager 的
// 接收路径上统一调用。
func (s *Service) OnFrame(peer types.NodeID) {
	if s.security.recordFrame(peer, s.clock.Now()) {
		s.health.recordCriticalEvent()
		// §4.6 "DDoS opens the corresponding circuit breaker"：把超过
		// 速率下限这件事本身计为一次网络服务失败，让断路器按自己的
		// 失败阈值决定是否跳闸，而不是在这里绕开断路器直接改状态。
		s.breakers.RecordFailure(types.ServiceNetwork)
		s.logger.Warnw("frame rate exceeds spam floor", "peer", peer.String())
	}
}
