package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/meshcore/internal/eventbus"
	"github.com/taskmesh/meshcore/internal/routing/dht"
	"github.com/taskmesh/meshcore/pkg/types"
)

// loopbackPeers is a minimal PeerAccess that wires two services' HandleFrame
// methods directly together, bypassing any real transport.
type loopbackPeers struct {
	mu        sync.Mutex
	self      types.NodeID
	connected map[types.NodeID]types.PeerRecord
	route     map[types.NodeID]*Service
}

func newLoopbackPeers(self types.NodeID) *loopbackPeers {
	return &loopbackPeers{self: self, connected: make(map[types.NodeID]types.PeerRecord), route: make(map[types.NodeID]*Service)}
}

func (p *loopbackPeers) link(id types.NodeID, svc *Service) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected[id] = types.PeerRecord{NodeID: id, Status: types.StatusConnected}
	p.route[id] = svc
}

func (p *loopbackPeers) Send(_ context.Context, peer types.NodeID, frame types.Frame) error {
	p.mu.Lock()
	target, ok := p.route[peer]
	p.mu.Unlock()
	if !ok {
		return ErrNoRoute
	}
	frame.From = p.self
	target.HandleFrame(frame)
	return nil
}

func (p *loopbackPeers) Broadcast(ctx context.Context, frame types.Frame) int {
	p.mu.Lock()
	targets := make([]types.NodeID, 0, len(p.route))
	for id := range p.route {
		targets = append(targets, id)
	}
	p.mu.Unlock()
	sent := 0
	for _, id := range targets {
		if p.Send(ctx, id, frame) == nil {
			sent++
		}
	}
	return sent
}

func (p *loopbackPeers) Connect(_ context.Context, peer types.NodeID, _ types.PeerRecord) error {
	p.mu.Lock()
	_, ok := p.route[peer]
	p.mu.Unlock()
	if !ok {
		return ErrNoRoute
	}
	return nil
}

func (p *loopbackPeers) ConnectedPeers() []types.PeerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.PeerRecord, 0, len(p.connected))
	for _, r := range p.connected {
		out = append(out, r)
	}
	return out
}

func (p *loopbackPeers) AllPeers() []types.PeerRecord { return p.ConnectedPeers() }

func (p *loopbackPeers) PeerInfo(peer types.NodeID) (types.PeerRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.connected[peer]
	return r, ok
}

func newTestService(t *testing.T, local types.NodeID, peers PeerAccess) *Service {
	table := dht.NewTable(local, nil, clock.NewMock())
	cfg := DefaultConfig()
	cfg.BootstrapNodes = nil
	svc := New(local, peers, table, nil, nil, nil, eventbus.New(), cfg)
	svc.SetClock(clock.NewMock())
	t.Cleanup(svc.Stop)
	return svc
}

func TestNeighborExchangeLearnsPeers(t *testing.T) {
	a, b, c := types.RandomNodeID(), types.RandomNodeID(), types.RandomNodeID()

	peersA := newLoopbackPeers(a)
	peersB := newLoopbackPeers(b)

	svcA := newTestService(t, a, peersA)
	svcB := newTestService(t, b, peersB)

	peersA.link(b, svcB)
	peersB.link(a, svcA)
	peersB.connected[c] = types.PeerRecord{NodeID: c, Status: types.StatusConnected}

	learned := svcA.discoverViaNeighborExchange(context.Background())
	require.Contains(t, learned, c)
}

func TestAdvertisementObservedIntoCatalog(t *testing.T) {
	local := types.RandomNodeID()
	svc := newTestService(t, local, newLoopbackPeers(local))

	other := types.RandomNodeID()
	ad := types.PeerAdvertisement{PeerID: other, Capability: types.CapabilitySnapshot{CPUCores: 4}}
	svc.HandleFrame(types.Frame{
		Kind:    types.FramePeerDiscovery,
		From:    other,
		Payload: types.PeerDiscoveryPayload{Sub: types.DiscoveryAdvertisement, Advertisement: ad},
	})

	cat := svc.Catalog()
	require.Len(t, cat, 1)
	assert.Equal(t, other, cat[0].PeerID)
}

func TestPruneAdvertisementsRemovesExpired(t *testing.T) {
	local := types.RandomNodeID()
	svc := newTestService(t, local, newLoopbackPeers(local))
	mockClock := clock.NewMock()
	svc.SetClock(mockClock)

	other := types.RandomNodeID()
	svc.observeAdvertisement(types.PeerAdvertisement{PeerID: other, TTL: time.Minute})

	mockClock.Add(2 * time.Minute)
	svc.pruneAdvertisements()

	assert.Empty(t, svc.Catalog())
}

func TestPathScorePrefersLowerLatencyAndHigherReliability(t *testing.T) {
	now := time.Now()
	fast := types.RoutingPath{LatencyMS: 10, Reliability: 0.9, LastUsed: now}
	slow := types.RoutingPath{LatencyMS: 300, Reliability: 0.5, LastUsed: now}
	assert.Greater(t, pathScore(fast, now), pathScore(slow, now))
}

func TestFindOptimalPathUsesDirectConnection(t *testing.T) {
	local, dest := types.RandomNodeID(), types.RandomNodeID()
	peers := newLoopbackPeers(local)
	peers.connected[dest] = types.PeerRecord{NodeID: dest, Status: types.StatusConnected, LatencyMS: 20}
	svc := newTestService(t, local, peers)

	path, err := svc.FindOptimalPath(context.Background(), dest)
	require.NoError(t, err)
	assert.Equal(t, dest, path.Destination)
	assert.Equal(t, 1, path.UsageCount)
}

func TestFindOptimalPathNoRouteWhenUnknown(t *testing.T) {
	local := types.RandomNodeID()
	svc := newTestService(t, local, newLoopbackPeers(local))

	_, err := svc.FindOptimalPath(context.Background(), types.RandomNodeID())
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestRecordPathOutcomeUpdatesReliabilityTowardOutcome(t *testing.T) {
	local, dest := types.RandomNodeID(), types.RandomNodeID()
	svc := newTestService(t, local, newLoopbackPeers(local))

	hops := []types.NodeID{dest}
	svc.storePath(types.RoutingPath{Destination: dest, Hops: hops, Reliability: 0.5})
	svc.RecordPathOutcome(dest, hops, false)

	svc.mu.RLock()
	got := svc.paths[dest][0].Reliability
	svc.mu.RUnlock()
	assert.Less(t, got, 0.5)
}
