package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/meshcore/internal/eventbus"
	"github.com/taskmesh/meshcore/pkg/types"
)

// fakePeers 是一个可变的 PeerAccess 伪实现：Connect 把对端从
// disconnected 移回 connected，便于断言愈合/恢复逻辑的效果。
type fakePeers struct {
	connected     map[types.NodeID]types.PeerRecord
	all           map[types.NodeID]types.PeerRecord
	invalidSigs   map[types.NodeID]int
	sent          []types.Frame
	disconnected  []types.NodeID
	connectCalls  []types.NodeID
	connectErrs   map[types.NodeID]error
}

func newFakePeers() *fakePeers {
	return &fakePeers{
		connected:   make(map[types.NodeID]types.PeerRecord),
		all:         make(map[types.NodeID]types.PeerRecord),
		invalidSigs: make(map[types.NodeID]int),
		connectErrs: make(map[types.NodeID]error),
	}
}

func (f *fakePeers) Connect(_ context.Context, peer types.NodeID, advertised types.PeerRecord) error {
	f.connectCalls = append(f.connectCalls, peer)
	if err, ok := f.connectErrs[peer]; ok {
		return err
	}
	f.connected[peer] = advertised
	return nil
}
func (f *fakePeers) Disconnect(peer types.NodeID) error {
	f.disconnected = append(f.disconnected, peer)
	delete(f.connected, peer)
	return nil
}
func (f *fakePeers) Broadcast(_ context.Context, frame types.Frame) int {
	f.sent = append(f.sent, frame)
	return len(f.connected)
}
func (f *fakePeers) Send(_ context.Context, _ types.NodeID, frame types.Frame) error {
	f.sent = append(f.sent, frame)
	return nil
}
func (f *fakePeers) ConnectedPeers() []types.PeerRecord {
	out := make([]types.PeerRecord, 0, len(f.connected))
	for _, p := range f.connected {
		out = append(out, p)
	}
	return out
}
func (f *fakePeers) AllPeers() []types.PeerRecord {
	out := make([]types.PeerRecord, 0, len(f.all))
	for _, p := range f.all {
		out = append(out, p)
	}
	return out
}
func (f *fakePeers) PeerInfo(peer types.NodeID) (types.PeerRecord, bool) {
	rec, ok := f.all[peer]
	return rec, ok
}
func (f *fakePeers) InvalidSignatureCount(peer types.NodeID) int { return f.invalidSigs[peer] }

type fakeDiscovery struct{ calls int }

func (d *fakeDiscovery) Discover(_ context.Context) error { d.calls++; return nil }

type fakeVerificationSource struct {
	scores map[types.NodeID]types.ReputationScore
}

func (f *fakeVerificationSource) Score(peer types.NodeID) float64 {
	if s, ok := f.scores[peer]; ok {
		return s.Score
	}
	return types.DefaultReputation
}
func (f *fakeVerificationSource) Snapshot(peer types.NodeID) (types.ReputationScore, bool) {
	s, ok := f.scores[peer]
	return s, ok
}

type fakePenalizer struct {
	penalties map[types.NodeID]float64
}

func newFakePenalizer() *fakePenalizer { return &fakePenalizer{penalties: make(map[types.NodeID]float64)} }
func (f *fakePenalizer) Penalize(peer types.NodeID, severity float64) { f.penalties[peer] += severity }

func newTestService(peers *fakePeers, disc DiscoveryAccess, vs VerificationSource, pen ReputationPenalizer) (*Service, *clock.Mock) {
	clk := clock.NewMock()
	svc := New(types.RandomNodeID(), peers, disc, vs, pen, eventbus.New(), DefaultConfig())
	svc.SetClock(clk)
	return svc, clk
}

func peerRecord(id types.NodeID) types.PeerRecord {
	return types.PeerRecord{NodeID: id, Capability: types.CapabilitySnapshot{CPUCores: 4, RAMGB: 8}}
}

func TestBreakerOpensAfterThresholdAndHalfOpensAfterTimeout(t *testing.T) {
	svc, clk := newTestService(newFakePeers(), &fakeDiscovery{}, &fakeVerificationSource{}, newFakePenalizer())

	for i := 0; i < BreakerThreshold; i++ {
		svc.RecordFailure(types.ServiceDHT)
	}
	assert.False(t, svc.Allow(types.ServiceDHT))
	assert.Equal(t, types.BreakerOpen, svc.Breaker(types.ServiceDHT).State)

	clk.Add(BreakerTimeout + time.Second)
	assert.True(t, svc.Allow(types.ServiceDHT))
	assert.Equal(t, types.BreakerHalfOpen, svc.Breaker(types.ServiceDHT).State)

	svc.RecordSuccess(types.ServiceDHT)
	assert.Equal(t, types.BreakerClosed, svc.Breaker(types.ServiceDHT).State)
}

func TestSampleHealthComputesCompositeFormula(t *testing.T) {
	peers := newFakePeers()
	a, b := types.RandomNodeID(), types.RandomNodeID()
	peers.connected[a] = peerRecord(a)
	peers.all[a] = peerRecord(a)
	peers.all[b] = peerRecord(b)

	svc, _ := newTestService(peers, &fakeDiscovery{}, &fakeVerificationSource{}, newFakePenalizer())
	svc.RecordVerificationOutcome(true)
	svc.RecordVerificationOutcome(true)
	svc.RecordVerificationOutcome(false)

	svc.sampleHealth()
	latest, ok := svc.health.Latest()
	require.True(t, ok)
	assert.InDelta(t, 0.5, latest.Connectivity, 0.001)
	assert.InDelta(t, 2.0/3.0, latest.Reliability, 0.001)
	assert.Greater(t, latest.Composite, 0.0)
}

func TestDetectPartitionAndHealByDirectReconnect(t *testing.T) {
	peers := newFakePeers()
	bridge := types.RandomNodeID()
	lost := types.RandomNodeID()
	peers.connected[bridge] = peerRecord(bridge)
	peers.all[bridge] = peerRecord(bridge)
	peers.all[lost] = peerRecord(lost)
	for i := 0; i < 5; i++ {
		id := types.RandomNodeID()
		peers.all[id] = peerRecord(id)
	}

	svc, _ := newTestService(peers, &fakeDiscovery{}, &fakeVerificationSource{}, newFakePenalizer())

	var detected types.Event
	svc.bus.Subscribe(types.EventPartitionDetected, func(ev types.Event) { detected = ev })

	svc.sampleHealth()
	require.NotNil(t, detected.Partition)
	assert.Equal(t, types.PartitionDetected, detected.Partition.Status)
	assert.Contains(t, detected.Partition.Affected, lost)

	part := *detected.Partition
	peers.connected[lost] = peerRecord(lost) // direct reconnect will now succeed
	updated, ok := svc.partition.recordHealingAttempt(part.ID, healingOutcome{
		attempted:   part.Affected,
		reconnected: svc.healByDirectReconnect(context.Background(), part),
	})
	require.True(t, ok)
	assert.Equal(t, types.PartitionHealed, updated.Status)
}

func TestPartitionGoesPermanentAfterExhaustedAttempts(t *testing.T) {
	peers := newFakePeers()
	bridge := types.RandomNodeID()
	lost := types.RandomNodeID()
	peers.connected[bridge] = peerRecord(bridge)
	peers.all[bridge] = peerRecord(bridge)
	peers.all[lost] = peerRecord(lost)
	for i := 0; i < 5; i++ {
		id := types.RandomNodeID()
		peers.all[id] = peerRecord(id)
	}

	svc, _ := newTestService(peers, &fakeDiscovery{}, &fakeVerificationSource{}, newFakePenalizer())
	svc.sampleHealth()

	parts := svc.partition.Active()
	require.Len(t, parts, 1)
	id := parts[0].ID

	var last types.NetworkPartition
	var ok bool
	for i := 0; i < HealingAttemptsMax; i++ {
		last, ok = svc.partition.recordHealingAttempt(id, healingOutcome{attempted: parts[0].Affected})
		require.True(t, ok)
	}
	assert.Equal(t, types.PartitionPermanent, last.Status)
}

func TestSecuritySweepQuarantinesMaliciousPeerAndPenalizesReputation(t *testing.T) {
	peers := newFakePeers()
	malicious := types.RandomNodeID()
	trusted := types.RandomNodeID()
	peers.connected[malicious] = peerRecord(malicious)
	peers.connected[trusted] = peerRecord(trusted)

	vs := &fakeVerificationSource{scores: map[types.NodeID]types.ReputationScore{
		malicious: {Peer: malicious, Score: 0.1, Total: 6},
	}}
	pen := newFakePenalizer()
	svc, _ := newTestService(peers, &fakeDiscovery{}, vs, pen)

	var alert types.Event
	svc.bus.Subscribe(types.EventSecurityAlertReceived, func(ev types.Event) { alert = ev })

	svc.runSecuritySweep()

	assert.True(t, svc.security.Quarantined(malicious))
	assert.Greater(t, pen.penalties[malicious], 0.0)
	assert.Equal(t, malicious, alert.SecurityPeer)
	assert.Contains(t, peers.disconnected, malicious)
	assert.NotEmpty(t, peers.sent) // security_alert broadcast to the trusted peer
}

func TestSecuritySweepIgnoresHealthyPeers(t *testing.T) {
	peers := newFakePeers()
	healthy := types.RandomNodeID()
	peers.connected[healthy] = peerRecord(healthy)

	vs := &fakeVerificationSource{scores: map[types.NodeID]types.ReputationScore{
		healthy: {Peer: healthy, Score: 0.9, Total: 20},
	}}
	svc, _ := newTestService(peers, &fakeDiscovery{}, vs, newFakePenalizer())

	svc.runSecuritySweep()
	assert.False(t, svc.security.Quarantined(healthy))
}

func TestRecoveryTrackerReportsExhaustedAfterMaxAttempts(t *testing.T) {
	clk := clock.NewMock()
	tracker := newRecoveryTracker(clk)
	lost := peerRecord(types.RandomNodeID())
	tracker.Track(lost)

	for i := 0; i < RecoveryMaxAttempts-1; i++ {
		exhausted := tracker.recordAttempt(lost.NodeID, false)
		assert.False(t, exhausted)
	}
	exhausted := tracker.recordAttempt(lost.NodeID, false)
	assert.True(t, exhausted)
}

func TestFindReplacementRespectsCapabilityTolerance(t *testing.T) {
	lost := types.PeerRecord{NodeID: types.RandomNodeID(), Capability: types.CapabilitySnapshot{CPUCores: 8, RAMGB: 16, GPU: true}}
	tooFar := types.PeerRecord{NodeID: types.RandomNodeID(), Capability: types.CapabilitySnapshot{CPUCores: 2, RAMGB: 4, GPU: true}}
	goodMatch := types.PeerRecord{NodeID: types.RandomNodeID(), Capability: types.CapabilitySnapshot{CPUCores: 7, RAMGB: 14, GPU: true}}

	replacement, ok := findReplacement(lost, []types.PeerRecord{tooFar, goodMatch}, map[types.NodeID]bool{})
	require.True(t, ok)
	assert.Equal(t, goodMatch.NodeID, replacement.NodeID)
}
