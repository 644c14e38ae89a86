package verification

import (
	"context"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/meshcore/internal/eventbus"
	"github.com/taskmesh/meshcore/pkg/types"
)

// fakePeerAccess 提供一个固定的已连接对端集合；Send/Broadcast 只记录
// 调用，不做任何转发（本包的测试直接摆弄 Service 的记录方法，不需要
// 一整套环回传输）。
type fakePeerAccess struct {
	connected []types.PeerRecord
	info      map[types.NodeID]types.PeerRecord
	sent      []types.Frame
}

func (f *fakePeerAccess) Send(_ context.Context, _ types.NodeID, frame types.Frame) error {
	f.sent = append(f.sent, frame)
	return nil
}
func (f *fakePeerAccess) Broadcast(_ context.Context, frame types.Frame) int {
	f.sent = append(f.sent, frame)
	return len(f.connected)
}
func (f *fakePeerAccess) ConnectedPeers() []types.PeerRecord { return f.connected }
func (f *fakePeerAccess) PeerInfo(peer types.NodeID) (types.PeerRecord, bool) {
	rec, ok := f.info[peer]
	return rec, ok
}

func candidatePeers(n int) ([]types.PeerRecord, map[types.NodeID]types.PeerRecord) {
	peers := make([]types.PeerRecord, 0, n)
	info := make(map[types.NodeID]types.PeerRecord, n)
	for i := 0; i < n; i++ {
		rec := types.PeerRecord{
			NodeID:     types.RandomNodeID(),
			Capability: types.CapabilitySnapshot{CPUCores: 8, RAMGB: 16, Thermal: types.ThermalNominal},
			LatencyMS:  50,
		}
		peers = append(peers, rec)
		info[rec.NodeID] = rec
	}
	return peers, info
}

func TestRequestVerificationSelectsVerifiersAndBroadcasts(t *testing.T) {
	clk := clock.NewMock()
	peers, info := candidatePeers(5)
	fp := &fakePeerAccess{connected: peers, info: info}
	svc := New(types.RandomNodeID(), fp, nil, eventbus.New(), DefaultConfig())
	svc.SetClock(clk)

	executor := types.RandomNodeID()
	task := types.TaskRequest{TaskID: types.NewTaskID(), Requirements: types.Requirements{CPUCores: 2, MemoryGB: 2}}
	result := types.TaskResult{TaskID: task.TaskID, Result: []byte("ok"), CompletedBy: executor, ExecTime: 1e9}

	verID, err := svc.RequestVerification(context.Background(), task, result)
	require.NoError(t, err)
	require.False(t, verID.IsZero())
	assert.Len(t, fp.sent, 5)

	outcome, ok := svc.Outcome(verID)
	require.True(t, ok)
	assert.Equal(t, types.ConsensusPending, outcome.Consensus)
}

func TestRequestVerificationFailsWithTooFewEligiblePeers(t *testing.T) {
	clk := clock.NewMock()
	peers, info := candidatePeers(2)
	fp := &fakePeerAccess{connected: peers, info: info}
	svc := New(types.RandomNodeID(), fp, nil, eventbus.New(), DefaultConfig())
	svc.SetClock(clk)

	task := types.TaskRequest{Requirements: types.Requirements{CPUCores: 1, MemoryGB: 1}}
	result := types.TaskResult{Result: []byte("ok"), CompletedBy: types.RandomNodeID()}

	_, err := svc.RequestVerification(context.Background(), task, result)
	assert.ErrorIs(t, err, ErrNoEligibleVerifiers)
}

func newOutcomeFixture(t *testing.T, n int) (*Service, types.VerificationID, []types.NodeID) {
	clk := clock.NewMock()
	peers, info := candidatePeers(n)
	fp := &fakePeerAccess{connected: peers, info: info}
	svc := New(types.RandomNodeID(), fp, nil, eventbus.New(), DefaultConfig())
	svc.SetClock(clk)

	task := types.TaskRequest{TaskID: types.NewTaskID(), Requirements: types.Requirements{CPUCores: 1, MemoryGB: 1}}
	result := types.TaskResult{TaskID: task.TaskID, Result: []byte("ok"), CompletedBy: types.RandomNodeID(), ExecTime: 1e9}
	verID, err := svc.RequestVerification(context.Background(), task, result)
	require.NoError(t, err)

	verifiers := make([]types.NodeID, 0, n)
	for _, p := range peers {
		verifiers = append(verifiers, p.NodeID)
	}
	return svc, verID, verifiers
}

func TestRecordResponseReachesApprovedConsensus(t *testing.T) {
	svc, verID, verifiers := newOutcomeFixture(t, 5)

	var finalized types.Event
	svc.bus.Subscribe(types.EventVerificationFinalized, func(ev types.Event) { finalized = ev })

	for i, v := range verifiers {
		resp := types.VerificationResponse{
			VerificationID: verID,
			VerifierID:     v,
			IsValid:        i < 4, // 4 approve, 1 rejects — §8 scenario 3
			Confidence:     0.8,
		}
		if i == 4 {
			resp.Confidence = 0.9
			resp.IsValid = false
		}
		err := svc.RecordResponse(resp, nil)
		require.NoError(t, err)
	}

	require.NotNil(t, finalized.Outcome)
	assert.Equal(t, types.ConsensusApproved, finalized.Outcome.Consensus)
	assert.InDelta(t, 0.82, finalized.Outcome.AvgConfidence, 0.001)

	rec, ok := svc.Reputation().Snapshot(verifiers[4])
	require.True(t, ok)
	assert.Equal(t, 1, rec.FalseNegative)
}

func TestRecordResponseRejectsDuplicateFromSameVerifier(t *testing.T) {
	svc, verID, verifiers := newOutcomeFixture(t, 5)

	resp := types.VerificationResponse{VerificationID: verID, VerifierID: verifiers[0], IsValid: true, Confidence: 0.9}
	require.NoError(t, svc.RecordResponse(resp, nil))
	err := svc.RecordResponse(resp, nil)
	assert.ErrorIs(t, err, ErrDuplicateResponse)
}

func TestRecordResponseRejectsNonSelectedVerifier(t *testing.T) {
	svc, verID, _ := newOutcomeFixture(t, 5)

	resp := types.VerificationResponse{VerificationID: verID, VerifierID: types.RandomNodeID(), IsValid: true, Confidence: 0.9}
	err := svc.RecordResponse(resp, nil)
	assert.ErrorIs(t, err, ErrNotVerifier)
}

func TestPerformVerificationFlagsForbiddenOutputSubstring(t *testing.T) {
	clk := clock.NewMock()
	fp := &fakePeerAccess{}
	svc := New(types.RandomNodeID(), fp, nil, eventbus.New(), DefaultConfig())
	svc.SetClock(clk)

	req := types.VerificationRequest{
		Result: types.TaskResult{Result: []byte("operation timeout after retry"), ExecTime: 1e9},
	}
	resp := svc.PerformVerification(req)
	assert.False(t, resp.IsValid)
	assert.False(t, resp.SubChecks.OutputValid)
}
