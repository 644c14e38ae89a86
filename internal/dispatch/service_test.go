package dispatch

import (
	"context"
	"errors"
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

// fakePeers 记录发送过的帧，并把它们直接转发给一个按 NodeID 注册的
// 本地 Service 集合，不经过任何真实传输（discovery 包测试用的同一种
// 环回思路）。
type fakePeers struct {
	mu   sync.Mutex
	sent []sentFrame
	subs map[types.NodeID]*Service
	info map[types.NodeID]types.PeerRecord
}

type sentFrame struct {
	to    types.NodeID
	frame types.Frame
}

func newFakePeers() *fakePeers {
	return &fakePeers{subs: make(map[types.NodeID]*Service), info: make(map[types.NodeID]types.PeerRecord)}
}

func (f *fakePeers) register(id types.NodeID, s *Service) { f.subs[id] = s }

func (f *fakePeers) Send(ctx context.Context, to types.NodeID, frame types.Frame) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentFrame{to: to, frame: frame})
	target := f.subs[to]
	f.mu.Unlock()
	if target != nil {
		target.HandleFrame(ctx, frame)
	}
	return nil
}

func (f *fakePeers) Broadcast(ctx context.Context, frame types.Frame) int {
	f.mu.Lock()
	targets := make([]types.NodeID, 0, len(f.subs))
	for id := range f.subs {
		targets = append(targets, id)
	}
	f.mu.Unlock()
	for _, id := range targets {
		_ = f.Send(ctx, id, frame)
	}
	return len(targets)
}

func (f *fakePeers) PeerInfo(peer types.NodeID) (types.PeerRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.info[peer]
	return rec, ok
}

func (f *fakePeers) sentTo(id types.NodeID) []types.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Frame
	for _, s := range f.sent {
		if s.to == id {
			out = append(out, s.frame)
		}
	}
	return out
}

// stubReputation 为每个对端返回固定的信誉分数。
type stubReputation struct{ score float64 }

func (r stubReputation) Score(types.NodeID) float64 { return r.score }

// failingQuerier 的 FindNode 总是失败；候选全部来自路由表里预先写入
// 的种子节点，不依赖这次查询真正返回新节点（与 dht.Lookup 的种子+
// 迭代语义相容）。
type failingQuerier struct{}

func (failingQuerier) FindNode(context.Context, types.NodeID, types.NodeID) ([]types.DHTNode, error) {
	return nil, errors.New("no route in test")
}

func satisfyingCapability() types.CapabilitySnapshot {
	return types.CapabilitySnapshot{CPUCores: 8, RAMGB: 16, Thermal: types.ThermalNominal}
}

// fullMeshQuerier 模拟一张每个节点都认得所有其他节点的网络：任意一次
// FIND_NODE 都回传除自身以外的全部已知节点，让 dht.Lookup 能在 α=3
// 的种子之外继续发现完整候选集合。
type fullMeshQuerier struct{ nodes map[types.NodeID]types.DHTNode }

func (q fullMeshQuerier) FindNode(_ context.Context, peer, _ types.NodeID) ([]types.DHTNode, error) {
	out := make([]types.DHTNode, 0, len(q.nodes))
	for id, n := range q.nodes {
		if id != peer {
			out = append(out, n)
		}
	}
	return out, nil
}

func newTestService(local types.NodeID, peers *fakePeers, seeds []types.NodeID, clk clock.Clock) *Service {
	return newTestServiceWithQuerier(local, peers, seeds, failingQuerier{}, clk)
}

func newTestServiceWithQuerier(local types.NodeID, peers *fakePeers, seeds []types.NodeID, querier dht.Querier, clk clock.Clock) *Service {
	table := dht.NewTable(local, nil, clk)
	for _, id := range seeds {
		table.AddOrUpdate(types.DHTNode{NodeID: id, Capability: satisfyingCapability()})
	}
	svc := New(local, peers, table, querier, stubReputation{score: 0.8}, eventbus.New(), DefaultConfig())
	svc.SetClock(clk)
	peers.register(local, svc)
	return svc
}

func TestSubmitAssignsPrimaryAndBackups(t *testing.T) {
	clk := clock.NewMock()
	local := types.RandomNodeID()
	seeds := []types.NodeID{types.RandomNodeID(), types.RandomNodeID(), types.RandomNodeID(), types.RandomNodeID()}
	peers := newFakePeers()

	mesh := make(map[types.NodeID]types.DHTNode, len(seeds))
	for _, id := range seeds {
		mesh[id] = types.DHTNode{NodeID: id, Capability: satisfyingCapability()}
	}
	svc := newTestServiceWithQuerier(local, peers, seeds, fullMeshQuerier{nodes: mesh}, clk)

	req := types.TaskRequest{Type: types.TaskCompute, Requirements: types.Requirements{CPUCores: 1, MemoryGB: 1}}
	taskID, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)
	require.False(t, taskID.IsZero())

	state, ok := svc.TaskState(taskID)
	require.True(t, ok)
	assert.Equal(t, types.TaskActive, state)

	var primaryFrames, backupFrames int
	for _, id := range seeds {
		for _, f := range peers.sentTo(id) {
			p, ok := f.Payload.(types.TaskRequestPayload)
			require.True(t, ok)
			if p.IsBackup {
				backupFrames++
			} else {
				primaryFrames++
			}
		}
	}
	assert.Equal(t, 1, primaryFrames)
	assert.Equal(t, BackupCount, backupFrames)
}

func TestSubmitFailsWithoutCandidates(t *testing.T) {
	clk := clock.NewMock()
	local := types.RandomNodeID()
	peers := newFakePeers()
	svc := newTestService(local, peers, nil, clk)

	_, err := svc.Submit(context.Background(), types.TaskRequest{Requirements: types.Requirements{CPUCores: 1}})
	assert.ErrorIs(t, err, ErrNoSuitableCandidates)
}

func TestReportFailurePromotesBackup(t *testing.T) {
	clk := clock.NewMock()
	local := types.RandomNodeID()
	seeds := []types.NodeID{types.RandomNodeID(), types.RandomNodeID(), types.RandomNodeID(), types.RandomNodeID()}
	peers := newFakePeers()
	svc := newTestService(local, peers, seeds, clk)

	taskID, err := svc.Submit(context.Background(), types.TaskRequest{Requirements: types.Requirements{CPUCores: 1, MemoryGB: 1}})
	require.NoError(t, err)

	svc.mu.Lock()
	oldPrimary := svc.outgoing[taskID].assignment.Primary
	remainingBackups := len(svc.outgoing[taskID].assignment.Backups)
	svc.mu.Unlock()
	require.Greater(t, remainingBackups, 0)

	err = svc.ReportFailure(context.Background(), taskID, types.FailureTimeout)
	require.NoError(t, err)

	svc.mu.Lock()
	newPrimary := svc.outgoing[taskID].assignment.Primary
	svc.mu.Unlock()
	assert.NotEqual(t, oldPrimary, newPrimary)
	assert.True(t, svc.inCooldown(oldPrimary))

	state, _ := svc.TaskState(taskID)
	assert.Equal(t, types.TaskActive, state)
}

func TestReportFailureWithoutBackupsMarksFailed(t *testing.T) {
	clk := clock.NewMock()
	local := types.RandomNodeID()
	only := types.RandomNodeID()
	peers := newFakePeers()
	svc := newTestService(local, peers, []types.NodeID{only}, clk)

	var gotEvent types.Event
	svc.bus.Subscribe(types.EventTaskFailed, func(ev types.Event) { gotEvent = ev })

	taskID, err := svc.Submit(context.Background(), types.TaskRequest{Requirements: types.Requirements{CPUCores: 1, MemoryGB: 1}})
	require.NoError(t, err)

	require.NoError(t, svc.ReportFailure(context.Background(), taskID, types.FailureTimeout))

	state, _ := svc.TaskState(taskID)
	assert.Equal(t, types.TaskFailed, state)
	assert.Equal(t, taskID, gotEvent.TaskID)
}

func TestReportFailureIsIdempotentAfterTerminalState(t *testing.T) {
	clk := clock.NewMock()
	local := types.RandomNodeID()
	only := types.RandomNodeID()
	peers := newFakePeers()
	svc := newTestService(local, peers, []types.NodeID{only}, clk)

	taskID, err := svc.Submit(context.Background(), types.TaskRequest{Requirements: types.Requirements{CPUCores: 1, MemoryGB: 1}})
	require.NoError(t, err)
	require.NoError(t, svc.ReportFailure(context.Background(), taskID, types.FailureTimeout))
	require.NoError(t, svc.ReportFailure(context.Background(), taskID, types.FailureTimeout))

	state, _ := svc.TaskState(taskID)
	assert.Equal(t, types.TaskFailed, state)
}

// echoHandler 回传一个固定的结果负载。
type echoHandler struct{}

func (echoHandler) Execute(ctx context.Context, task types.TaskRequest) ([]byte, time.Duration, types.ResourceUsage, error) {
	return []byte("ok"), 10 * time.Millisecond, types.ResourceUsage{CPUUsagePct: 5}, nil
}

func TestAcceptRunsHandlerAndDeliversResult(t *testing.T) {
	clk := clock.NewMock()
	submitter := types.RandomNodeID()
	assignee := types.RandomNodeID()
	peers := newFakePeers()

	submitterSvc := newTestService(submitter, peers, []types.NodeID{assignee}, clk)
	assigneeSvc := newTestService(assignee, peers, nil, clk)
	assigneeSvc.RegisterHandler(types.TaskCompute, echoHandler{})

	var completed types.Event
	done := make(chan struct{})
	submitterSvc.bus.Subscribe(types.EventTaskCompleted, func(ev types.Event) {
		completed = ev
		close(done)
	})

	taskID, err := submitterSvc.Submit(context.Background(), types.TaskRequest{
		Type:         types.TaskCompute,
		Requirements: types.Requirements{CPUCores: 1, MemoryGB: 1},
	})
	require.NoError(t, err)

	require.NoError(t, assigneeSvc.Accept(context.Background(), taskID))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task completion event")
	}

	assert.Equal(t, taskID, completed.TaskID)
	require.NotNil(t, completed.Result)
	assert.Equal(t, "ok", string(completed.Result.Result))
	assert.Equal(t, assignee, completed.Result.CompletedBy)

	state, _ := submitterSvc.TaskState(taskID)
	assert.Equal(t, types.TaskCompleted, state)
}

func TestAcceptWithoutHandlerIsRejected(t *testing.T) {
	clk := clock.NewMock()
	submitter := types.RandomNodeID()
	assignee := types.RandomNodeID()
	peers := newFakePeers()

	submitterSvc := newTestService(submitter, peers, []types.NodeID{assignee}, clk)
	assigneeSvc := newTestService(assignee, peers, nil, clk)

	taskID, err := submitterSvc.Submit(context.Background(), types.TaskRequest{
		Type:         types.TaskCompute,
		Requirements: types.Requirements{CPUCores: 1, MemoryGB: 1},
	})
	require.NoError(t, err)

	err = assigneeSvc.Accept(context.Background(), taskID)
	assert.ErrorIs(t, err, ErrNoHandler)
}
