package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/meshcore/pkg/interfaces"
	"github.com/taskmesh/meshcore/pkg/lib/sign"
	"github.com/taskmesh/meshcore/pkg/types"
)

// fakeTransport 从不真正建立信道，足够让 Orchestrator 在没有对端的
// 情况下完成一整套启动/关闭循环。
type fakeTransport struct{}

func (fakeTransport) Dial(ctx context.Context, peer types.NodeID) (interfaces.Stream, error) {
	return nil, context.DeadlineExceeded
}

func TestDeriveNodeIDIsDeterministicPerIdentity(t *testing.T) {
	kp, err := sign.Generate()
	require.NoError(t, err)

	a := deriveNodeID(kp)
	b := deriveNodeID(kp)
	assert.Equal(t, a, b)

	other, err := sign.Generate()
	require.NoError(t, err)
	assert.NotEqual(t, a, deriveNodeID(other))
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New()
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestNodeStartStopEmitsLifecycleEvents(t *testing.T) {
	kp, err := sign.Generate()
	require.NoError(t, err)

	node, err := New(WithTransport(fakeTransport{}), WithIdentity(kp))
	require.NoError(t, err)
	assert.Equal(t, deriveNodeID(kp), node.LocalNodeID())

	var initialized bool
	node.Bus().Subscribe(types.EventInitialized, func(types.Event) { initialized = true })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, node.Start(ctx))
	assert.True(t, initialized)

	assert.ErrorIs(t, node.Start(ctx), ErrAlreadyStarted)

	var shutdown bool
	node.Bus().Subscribe(types.EventShutdown, func(types.Event) { shutdown = true })
	require.NoError(t, node.Stop(context.Background()))
	assert.True(t, shutdown)

	// Stop 之后重复调用是安全的空操作。
	require.NoError(t, node.Stop(context.Background()))
}

func TestSubmitTaskWithoutConnectedPeersFailsFast(t *testing.T) {
	kp, err := sign.Generate()
	require.NoError(t, err)
	node, err := New(WithTransport(fakeTransport{}), WithIdentity(kp))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, node.Start(ctx))
	defer node.Stop(context.Background())

	task := types.TaskRequest{
		TaskID:       types.NewTaskID(),
		Type:         types.TaskType(0),
		Requirements: types.Requirements{CPUCores: 1},
		Submitter:    node.LocalNodeID(),
		CreatedAt:    time.Now(),
	}
	_, err = node.SubmitTask(ctx, task)
	assert.Error(t, err)
}

func TestDecisionHelperIsConsultedOnInboundTask(t *testing.T) {
	kp, err := sign.Generate()
	require.NoError(t, err)

	var consulted bool
	rejecting := decisionHelperFunc(func(ctx context.Context, task types.TaskRequest) (bool, error) {
		consulted = true
		return false, nil
	})

	node, err := New(WithTransport(fakeTransport{}), WithIdentity(kp), WithDecisionHelper(rejecting))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, node.Start(ctx))
	defer node.Stop(context.Background())

	taskID := types.NewTaskID()
	task := types.TaskRequest{TaskID: taskID}
	node.Bus().Emit(types.Event{Kind: types.EventTaskReceived, TaskID: taskID, Task: &task})

	assert.True(t, consulted)
}

type decisionHelperFunc func(ctx context.Context, task types.TaskRequest) (bool, error)

func (f decisionHelperFunc) ShouldAccept(ctx context.Context, task types.TaskRequest) (bool, error) {
	return f(ctx, task)
}
