package peer

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
	"github.com/taskmesh/meshcore/pkg/interfaces"
	"github.com/taskmesh/meshcore/pkg/types"
)

// fakeStream is an in-memory Stream backed by channels, used to simulate a
// connected peer without a real transport.
type fakeStream struct {
	out  chan types.Frame
	in   chan types.Frame
	once sync.Once
	done chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{out: make(chan types.Frame, 16), in: make(chan types.Frame, 16), done: make(chan struct{})}
}

func (s *fakeStream) Send(_ context.Context, f types.Frame) error {
	select {
	case s.out <- f:
		return nil
	case <-s.done:
		return errors.New("closed")
	}
}

func (s *fakeStream) Recv(ctx context.Context) (types.Frame, error) {
	select {
	case f := <-s.in:
		return f, nil
	case <-s.done:
		return types.Frame{}, errors.New("closed")
	case <-ctx.Done():
		return types.Frame{}, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// fakeTransport dials succeed/fail according to a scripted outcome list.
type fakeTransport struct {
	mu      sync.Mutex
	outcome []error
	stream  *fakeStream
}

func (t *fakeTransport) Dial(_ context.Context, _ types.NodeID) (interfaces.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.outcome) == 0 {
		return t.stream, nil
	}
	err := t.outcome[0]
	t.outcome = t.outcome[1:]
	if err != nil {
		return nil, err
	}
	return t.stream, nil
}

func TestConnectSucceedsOnFirstTry(t *testing.T) {
	tr := &fakeTransport{stream: newFakeStream()}
	bus := eventbus.New()
	m := New(types.RandomNodeID(), tr, nil, bus, DefaultConfig())
	defer m.Close()

	peer := types.RandomNodeID()
	err := m.Connect(context.Background(), peer, types.PeerRecord{})
	require.NoError(t, err)

	info, ok := m.PeerInfo(peer)
	require.True(t, ok)
	assert.Equal(t, types.StatusConnected, info.Status)
}

func TestConnectExhaustsAfterThreeFailures(t *testing.T) {
	tr := &fakeTransport{
		outcome: []error{errors.New("boom"), errors.New("boom"), errors.New("boom")},
		stream:  newFakeStream(),
	}
	bus := eventbus.New()
	mockClock := clock.NewMock()
	cfg := DefaultConfig()
	cfg.Clock = mockClock
	cfg.RetryBackoff = time.Millisecond
	m := New(types.RandomNodeID(), tr, nil, bus, cfg)
	defer m.Close()

	peer := types.RandomNodeID()
	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background(), peer, types.PeerRecord{}) }()

	for i := 0; i < 3; i++ {
		mockClock.Add(time.Millisecond)
	}

	err := <-done
	assert.ErrorIs(t, err, ErrConnectAttemptsExhausted)

	info, ok := m.PeerInfo(peer)
	require.True(t, ok)
	assert.Equal(t, types.StatusFailed, info.Status)
}

func TestSendFailsWhenNotConnected(t *testing.T) {
	tr := &fakeTransport{stream: newFakeStream()}
	bus := eventbus.New()
	m := New(types.RandomNodeID(), tr, nil, bus, DefaultConfig())
	defer m.Close()

	err := m.Send(context.Background(), types.RandomNodeID(), types.Frame{Kind: types.FramePing, Payload: types.PingPayload{}})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestBroadcastCountsConnectedPeers(t *testing.T) {
	tr := &fakeTransport{stream: newFakeStream()}
	bus := eventbus.New()
	m := New(types.RandomNodeID(), tr, nil, bus, DefaultConfig())
	defer m.Close()

	p1, p2 := types.RandomNodeID(), types.RandomNodeID()
	require.NoError(t, m.Connect(context.Background(), p1, types.PeerRecord{}))
	require.NoError(t, m.Connect(context.Background(), p2, types.PeerRecord{}))

	n := m.Broadcast(context.Background(), types.Frame{Kind: types.FramePing, Payload: types.PingPayload{}})
	assert.Equal(t, 2, n)
}

func TestLocalCapabilitiesWithoutTelemetryFails(t *testing.T) {
	tr := &fakeTransport{stream: newFakeStream()}
	bus := eventbus.New()
	m := New(types.RandomNodeID(), tr, nil, bus, DefaultConfig())
	defer m.Close()

	_, err := m.LocalCapabilities(context.Background())
	assert.ErrorIs(t, err, ErrTelemetryUnavailable)
}
