package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskmesh/meshcore/pkg/types"
)

func TestBusDispatchesByKindOnly(t *testing.T) {
	b := New()

	var gotConnected, gotDisconnected int
	b.Subscribe(types.EventPeerConnected, func(types.Event) { gotConnected++ })
	b.Subscribe(types.EventPeerDisconnected, func(types.Event) { gotDisconnected++ })

	b.Emit(types.Event{Kind: types.EventPeerConnected})
	b.Emit(types.Event{Kind: types.EventPeerConnected})

	assert.Equal(t, 2, gotConnected)
	assert.Equal(t, 0, gotDisconnected)
}

func TestSubscribeAllSeesEveryKind(t *testing.T) {
	b := New()

	var seen []types.EventKind
	b.SubscribeAll(func(ev types.Event) { seen = append(seen, ev.Kind) })

	b.Emit(types.Event{Kind: types.EventTaskCompleted})
	b.Emit(types.Event{Kind: types.EventTaskFailed})

	assert.Equal(t, []types.EventKind{types.EventTaskCompleted, types.EventTaskFailed}, seen)
}
