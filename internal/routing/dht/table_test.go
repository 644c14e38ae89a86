package dht

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/meshcore/pkg/types"
)

func TestXORDistanceSymmetricAndZeroForSelf(t *testing.T) {
	a := types.RandomNodeID()
	b := types.RandomNodeID()

	assert.Equal(t, XORDistance(a, b), XORDistance(b, a))
	assert.Equal(t, make([]byte, types.NodeIDSize), XORDistance(a, a))
}

func TestBucketIndexMatchesHighestSetBit(t *testing.T) {
	var local, other types.NodeID
	other[0] = 0x01 // differs only in the lowest bit of the highest-order byte

	idx := bucketIndex(local, other)
	assert.Equal(t, 7, idx)
}

func TestAddOrUpdateRejectsLocalID(t *testing.T) {
	local := types.RandomNodeID()
	table := NewTable(local, nil, clock.NewMock())

	table.AddOrUpdate(types.DHTNode{NodeID: local})
	assert.Equal(t, 0, table.Size())
}

func TestNoNodeAppearsTwiceAcrossBuckets(t *testing.T) {
	local := types.RandomNodeID()
	table := NewTable(local, nil, clock.NewMock())

	n := types.RandomNodeID()
	table.AddOrUpdate(types.DHTNode{NodeID: n})
	table.AddOrUpdate(types.DHTNode{NodeID: n})

	assert.Equal(t, 1, table.Size())
}

func TestClosestSortedByXORDistance(t *testing.T) {
	local := types.RandomNodeID()
	table := NewTable(local, nil, clock.NewMock())

	for i := 0; i < 10; i++ {
		table.AddOrUpdate(types.DHTNode{NodeID: types.RandomNodeID()})
	}

	target := types.RandomNodeID()
	closest := table.Closest(target, 5)
	require.Len(t, closest, 5)
	for i := 1; i < len(closest); i++ {
		assert.LessOrEqual(t, compareDistance(closest[i-1].XORDist, closest[i].XORDist), 0)
	}
}

// fullBucketPinger always reports the LRU candidate as alive, exercising
// the "on pong it stays; new node dropped" branch of add_or_update.
type fullBucketPinger struct{ alive bool }

func (p *fullBucketPinger) Ping(_ context.Context, _ types.NodeID) bool { return p.alive }

func TestBucketFullLRUPingedAndRetainedOnPong(t *testing.T) {
	local := types.RandomNodeID()
	// local all-zero, bucket index 159 (highest byte's lowest bit) holds ids
	// that differ from local only in the last bit.
	clk := clock.NewMock()
	pinger := &fullBucketPinger{alive: true}
	table := NewTable(local, pinger, clk)

	var firstID types.NodeID
	var ids []types.NodeID
	for i := 0; i < BucketSize+1; i++ {
		id := local
		// fix the top bit of the last byte so every id's XOR distance to
		// local shares the same highest set bit, i.e. the same bucket.
		id[types.NodeIDSize-1] ^= 0x80 | byte(i+1)
		ids = append(ids, id)
	}
	for i, id := range ids[:BucketSize] {
		if i == 0 {
			firstID = id
		}
		table.AddOrUpdate(types.DHTNode{NodeID: id})
		clk.Add(time.Millisecond)
	}
	require.Equal(t, BucketSize, table.Size())

	table.AddOrUpdate(types.DHTNode{NodeID: ids[BucketSize]})

	// give the async ping goroutine a chance to run and resolve.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !table.Contains(ids[BucketSize]) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	assert.True(t, table.Contains(firstID))
	assert.False(t, table.Contains(ids[BucketSize]))
}

func TestLookupReturnsSeedsWhenNoPeersRespond(t *testing.T) {
	local := types.RandomNodeID()
	table := NewTable(local, nil, clock.NewMock())
	seed := types.RandomNodeID()
	table.AddOrUpdate(types.DHTNode{NodeID: seed})

	q := &failingQuerier{}
	target := types.RandomNodeID()
	results, err := table.Lookup(context.Background(), q, target)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, seed, results[0].NodeID)
}

type failingQuerier struct{}

func (failingQuerier) FindNode(_ context.Context, _, _ types.NodeID) ([]types.DHTNode, error) {
	return nil, assertErr
}

var assertErr = assertError("no route")

type assertError string

func (e assertError) Error() string { return string(e) }

func TestLookupErrorsWithoutSeeds(t *testing.T) {
	local := types.RandomNodeID()
	table := NewTable(local, nil, clock.NewMock())

	_, err := table.Lookup(context.Background(), failingQuerier{}, types.RandomNodeID())
	assert.ErrorIs(t, err, ErrNoKnownNodes)
}
