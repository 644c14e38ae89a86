package dht

import (
	"sync"
	"time"

	"github.com/taskmesh/meshcore/pkg/types"
)

// BucketSize 是 k-bucket 的容量（§3 "k=20"）。
const BucketSize = 20

// kBucket 按最近活跃排序的有序节点列表，外加一个等待淘汰裁决的候选槛。
// 最近活跃的节点在 nodes[0]，LRU 候选在末尾（§4.2 add_or_update）。
type kBucket struct {
	mu      sync.Mutex
	nodes   []types.DHTNode
	pending map[types.NodeID]types.DHTNode // lru node id -> 等待接纳的新节点
	refresh time.Time
}

func newKBucket(now time.Time) *kBucket {
	return &kBucket{
		nodes:   make([]types.DHTNode, 0, BucketSize),
		pending: make(map[types.NodeID]types.DHTNode),
		refresh: now,
	}
}

func (b *kBucket) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.nodes)
}

func (b *kBucket) snapshot() []types.DHTNode {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.DHTNode, len(b.nodes))
	copy(out, b.nodes)
	return out
}

func (b *kBucket) indexOf(id types.NodeID) int {
	for i, n := range b.nodes {
		if n.NodeID == id {
			return i
		}
	}
	return -1
}

// add 将 node 插入桶。若桶未满或 node 已存在，直接接纳并返回 (true, zero)。
// 若桶已满且 node 是新节点，返回 (false, lru) 令调用方对 lru 发起存活 ping；
// 裁决结果通过 resolveEviction 回报（§4.2）。
func (b *kBucket) add(node types.DHTNode) (accepted bool, lru types.DHTNode, needsPing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.indexOf(node.NodeID); i >= 0 {
		b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
		b.nodes = append([]types.DHTNode{node}, b.nodes...)
		return true, types.DHTNode{}, false
	}

	if len(b.nodes) < BucketSize {
		b.nodes = append([]types.DHTNode{node}, b.nodes...)
		return true, types.DHTNode{}, false
	}

	lruNode := b.nodes[len(b.nodes)-1]
	if _, already := b.pending[lruNode.NodeID]; already {
		// 已经有一次淘汰裁决在途，丢弃新的候选而不是重复 ping。
		return false, types.DHTNode{}, false
	}
	b.pending[lruNode.NodeID] = node
	return false, lruNode, true
}

// resolveEviction 处理针对 lruID 的存活探测结果（§4.2 "on pong it stays;
// on timeout it is evicted and the new node admitted"）。
func (b *kBucket) resolveEviction(lruID types.NodeID, alive bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	candidate, ok := b.pending[lruID]
	if !ok {
		return
	}
	delete(b.pending, lruID)

	i := b.indexOf(lruID)
	if i < 0 {
		return
	}
	if alive {
		lruNode := b.nodes[i]
		b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
		b.nodes = append([]types.DHTNode{lruNode}, b.nodes...)
		return
	}
	b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	b.nodes = append([]types.DHTNode{candidate}, b.nodes...)
}

func (b *kBucket) remove(id types.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.indexOf(id); i >= 0 {
		b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	}
}

// oldestBeyond 返回桶中是否存在 last_seen 早于 staleAfter 的节点，供
// refresh() 判定该桶是否需要刷新（§4.2 refresh）。
func (b *kBucket) oldestBeyond(now time.Time, staleAfter time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range b.nodes {
		if now.Sub(n.LastSeen) > staleAfter {
			return true
		}
	}
	return false
}
