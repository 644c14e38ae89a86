package dht

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/taskmesh/meshcore/pkg/types"
)

// NumBuckets 160-bit id 空间对应的桶数量（§3 "160 buckets"）。
const NumBuckets = types.NodeIDSize * 8

// StaleAfter 节点超过此时长未见即视为需要刷新所在桶（§4.2 refresh）。
const StaleAfter = 5 * time.Minute

// RefreshInterval 桶刷新周期（§4.2 refresh "every 60 s"）。
const RefreshInterval = 60 * time.Second

// Pinger 向候选节点发起一次存活探测，在 ctx 到期前收到 pong 则返回 true
// （§4.2 "the LRU is pinged; on pong it stays; on timeout it is evicted"）。
type Pinger interface {
	Ping(ctx context.Context, id types.NodeID) bool
}

// Table 是 Kademlia 路由表的唯一实现（§3 RoutingTable，§4.2）。
type Table struct {
	local   types.NodeID
	pinger  Pinger
	clock   clock.Clock
	pingCtx time.Duration

	mu      sync.RWMutex
	buckets [NumBuckets]*kBucket
	index   map[types.NodeID]int
}

// NewTable 创建一个以 local 为中心的路由表；pinger 可以为 nil，此时
// 桶满时直接丢弃新候选（保守、不驱逐任何已知存活节点）。
func NewTable(local types.NodeID, pinger Pinger, clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.New()
	}
	t := &Table{
		local:   local,
		pinger:  pinger,
		clock:   clk,
		pingCtx: 5 * time.Second,
		index:   make(map[types.NodeID]int),
	}
	now := clk.Now()
	for i := range t.buckets {
		t.buckets[i] = newKBucket(now)
	}
	return t
}

// AddOrUpdate 将 node 插入合适的桶（§4.2 add_or_update）。本地节点永远
// 不会加入自己的表（§3 "Local node never appears in its own table"）。
func (t *Table) AddOrUpdate(node types.DHTNode) {
	if node.NodeID == t.local {
		return
	}
	idx := bucketIndex(t.local, node.NodeID)
	if idx < 0 {
		return
	}
	node.LastSeen = t.clock.Now()

	t.mu.Lock()
	bucket := t.buckets[idx]
	t.mu.Unlock()

	accepted, lru, needsPing := bucket.add(node)
	if accepted {
		t.mu.Lock()
		t.index[node.NodeID] = idx
		t.mu.Unlock()
		return
	}
	if !needsPing || t.pinger == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.pingCtx)
		defer cancel()
		alive := t.pinger.Ping(ctx, lru.NodeID)
		bucket.resolveEviction(lru.NodeID, alive)
		if !alive {
			t.mu.Lock()
			delete(t.index, lru.NodeID)
			t.index[node.NodeID] = idx
			t.mu.Unlock()
		}
	}()
}

// Remove 从表中彻底移除一个节点，无论它处于哪个桶。
func (t *Table) Remove(id types.NodeID) {
	t.mu.Lock()
	idx, ok := t.index[id]
	if ok {
		delete(t.index, id)
	}
	t.mu.Unlock()
	if ok {
		t.buckets[idx].remove(id)
	}
}

// Size 返回表中已知节点总数。
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.index)
}

// Contains 判断表中是否已知某节点。
func (t *Table) Contains(id types.NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.index[id]
	return ok
}

// Closest 返回最多 n 个按 XOR 距离排序、距离 target 最近的已知节点
// （§4.2 closest）。
func (t *Table) Closest(target types.NodeID, n int) []types.DHTNode {
	t.mu.RLock()
	buckets := t.buckets
	t.mu.RUnlock()

	var all []types.DHTNode
	for _, b := range buckets {
		all = append(all, b.snapshot()...)
	}
	for i := range all {
		all[i].XORDist = XORDistance(target, all[i].NodeID)
	}
	sortByDistance(all)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// sortByDistance 按 XORDist 升序原地排序（插入排序；候选数量受 k=20 和
// α=3 迭代 lookup 的规模限制，不需要 O(n log n) 排序）。
func sortByDistance(nodes []types.DHTNode) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && compareDistance(nodes[j].XORDist, nodes[j-1].XORDist) < 0; j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}

// BucketsNeedingRefresh 返回需要刷新的桶索引列表（§4.2 refresh）。
func (t *Table) BucketsNeedingRefresh(now time.Time) []int {
	t.mu.RLock()
	buckets := t.buckets
	t.mu.RUnlock()

	var out []int
	for i, b := range buckets {
		if b.size() == 0 {
			continue
		}
		if b.oldestBeyond(now, StaleAfter) {
			out = append(out, i)
		}
	}
	return out
}

// RandomIDInBucket 生成一个落在指定桶地址范围内的随机 id，供 refresh()
// 向该桶发起一次 lookup（§4.2 "a lookup toward a random id within that
// bucket's address range"）。
func RandomIDInBucket(local types.NodeID, bucketIdx int) types.NodeID {
	id := local
	// bucketIdx 按 §3 的约定从最低有效位一侧数（bucket 0 = bit 0），
	// 而 id 字节数组里下标 0 存的是最高有效字节，所以要先把 bucketIdx
	// 换算成"从最高有效位数起的偏移量"，再拆成字节/位下标，镜像关系
	// 与 bucketIndex 保持一致。
	posFromMSB := (NumBuckets - 1) - bucketIdx
	byteIdx := posFromMSB / 8
	bitIdx := 7 - (posFromMSB % 8)
	if byteIdx >= len(id) {
		return types.RandomNodeID()
	}
	id[byteIdx] ^= 1 << uint(bitIdx)
	tail := types.RandomNodeID()
	for i := byteIdx + 1; i < len(id); i++ {
		id[i] = tail[i]
	}
	return id
}
