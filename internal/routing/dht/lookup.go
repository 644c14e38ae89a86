package dht

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/meshcore/pkg/types"
)

// Alpha 迭代 lookup 每轮并发查询的节点数（§4.2 lookup "α=3"）。
const Alpha = 3

// QueryTimeout 单次 FIND_NODE 查询的截止时间；失败的查询不会使整个
// lookup 失败（§4.2 lookup "Per-query deadline 5 s"）。
const QueryTimeout = 5 * time.Second

// Querier 向对端发起一次 FIND_NODE 查询并等待其候选节点列表；由上层
// （Discovery/Orchestrator 接线层）基于 Peer Manager 的 Send/OnFrame 实现
// （§4.2 "answer FIND_NODE queries from peers"）。
type Querier interface {
	FindNode(ctx context.Context, peer, target types.NodeID) ([]types.DHTNode, error)
}

// Lookup 执行一次迭代式 Kademlia 查找，返回按 XOR 距离排序的最多 k=20
// 个候选节点（§4.2 lookup）。seeds 来自表中已知的 α 个最近节点；每轮
// 向至多 α 个未查询节点并发发起 FIND_NODE，合并返回的候选，直到收集满
// k=20 个或再无未查询节点。
func (t *Table) Lookup(ctx context.Context, querier Querier, target types.NodeID) ([]types.DHTNode, error) {
	seeds := t.Closest(target, Alpha)
	if len(seeds) == 0 {
		return nil, ErrNoKnownNodes
	}

	var (
		mu      sync.Mutex
		queried = make(map[types.NodeID]bool)
		known   = make(map[types.NodeID]types.DHTNode)
	)
	for _, s := range seeds {
		known[s.NodeID] = s
	}

	for {
		mu.Lock()
		frontier := closestUnqueried(target, known, queried, Alpha)
		for _, n := range frontier {
			queried[n.NodeID] = true
		}
		mu.Unlock()

		if len(frontier) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(context.Background())
		for _, n := range frontier {
			node := n
			g.Go(func() error {
				qctx, cancel := context.WithTimeout(gctx, QueryTimeout)
				defer cancel()
				candidates, err := querier.FindNode(qctx, node.NodeID, target)
				if err != nil {
					// 失败的查询不会使整个 lookup 失败（§4.2）。
					return nil
				}
				mu.Lock()
				for _, c := range candidates {
					if c.NodeID == t.local {
						continue
					}
					if _, ok := known[c.NodeID]; !ok {
						known[c.NodeID] = c
					}
				}
				mu.Unlock()
				t.AddOrUpdate(node)
				for _, c := range candidates {
					t.AddOrUpdate(c)
				}
				return nil
			})
		}
		// errgroup 的 context 取消仅用于协调提前退出；每个查询自身已有
		// QueryTimeout 截止时间，此处的错误恒为 nil，无需检查。
		_ = g.Wait()

		select {
		case <-ctx.Done():
			return sortedValues(target, known, BucketSize), ctx.Err()
		default:
		}

		mu.Lock()
		size := len(known)
		mu.Unlock()
		if size >= BucketSize {
			break
		}
	}

	return sortedValues(target, known, BucketSize), nil
}

// closestUnqueried 返回 known 中尚未被查询过、距 target 最近的至多 n 个节点。
func closestUnqueried(target types.NodeID, known map[types.NodeID]types.DHTNode, queried map[types.NodeID]bool, n int) []types.DHTNode {
	all := make([]types.DHTNode, 0, len(known))
	for id, node := range known {
		if queried[id] {
			continue
		}
		node.XORDist = XORDistance(target, id)
		all = append(all, node)
	}
	sortByDistance(all)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func sortedValues(target types.NodeID, known map[types.NodeID]types.DHTNode, n int) []types.DHTNode {
	all := make([]types.DHTNode, 0, len(known))
	for id, node := range known {
		node.XORDist = XORDistance(target, id)
		all = append(all, node)
	}
	sortByDistance(all)
	if len(all) > n {
		all = all[:n]
	}
	return all
}
