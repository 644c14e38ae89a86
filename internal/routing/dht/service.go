package dht

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/taskmesh/meshcore/pkg/types"
)

// Sender 是 Service 发送帧所需要的最小协作面，由 Peer Manager 提供
// （§5 "shared across all subsystems but used only through the Peer
// Manager"）。
type Sender interface {
	Send(ctx context.Context, peer types.NodeID, frame types.Frame) error
}

// Service 把 Table 接入帧总线：应答入站 FIND_NODE，并把出站 FIND_NODE
// 的回执路由给等待它的 Lookup 调用（§4.2 "answer FIND_NODE queries from
// peers"）。它实现 Querier，供 Table.Lookup 使用。
type Service struct {
	local  types.NodeID
	table  *Table
	sender Sender

	mu      sync.Mutex
	waiting map[string]chan types.PeerDiscoveryPayload
}

// NewService 创建一个与 table 绑定的 FIND_NODE 请求/应答服务。
func NewService(local types.NodeID, table *Table, sender Sender) *Service {
	return &Service{
		local:   local,
		table:   table,
		sender:  sender,
		waiting: make(map[string]chan types.PeerDiscoveryPayload),
	}
}

// FindNode 实现 Querier：向 peer 发起一次 FIND_NODE，阻塞直至收到回执
// 或 ctx 到期。
func (s *Service) FindNode(ctx context.Context, peer, target types.NodeID) ([]types.DHTNode, error) {
	reqID := uuid.NewString()
	ch := make(chan types.PeerDiscoveryPayload, 1)

	s.mu.Lock()
	s.waiting[reqID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiting, reqID)
		s.mu.Unlock()
	}()

	frame := types.Frame{
		Kind: types.FramePeerDiscovery,
		Payload: types.PeerDiscoveryPayload{
			Sub:            types.DiscoveryFindNode,
			RequestID:      reqID,
			FindNodeTarget: target,
		},
	}
	if err := s.sender.Send(ctx, peer, frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp.Nodes, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleFrame 是 FramePeerDiscovery 的 FIND_NODE/FIND_NODE_RESP 子分支
// 处理器；供上层把它注册到 Peer Manager 的 OnFrame（其余 discovery 子
// 消息由 internal/discovery 处理，不在本包关心范围内）。
func (s *Service) HandleFrame(frame types.Frame) {
	payload, ok := frame.Payload.(types.PeerDiscoveryPayload)
	if !ok {
		return
	}
	switch payload.Sub {
	case types.DiscoveryFindNode:
		s.table.AddOrUpdate(types.DHTNode{NodeID: frame.From})
		closest := s.table.Closest(payload.FindNodeTarget, BucketSize)
		reply := types.Frame{
			Kind: types.FramePeerDiscovery,
			Payload: types.PeerDiscoveryPayload{
				Sub:       types.DiscoveryFindNodeResp,
				RequestID: payload.RequestID,
				Nodes:     closest,
			},
		}
		_ = s.sender.Send(context.Background(), frame.From, reply)
	case types.DiscoveryFindNodeResp:
		s.mu.Lock()
		ch, ok := s.waiting[payload.RequestID]
		s.mu.Unlock()
		if ok {
			select {
			case ch <- payload:
			default:
			}
		}
	}
}
