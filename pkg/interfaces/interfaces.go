// Package interfaces 定义核心与外部协作方之间的窄接口（§1 "OUT OF
// SCOPE: 外部协作方"）。核心只依赖这些接口，从不反向持有具体实现，
// 也从不跨越子系统所有权边界直接调用——子系统间只通过各自的命令入口
// 通信（§9 redesign flag "back-references between subsystems"）。
package interfaces

import (
	"context"

	"github.com/taskmesh/meshcore/pkg/types"
)

// CapabilitySource 设备侧遥测源：提供本机算力快照。真实实现运行在核心
// 之外（§1），核心只持有这个接口；internal/telemetry 提供了一个基于
// 真实主机统计信息的默认实现，用于在没有外部遥测源时也不必回退到
// 随机/mock 数据（参见 spec.md §9 Open Questions 第一条）。
type CapabilitySource interface {
	// Snapshot 返回当前能力快照；遥测源未就绪时返回 ErrTelemetryUnavailable。
	Snapshot(ctx context.Context) (types.CapabilitySnapshot, error)
}

// DecisionHelper 本地资源决策助手：在核心收到任务分配后，决定是否接受
// 执行（§1、§4.7 "consults the external decision helper"）。核心从不
// 内置接受/拒绝策略。
type DecisionHelper interface {
	// ShouldAccept 返回是否接受给定的任务分配。
	ShouldAccept(ctx context.Context, task types.TaskRequest) (bool, error)
}

// SettlementLayer 区块链结算层：记录任务完成与奖励发放（§1）。核心从不
// 实现奖励经济学，只在任务完成时通知这个接口。
type SettlementLayer interface {
	RecordCompletion(ctx context.Context, taskID types.TaskID, executor types.NodeID, reward float64) error
}

// Transport 对端之间的双向有序消息流原语（§2.1、§5 "shared across all
// subsystems but used only through the Peer Manager"）。NAT 穿透、
// 底层拥塞控制等细节属于该原语的实现，不在本模块范围内。
type Transport interface {
	// Dial 建立到指定节点的有序消息流；失败时返回的 error 应可通过
	// go-temp-err-catcher 分类为临时或永久。
	Dial(ctx context.Context, peer types.NodeID) (Stream, error)
}

// Stream 单条对端间的双向有序消息流。
type Stream interface {
	Send(ctx context.Context, frame types.Frame) error
	Recv(ctx context.Context) (types.Frame, error)
	Close() error
}
