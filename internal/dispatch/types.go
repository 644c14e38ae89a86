// Package dispatch 实现 Task Dispatch（§4.4）：任务提交、候选选取、
// 主/backup 指派、本地执行调用与结果回传。本包是唯一允许变更活动任务
// 集合与 TaskAssignment 的地方（§3 "Dispatch owns active tasks/
// assignments"）。同一个 Service 既扮演任务的"提交者"角色（维护
// Pending→Active→Completed|Failed 状态机），也扮演"被指派者"角色
// （§4.4 accept/submit_result），因为在这个 P2P 网络里每个节点同时是
// 提交者和执行者。
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/taskmesh/meshcore/pkg/types"
)

// BackupCount §4.4 submit "pick top as primary, next three as backups"。
const BackupCount = 3

// DefaultMaxExecutionTime §4.4 "default 5 min" 任务看门狗超时。
const DefaultMaxExecutionTime = 5 * time.Minute

// DefaultCooldown 是 SPEC_FULL.md 补充特性"候选冷却"的窗口：一个刚被
// 从 primary 降级的节点，在此窗口内不会被同一 Dispatch 实例重新选为
// 新任务的候选，避免一个不稳定节点反复被选中造成 backup 抖动震荡
// （_examples/original_source/ 启发，见 DESIGN.md）。
const DefaultCooldown = 2 * time.Minute

// ExecutionHandler 是某个任务类型的执行黑盒（§4.4 "Execution dispatch
// is a black box to this specification"）。实现必须是可取消的：ctx 被
// 取消时必须尽快中止并返回错误。
type ExecutionHandler interface {
	Execute(ctx context.Context, task types.TaskRequest) (result []byte, execTime time.Duration, usage types.ResourceUsage, err error)
}

// outgoingTask 是本节点作为提交者跟踪的一个任务的完整状态（§3
// TaskRequest/TaskAssignment，§4.4 状态机）。
type outgoingTask struct {
	task       types.TaskRequest
	state      types.TaskState
	assignment types.TaskAssignment
	result     *types.TaskResult
	failReason types.FailureReason
	mu         sync.Mutex
}

// incomingAssignment 是本节点作为被指派者（primary 或 backup）持有的
// 一条任务指派记录（§4.4 accept）。
type incomingAssignment struct {
	task       types.TaskRequest
	assignment types.TaskAssignment
	isBackup   bool
	accepted   bool
	cancel     context.CancelFunc
}

// ReputationSource 是 Dispatch 候选排序所需要的信誉只读访问面
// （SPEC_FULL.md "dispatch never reaches into Verification's lock
// directly"）。未注入时一律返回 types.DefaultReputation。
type ReputationSource interface {
	Score(peer types.NodeID) float64
}

// PeerAccess 是 Dispatch 依赖的 Peer Manager 协作面。
type PeerAccess interface {
	Send(ctx context.Context, peer types.NodeID, frame types.Frame) error
	Broadcast(ctx context.Context, frame types.Frame) int
	PeerInfo(peer types.NodeID) (types.PeerRecord, bool)
}
