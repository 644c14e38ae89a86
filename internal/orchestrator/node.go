// Package orchestrator 装配 Peer Manager、Routing、Discovery、
// Verification、Resilience 与 Dispatch 成一个单一的公开入口（§4.7）。
// 这是唯一允许外部调用者持有引用的类型；子系统之间从不互相持有对方的
// 引用，全部协作通过本包注入的窄接口完成（§1、§9 redesign flag）。
//
// 典型用法：
//
//	node, err := orchestrator.New(
//		orchestrator.WithTransport(myTransport),
//		orchestrator.WithIdentity(identity),
//		orchestrator.WithBootstrapNodes(seed1, seed2),
//	)
//	if err != nil { ... }
//	if err := node.Start(ctx); err != nil { ... }
//	defer node.Stop(context.Background())
//
//	taskID, err := node.SubmitTask(ctx, task)
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/jbenet/goprocess"
	"go.uber.org/fx"
	"go.uber.org/multierr"

	"github.com/taskmesh/meshcore/internal/eventbus"
	"github.com/taskmesh/meshcore/pkg/types"
)

// startTimeout 是 fx.App.Start 允许花费的最长时间（教学仓库 node.go 的
// initializeTimeout 惯例，规模按本模块子系统数量收缩）。
const startTimeout = 15 * time.Second

// stopTimeout 是 fx.App.Stop 允许花费的最长时间。
const stopTimeout = 15 * time.Second

// Node 是 Orchestrator 的唯一公开类型：一个已装配但可能尚未启动的
// TaskMesh 核心实例。
type Node struct {
	cfg Config
	c   *components
	app *fx.App

	mu      sync.Mutex
	started bool

	proc goprocess.Process
}

// New 按给定选项装配全部子系统；此调用本身不启动任何网络活动，调用
// Start 才会让节点开始收发帧。
func New(opts ...Option) (*Node, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	c, err := buildComponents(cfg)
	if err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg, c: c}
	n.proc = goprocess.WithTeardown(func() error {
		return n.Stop(context.Background())
	})
	n.wireDecisionHelper()
	n.wireSettlement()
	return n, nil
}

// Start 启动各子系统的维护循环（§4.7 启动顺序）。重复调用返回
// ErrAlreadyStarted。
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return ErrAlreadyStarted
	}

	app := buildFxApp(n.cfg, n.c)
	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		// peer.New 已经在构造时起好了存活检测/驱逐协程，它们不在 fx
		// 的生命周期钩子里；Start 失败时必须显式收尾，否则这两个协程
		// 会泄漏到一个永远不会被 Stop 的节点上。
		closeErr := n.c.peers.Close()
		return multierr.Append(err, closeErr)
	}
	n.app = app
	n.started = true

	n.c.bus.Emit(types.Event{Kind: types.EventInitialized, At: time.Now(), Peer: n.c.local})
	return nil
}

// Stop 按逆序关闭所有子系统（§5 "Shutdown is cooperative"）。对尚未
// Start 的节点调用是安全的空操作。
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	err := n.app.Stop(stopCtx)
	n.started = false
	n.c.bus.Emit(types.Event{Kind: types.EventShutdown, At: time.Now()})
	return err
}

// Process 返回一个 goprocess.Process 句柄：关闭它等价于调用 Stop，供
// 把若干个 Node 组合进一棵更大进程树的嵌入方使用。
func (n *Node) Process() goprocess.Process { return n.proc }

// LocalNodeID 返回从本地身份公钥派生的 160-bit 节点标识（§3）。
func (n *Node) LocalNodeID() types.NodeID { return n.c.local }

// Bus 返回事件总线的只读订阅面；嵌入方通过它观察 §6 列出的外部边界
// 事件，核心从不反向依赖订阅者的存在。
func (n *Node) Bus() *eventbus.Bus { return n.c.bus }

// SubmitTask 把任务提交给 Dispatch（§4.4 submit），经由唯一公开入口
// 转发，调用方永远不直接持有 dispatch.Service 的引用。Dispatch 自己在
// 成功路径上发出 EventTaskSubmitted，这里不重复发射。
func (n *Node) SubmitTask(ctx context.Context, task types.TaskRequest) (types.TaskID, error) {
	return n.c.disp.Submit(ctx, task)
}

// TaskState 返回一次提交的任务当前所处的状态机状态（§4.4）。
func (n *Node) TaskState(taskID types.TaskID) (types.TaskState, bool) {
	return n.c.disp.TaskState(taskID)
}

// TaskResult 返回一次提交的任务的最终结果（§3 TaskResult），仅在
// Completed 状态下存在。
func (n *Node) TaskResult(taskID types.TaskID) (types.TaskResult, bool) {
	return n.c.disp.Result(taskID)
}

// ReportTaskFailure 把一次任务执行失败上报给 Dispatch（§4.4、§7
// TaskTimeout 之外的显式失败路径，例如外部执行沙箱探测到的崩溃）。
func (n *Node) ReportTaskFailure(ctx context.Context, taskID types.TaskID, reason types.FailureReason) error {
	return n.c.disp.ReportFailure(ctx, taskID, reason)
}

// RequestVerification 对一次任务结果发起多验证者共识（§4.5）。
func (n *Node) RequestVerification(ctx context.Context, task types.TaskRequest, result types.TaskResult) (types.VerificationID, error) {
	if !n.cfg.verificationRequired {
		return types.VerificationID{}, nil
	}
	return n.c.verif.RequestVerification(ctx, task, result)
}

// wireDecisionHelper 在收到入站任务指派时咨询外部决策助手，只有在它
// 批准之后才调用 Accept（§4.7 "only on approval does it call accept"）。
// 未注入 DecisionHelper 时默认全部接受，这与教学仓库里外部协作方缺失
// 时的保守降级风格一致：核心从不内置自己的接受策略。
func (n *Node) wireDecisionHelper() {
	n.c.bus.Subscribe(types.EventTaskReceived, func(ev types.Event) {
		if ev.Task == nil {
			return
		}
		ctx := context.Background()
		accept := true
		if n.cfg.decision != nil {
			var err error
			accept, err = n.cfg.decision.ShouldAccept(ctx, *ev.Task)
			if err != nil {
				accept = false
			}
		}
		if !accept {
			return
		}
		_ = n.c.disp.Accept(ctx, ev.TaskID)
	})
}

// wireSettlement 在任务完成时通知外部结算层；未注入时这是一个空操作
// （§1 "核心从不实现奖励经济学"）。
func (n *Node) wireSettlement() {
	if n.cfg.settle == nil {
		return
	}
	n.c.bus.Subscribe(types.EventTaskCompleted, func(ev types.Event) {
		if ev.Result == nil {
			return
		}
		_ = n.cfg.settle.RecordCompletion(context.Background(), ev.TaskID, ev.Result.CompletedBy, 0)
	})
}
