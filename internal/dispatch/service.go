package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/taskmesh/meshcore/internal/eventbus"
	"github.com/taskmesh/meshcore/internal/routing/dht"
	"github.com/taskmesh/meshcore/pkg/lib/canonical"
	"github.com/taskmesh/meshcore/pkg/lib/log"
	"github.com/taskmesh/meshcore/pkg/types"
)

// Config 配置 Dispatch 的可调参数（§6 "task_timeout_ms"）。
type Config struct {
	MaxExecutionTime time.Duration
	Cooldown         time.Duration
	LookupTimeout    time.Duration
}

// DefaultConfig 返回 §6 列出的默认值。
func DefaultConfig() Config {
	return Config{
		MaxExecutionTime: DefaultMaxExecutionTime,
		Cooldown:         DefaultCooldown,
		LookupTimeout:    10 * time.Second,
	}
}

// Service 是 Task Dispatch 的唯一实现（§4.4）。
type Service struct {
	local      types.NodeID
	peers      PeerAccess
	table      *dht.Table
	querier    dht.Querier
	reputation ReputationSource
	bus        *eventbus.Bus
	cfg        Config
	clock      clock.Clock
	logger     *zap.SugaredLogger

	mu       sync.Mutex
	outgoing map[types.TaskID]*outgoingTask
	incoming map[types.TaskID]*incomingAssignment
	cooldown map[types.NodeID]time.Time

	handlersMu sync.RWMutex
	handlers   map[types.TaskType]ExecutionHandler

	timersMu sync.Mutex
	timers   map[types.TaskID]*clock.Timer
}

// New 创建一个尚未注册任何执行 handler 的 Dispatch Service。
func New(local types.NodeID, peers PeerAccess, table *dht.Table, querier dht.Querier, reputation ReputationSource, bus *eventbus.Bus, cfg Config) *Service {
	return &Service{
		local:      local,
		peers:      peers,
		table:      table,
		querier:    querier,
		reputation: reputation,
		bus:        bus,
		cfg:        cfg,
		clock:      clock.New(),
		logger:     log.Logger("dispatch"),
		outgoing:   make(map[types.TaskID]*outgoingTask),
		incoming:   make(map[types.TaskID]*incomingAssignment),
		cooldown:   make(map[types.NodeID]time.Time),
		handlers:   make(map[types.TaskType]ExecutionHandler),
		timers:     make(map[types.TaskID]*clock.Timer),
	}
}

// SetClock 替换内部时钟（测试用）。
func (s *Service) SetClock(c clock.Clock) { s.clock = c }

// RegisterHandler 为一种任务类型注册执行 handler（§4.4 "the task type
// selects a handler"）。
func (s *Service) RegisterHandler(t types.TaskType, h ExecutionHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[t] = h
}

func (s *Service) handlerFor(t types.TaskType) (ExecutionHandler, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	h, ok := s.handlers[t]
	return h, ok
}

func (s *Service) reputationOf(id types.NodeID) float64 {
	if s.reputation == nil {
		return types.DefaultReputation
	}
	return s.reputation.Score(id)
}

func (s *Service) inCooldown(id types.NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.cooldown[id]
	if !ok {
		return false
	}
	return s.clock.Now().Before(until)
}

func (s *Service) markCooldown(id types.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldown[id] = s.clock.Now().Add(s.cfg.Cooldown)
}

// Submit 实现 §4.4 submit：生成 task id、派生需求哈希、朝该哈希做一次
// lookup、过滤并排序候选、广播主/backup 指派、武装完成看门狗。
func (s *Service) Submit(ctx context.Context, task types.TaskRequest) (types.TaskID, error) {
	task.TaskID = types.NewTaskID()
	task.Submitter = s.local
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.clock.Now()
	}

	reqHash := canonical.RequirementHash(task.Requirements)
	target, err := types.NodeIDFromBytes(reqHash[:types.NodeIDSize])
	if err != nil {
		return types.ZeroTaskID, err
	}

	lctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	nodes, lookupErr := s.table.Lookup(lctx, s.querier, target)
	cancel()
	if lookupErr != nil && len(nodes) == 0 {
		return types.ZeroTaskID, ErrNoSuitableCandidates
	}

	cands := s.buildCandidates(nodes)
	ranked := rankCandidates(cands, task.Requirements)
	if len(ranked) == 0 {
		return types.ZeroTaskID, ErrNoSuitableCandidates
	}

	primary := ranked[0].id
	backups := make([]types.NodeID, 0, BackupCount)
	for i := 1; i < len(ranked) && len(backups) < BackupCount; i++ {
		backups = append(backups, ranked[i].id)
	}

	now := s.clock.Now()
	assignment := types.TaskAssignment{
		TaskID:             task.TaskID,
		Primary:            primary,
		AssignedAt:         now,
		ExpectedCompletion: now.Add(s.cfg.MaxExecutionTime),
		Backups:            backups,
	}

	entry := &outgoingTask{task: task, state: types.TaskActive, assignment: assignment}
	s.mu.Lock()
	s.outgoing[task.TaskID] = entry
	s.mu.Unlock()

	s.broadcastAssignment(ctx, task, assignment)
	s.armWatchdog(task.TaskID)

	s.bus.Emit(types.Event{Kind: types.EventTaskSubmitted, At: now, TaskID: task.TaskID, Task: &task})
	return task.TaskID, nil
}

// buildCandidates 把 lookup 返回的 DHTNode 折算为带最新信誉/延迟的候选
// （§4.4 submit "retain those whose capability snapshot satisfies... and
// whose reputation ≥ 0.5"的信誉输入来自 Verification 的只读访问面而不是
// 路由表里可能过期的 Reputation 字段）。
func (s *Service) buildCandidates(nodes []types.DHTNode) []candidate {
	out := make([]candidate, 0, len(nodes))
	for _, n := range nodes {
		if n.NodeID == s.local || s.inCooldown(n.NodeID) {
			continue
		}
		latency := 0.0
		capability := n.Capability
		if info, ok := s.peers.PeerInfo(n.NodeID); ok {
			latency = info.LatencyMS
			if info.Capability.CapturedAt.After(capability.CapturedAt) {
				capability = info.Capability
			}
		}
		out = append(out, candidate{
			id:         n.NodeID,
			capability: capability,
			reputation: s.reputationOf(n.NodeID),
			latencyMS:  latency,
		})
	}
	return out
}

func (s *Service) broadcastAssignment(ctx context.Context, task types.TaskRequest, assignment types.TaskAssignment) {
	send := func(to types.NodeID, isBackup bool) {
		frame := types.Frame{
			Kind: types.FrameTaskRequest,
			Payload: types.TaskRequestPayload{
				Assignment: assignment,
				Task:       task,
				IsBackup:   isBackup,
			},
		}
		_ = s.peers.Send(ctx, to, frame)
	}
	send(assignment.Primary, false)
	for _, b := range assignment.Backups {
		send(b, true)
	}
}

func (s *Service) armWatchdog(taskID types.TaskID) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if t, ok := s.timers[taskID]; ok {
		t.Stop()
	}
	s.timers[taskID] = s.clock.AfterFunc(s.cfg.MaxExecutionTime, func() {
		s.ReportFailure(context.Background(), taskID, types.FailureTimeout)
	})
}

func (s *Service) stopWatchdog(taskID types.TaskID) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if t, ok := s.timers[taskID]; ok {
		t.Stop()
		delete(s.timers, taskID)
	}
}

// ReportFailure 实现 §4.4 report_failure：backup 仍有剩余时提升队首为
// 新 primary 并重新广播指派，否则转入 Failed 并通知提交者（§7
// "TaskTimeout mapped internally to a backup-promotion or task-Failed
// transition"）。
func (s *Service) ReportFailure(ctx context.Context, taskID types.TaskID, reason types.FailureReason) error {
	s.mu.Lock()
	entry, ok := s.outgoing[taskID]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTask
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.state != types.TaskActive {
		return nil // 已经处于终态，保证恰好一次终态转移（§8）
	}

	if !entry.assignment.HasBackup() {
		entry.state = types.TaskFailed
		entry.failReason = reason
		s.stopWatchdog(taskID)
		s.logger.Warnw("task failed, no backups remain", "task", taskID.String(), "reason", reason)
		s.bus.Emit(types.Event{Kind: types.EventTaskFailed, At: s.clock.Now(), TaskID: taskID, Reason: reasonString(reason)})
		return nil
	}

	s.markCooldown(entry.assignment.Primary)
	newPrimary := entry.assignment.Backups[0]
	entry.assignment.Backups = entry.assignment.Backups[1:]
	entry.assignment.Primary = newPrimary
	entry.assignment.AssignedAt = s.clock.Now()
	entry.assignment.ExpectedCompletion = s.clock.Now().Add(s.cfg.MaxExecutionTime)

	s.broadcastAssignment(ctx, entry.task, entry.assignment)
	s.armWatchdog(taskID)
	s.logger.Infow("promoted backup to primary", "task", taskID.String(), "primary", newPrimary.String())
	return nil
}

func reasonString(r types.FailureReason) string {
	switch r {
	case types.FailureTimeout:
		return "timeout"
	case types.FailureCancelled:
		return "cancelled"
	default:
		return "execution_error"
	}
}

// TaskState 返回本节点作为提交者跟踪的任务当前状态。
func (s *Service) TaskState(taskID types.TaskID) (types.TaskState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.outgoing[taskID]
	if !ok {
		return types.TaskPending, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state, true
}

// Result 返回任务完成后的结果（仅在 Completed 状态下有意义）。
func (s *Service) Result(taskID types.TaskID) (types.TaskResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.outgoing[taskID]
	if !ok || entry.result == nil {
		return types.TaskResult{}, false
	}
	return *entry.result, true
}
