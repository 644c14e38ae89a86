package dispatch

import (
	"context"

	"github.com/taskmesh/meshcore/pkg/types"
)

// HandleFrame 把收到的帧路由到正确的处理函数（§4.4 的三种入站帧：
// TaskRequest 落在被指派者视角，TaskResponse/TaskResult 落在提交者
// 视角）。未知帧种类直接忽略，由 Peer Manager 的分发表保证不会发生。
func (s *Service) HandleFrame(ctx context.Context, frame types.Frame) {
	switch p := frame.Payload.(type) {
	case types.TaskRequestPayload:
		s.handleTaskRequest(frame.From, p)
	case types.TaskResponsePayload:
		s.handleTaskResponse(ctx, p)
	case types.TaskResultPayload:
		s.handleTaskResult(p)
	}
}

// handleTaskRequest 记录一条入站指派并通知上层（§4.4 accept 的前序
// 步骤：是否接受由 orchestrator 咨询 DecisionHelper 之后显式调用
// Accept 决定，本函数本身不做接受/拒绝判断）。
func (s *Service) handleTaskRequest(from types.NodeID, p types.TaskRequestPayload) {
	s.mu.Lock()
	s.incoming[p.Task.TaskID] = &incomingAssignment{
		task:       p.Task,
		assignment: p.Assignment,
		isBackup:   p.IsBackup,
	}
	s.mu.Unlock()

	s.bus.Emit(types.Event{
		Kind:   types.EventTaskReceived,
		At:     s.clock.Now(),
		TaskID: p.Task.TaskID,
		Task:   &p.Task,
		Peer:   from,
	})
}

// handleTaskResponse 处理提交者收到的接受/拒绝回执（§4.4 的
// report_failure 触发路径之一："被指派者主动拒绝或执行失败"）。
func (s *Service) handleTaskResponse(ctx context.Context, p types.TaskResponsePayload) {
	if p.Accepted {
		s.bus.Emit(types.Event{Kind: types.EventTaskAccepted, At: s.clock.Now(), TaskID: p.TaskID})
		return
	}
	_ = s.ReportFailure(ctx, p.TaskID, types.FailureExecutionError)
}

// handleTaskResult 处理提交者收到的最终结果帧（§8 不变式："恰好一帧
// TaskResult，且仅在真正执行成功时发送"）。
func (s *Service) handleTaskResult(p types.TaskResultPayload) {
	s.mu.Lock()
	entry, ok := s.outgoing[p.Result.TaskID]
	s.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.state != types.TaskActive {
		return
	}

	s.stopWatchdog(p.Result.TaskID)
	if p.Error != "" {
		entry.state = types.TaskFailed
		entry.failReason = types.FailureExecutionError
		s.logger.Warnw("task result carried error", "task", p.Result.TaskID.String(), "error", p.Error)
		s.bus.Emit(types.Event{Kind: types.EventTaskFailed, At: s.clock.Now(), TaskID: p.Result.TaskID, Reason: p.Error})
		return
	}

	result := p.Result
	entry.state = types.TaskCompleted
	entry.result = &result
	s.logger.Infow("task completed", "task", p.Result.TaskID.String(), "by", result.CompletedBy.String())
	s.bus.Emit(types.Event{Kind: types.EventTaskCompleted, At: s.clock.Now(), TaskID: p.Result.TaskID, Result: &result})
}

// Accept 实现 §4.4 accept：本节点同意执行一条已记录的入站指派。没有
// 为该任务类型注册 handler 时视为拒绝。接受后立即异步执行，不阻塞
// 调用方。
func (s *Service) Accept(ctx context.Context, taskID types.TaskID) error {
	s.mu.Lock()
	assignment, ok := s.incoming[taskID]
	s.mu.Unlock()
	if !ok {
		return ErrNotAssigned
	}

	handler, ok := s.handlerFor(assignment.task.Type)
	if !ok {
		s.replyResponse(ctx, assignment.task.Submitter, taskID, false)
		s.mu.Lock()
		delete(s.incoming, taskID)
		s.mu.Unlock()
		return ErrNoHandler
	}

	assignment.accepted = true
	execCtx, cancel := context.WithTimeout(context.Background(), s.cfg.MaxExecutionTime)
	assignment.cancel = cancel

	s.replyResponse(ctx, assignment.task.Submitter, taskID, true)
	s.bus.Emit(types.Event{Kind: types.EventTaskAccepted, At: s.clock.Now(), TaskID: taskID})

	go s.runExecution(execCtx, cancel, assignment.task, handler)
	return nil
}

func (s *Service) replyResponse(ctx context.Context, to types.NodeID, taskID types.TaskID, accepted bool) {
	frame := types.Frame{
		Kind:    types.FrameTaskResponse,
		Payload: types.TaskResponsePayload{TaskID: taskID, Accepted: accepted},
	}
	_ = s.peers.Send(ctx, to, frame)
}

// runExecution 调用执行 handler 并把结果回传给提交者（§4.4
// submit_result）。失败走 TaskResponse{Accepted:false} 路径，驱动提交
// 者自己的 report_failure/backup 提升状态机；只有真正的成功才产生唯一
// 的 TaskResult 帧。
func (s *Service) runExecution(ctx context.Context, cancel context.CancelFunc, task types.TaskRequest, handler ExecutionHandler) {
	defer cancel()
	defer func() {
		s.mu.Lock()
		delete(s.incoming, task.TaskID)
		s.mu.Unlock()
	}()

	payload, execTime, usage, err := handler.Execute(ctx, task)
	sendCtx := context.Background()
	if err != nil {
		s.logger.Warnw("execution failed", "task", task.TaskID.String(), "err", err)
		s.replyResponse(sendCtx, task.Submitter, task.TaskID, false)
		return
	}

	result := types.TaskResult{
		TaskID:        task.TaskID,
		Result:        payload,
		CompletedBy:   s.local,
		CompletedAt:   s.clock.Now(),
		ExecTime:      execTime,
		ResourceUsage: usage,
	}
	frame := types.Frame{
		Kind:    types.FrameTaskResult,
		Payload: types.TaskResultPayload{Result: result},
	}
	if sendErr := s.peers.Send(sendCtx, task.Submitter, frame); sendErr != nil {
		s.logger.Warnw("failed to deliver task result", "task", task.TaskID.String(), "err", sendErr)
	}
}
