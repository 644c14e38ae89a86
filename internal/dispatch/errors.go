package dispatch

import "errors"

var (
	// ErrNoSuitableCandidates §4.4 submit："filtered set 为空时失败，不
	// 记录任何任务"。
	ErrNoSuitableCandidates = errors.New("dispatch: no suitable candidates")
	// ErrUnknownTask 引用了一个本节点没有作为提交者在跟踪的任务 id。
	ErrUnknownTask = errors.New("dispatch: unknown task")
	// ErrNoHandler 任务类型没有注册执行 handler（§4.4 "Execution dispatch
	// is a black box... the task type selects a handler"）。
	ErrNoHandler = errors.New("dispatch: no execution handler registered for task type")
	// ErrNotAssigned Accept 被调用时本节点当前并非该任务的有效指派对象。
	ErrNotAssigned = errors.New("dispatch: not assigned to this task")
)
