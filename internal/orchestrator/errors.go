package orchestrator

import "errors"

// ErrAlreadyStarted Node.Start 被重复调用。
var ErrAlreadyStarted = errors.New("orchestrator: node already started")

// ErrNotStarted 在 Start 之前调用了需要运行中组件的方法。
var ErrNotStarted = errors.New("orchestrator: node not started")

// ErrNoTransport 没有注入 interfaces.Transport 实现（§1 外部协作方，
// 核心从不自带传输层）。
var ErrNoTransport = errors.New("orchestrator: no transport configured")

// ErrTaskRejected 本地 DecisionHelper 拒绝了一次入站任务指派（§4.7
// "only on approval does it call accept"）。
var ErrTaskRejected = errors.New("orchestrator: local decision helper rejected task")
