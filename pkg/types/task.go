package types

import "time"

// TaskType 任务类型（§3）。
type TaskType int

const (
	TaskCompute TaskType = iota
	TaskStorage
	TaskNetwork
	TaskAIInference
)

// Requirements 任务对执行者的资源要求（§3 TaskRequest.requirements）。
type Requirements struct {
	CPUCores      int
	MemoryGB      float64
	GPU           bool
	EstDurationMS int64
	Priority      Priority
}

// TaskRequest 由提交者创建，签名后绝不再被修改（§3）。
type TaskRequest struct {
	TaskID      TaskID
	Type        TaskType
	Payload     []byte
	Requirements Requirements
	Reward      float64
	Deadline    time.Time
	Submitter   NodeID
	CreatedAt   time.Time
	Signature   []byte // 可选，Ed25519 detached signature
}

// TaskAssignment 主执行者 + 有序 backup 列表；唯一允许的变更是重新
// 指派（主节点被替换），且不变式 primary ∉ backups 始终成立（§3）。
type TaskAssignment struct {
	TaskID             TaskID
	Primary            NodeID
	AssignedAt         time.Time
	ExpectedCompletion time.Time
	Backups            []NodeID
}

// HasBackup 是否还有可提升的 backup。
func (a TaskAssignment) HasBackup() bool { return len(a.Backups) > 0 }

// ResourceUsage 执行期间被测得的资源占用（§4.5 sub-checks 的输入）。
type ResourceUsage struct {
	CPUUsagePct     float64
	MemoryUsagePct  float64
	NetworkUsageMB  float64
}

// TaskResult 一旦提交即不可变（§3）。
type TaskResult struct {
	TaskID        TaskID
	Result        []byte
	CompletedBy   NodeID
	CompletedAt   time.Time
	ExecTime      time.Duration
	ResourceUsage ResourceUsage
	Signature     []byte
}

// TaskState 任务状态机（§4.4）。
type TaskState int

const (
	TaskPending TaskState = iota
	TaskActive
	TaskCompleted
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskActive:
		return "active"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailureReason 标识 report_failure 的触发原因（§4.4, §7）。
type FailureReason int

const (
	FailureExecutionError FailureReason = iota
	FailureTimeout
	FailureCancelled
)
