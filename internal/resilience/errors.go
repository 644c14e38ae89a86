package resilience

import "errors"

var (
	// ErrBreakerOpen 断路器处于 Open 状态，调用被直接拒绝（§4.6）。
	ErrBreakerOpen = errors.New("resilience: circuit breaker open")
	// ErrUnknownPartition 引用了一个本节点没有在跟踪的分区 id。
	ErrUnknownPartition = errors.New("resilience: unknown partition")
	// ErrNoReplacementFound §4.6 recovery "a replacement peer with similar
	// capabilities is sought" 未能找到候选。
	ErrNoReplacementFound = errors.New("resilience: no replacement peer found")
)
