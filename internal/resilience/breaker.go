package resilience

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/taskmesh/meshcore/pkg/types"
)

// breakerSet 持有 §3 列出的四个服务键对应的断路器，单个粗粒度锁保护
// 全部四个（§5 "single coarse lock per table"）。
type breakerSet struct {
	mu    sync.Mutex
	clock clock.Clock
	byKey map[types.ServiceKey]*types.CircuitBreaker
}

var breakerKeys = []types.ServiceKey{
	types.ServiceNetwork, types.ServiceDHT, types.ServiceVerification, types.ServiceDiscovery,
}

func newBreakerSet(clk clock.Clock) *breakerSet {
	b := &breakerSet{clock: clk, byKey: make(map[types.ServiceKey]*types.CircuitBreaker, len(breakerKeys))}
	for _, k := range breakerKeys {
		b.byKey[k] = &types.CircuitBreaker{
			ServiceKey: k,
			State:      types.BreakerClosed,
			Threshold:  BreakerThreshold,
			Timeout:    BreakerTimeout,
		}
	}
	return b
}

// Allow 实现 §4.6 断路器的调用前置检查：Closed/HalfOpen 放行，Open 在
// 超时前拒绝，超时后转入 HalfOpen 并放行。HalfOpen 期间每次调用都放行，
// 不限制试探调用的次数，直到下一次成功或失败改变状态。
func (b *breakerSet) Allow(key types.ServiceKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb := b.byKey[key]
	if cb == nil {
		return true
	}
	switch cb.State {
	case types.BreakerClosed, types.BreakerHalfOpen:
		return true
	case types.BreakerOpen:
		if b.clock.Now().After(cb.ResetAt) {
			cb.State = types.BreakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess §4.6 "HalfOpen → Closed on one success"。
func (b *breakerSet) RecordSuccess(key types.ServiceKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb := b.byKey[key]
	if cb == nil {
		return
	}
	cb.FailureCount = 0
	cb.State = types.BreakerClosed
}

// RecordFailure §4.6 "Closed → Open on threshold breach" / "HalfOpen →
// Open on any failure"。
func (b *breakerSet) RecordFailure(key types.ServiceKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb := b.byKey[key]
	if cb == nil {
		return
	}
	cb.LastFailure = b.clock.Now()
	if cb.State == types.BreakerHalfOpen {
		tripBreaker(cb, b.clock.Now())
		return
	}
	cb.FailureCount++
	if cb.FailureCount >= cb.Threshold {
		tripBreaker(cb, b.clock.Now())
	}
}

func tripBreaker(cb *types.CircuitBreaker, now time.Time) {
	cb.State = types.BreakerOpen
	cb.ResetAt = now.Add(cb.Timeout)
}

// Snapshot 返回某个服务键当前的断路器状态（诊断/测试用）。
func (b *breakerSet) Snapshot(key types.ServiceKey) types.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb := b.byKey[key]; cb != nil {
		return *cb
	}
	return types.CircuitBreaker{ServiceKey: key}
}
