package resilience

import (
	"time"

	"github.com/raulk/go-watchdog"

	"github.com/taskmesh/meshcore/pkg/lib/log"
)

// memoryPressureMonitor 把强制 GC 事件计入 §4.6 health 的
// "recentCriticalEvents"，理由是持续的内存压力本身是节点健康恶化的
// 信号，不只是一个性能指标。watchdog 的堆驱动策略需要一个总内存上限
// 才能启用；没有配置上限时 start 直接跳过，不把零值当成压力事件源。
type memoryPressureMonitor struct {
	health     *healthTracker
	notifee    chan struct{}
	done       chan struct{}
	stopWD     func()
	unregister func()
}

func newMemoryPressureMonitor(health *healthTracker) *memoryPressureMonitor {
	return &memoryPressureMonitor{health: health}
}

// start 注册一个 watchdog heap 策略：堆占用达到 limitBytes 的 90% 时
// 触发强制 GC 并通过 notifee 通知。limitBytes==0 表示调用方不知道上限，
// 跳过注册。
func (m *memoryPressureMonitor) start(limitBytes uint64) error {
	if limitBytes == 0 {
		return nil
	}
	err, stopFn := watchdog.HeapDriven(limitBytes, 90, watchdog.NewAdaptivePolicy(0.5))
	if err != nil {
		return err
	}
	m.stopWD = stopFn

	m.notifee = make(chan struct{}, 1)
	m.done = make(chan struct{})
	m.unregister = watchdog.RegisterPostGCNotifee(func() {
		select {
		case m.notifee <- struct{}{}:
		default:
		}
	})
	go m.drain()
	return nil
}

func (m *memoryPressureMonitor) drain() {
	logger := log.Logger("resilience")
	for {
		select {
		case <-m.notifee:
			m.health.recordCriticalEvent()
			logger.Debugw("forced gc observed", "at", time.Now())
		case <-m.done:
			return
		}
	}
}

// Stop 反注册 watchdog 策略（进程退出路径）。
func (m *memoryPressureMonitor) Stop() {
	if m.notifee == nil {
		return
	}
	if m.unregister != nil {
		m.unregister()
	}
	close(m.done)
	if m.stopWD != nil {
		m.stopWD()
	}
}
