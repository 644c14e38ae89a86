package resilience

import (
	"sync"
	"time"

	"github.com/taskmesh/meshcore/pkg/types"
)

// healthTracker 维护最近 HealthHistorySize 个复合健康度采样（§4.6
// "Sampled every 10 s; last 100 retained"）。
type healthTracker struct {
	mu      sync.RWMutex
	samples []types.HealthSample

	recentCriticalEvents int
	approvals            int
	rejections           int
}

func newHealthTracker() *healthTracker {
	return &healthTracker{samples: make([]types.HealthSample, 0, HealthHistorySize)}
}

// recordOutcome §4.6 health "reliability = outcome approval rate" 的输入。
func (h *healthTracker) recordOutcome(approved bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if approved {
		h.approvals++
	} else {
		h.rejections++
	}
}

// recordCriticalEvent §4.6 "security = max(0, 1 − 0.2·recent_critical_events)"
// 的输入：恶意对端判定、强制 GC 内存压力通知等均计为一次关键事件。
func (h *healthTracker) recordCriticalEvent() {
	h.mu.Lock()
	h.recentCriticalEvents++
	h.mu.Unlock()
}

// decayCriticalEvents 在每次采样之后把关键事件计数归零，使其反映
// "recent"（上一采样窗口内），而不是进程生命周期内的累计值。
func (h *healthTracker) decayCriticalEvents() {
	h.mu.Lock()
	h.recentCriticalEvents = 0
	h.mu.Unlock()
}

// sample 实现 §4.6 health 的复合公式并追加到历史（满了丢最旧的一条）。
func (h *healthTracker) sample(timestamp time.Time, connected, known int, avgLatencyMS float64) types.HealthSample {
	h.mu.RLock()
	approvals, rejections, critical := h.approvals, h.rejections, h.recentCriticalEvents
	h.mu.RUnlock()

	connectivity := 0.0
	if known > 0 {
		connectivity = float64(connected) / float64(known)
	}
	latency := 1 - avgLatencyMS/1000
	if latency < 0 {
		latency = 0
	}
	throughput := float64(connected) / 10
	if throughput > 1 {
		throughput = 1
	}
	reliability := 0.0
	if total := approvals + rejections; total > 0 {
		reliability = float64(approvals) / float64(total)
	}
	security := 1 - 0.2*float64(critical)
	if security < 0 {
		security = 0
	}

	composite := 0.25*connectivity + 0.2*latency + 0.2*throughput + 0.25*reliability + 0.1*security

	s := types.HealthSample{
		Timestamp:    timestamp,
		Connectivity: connectivity,
		Latency:      latency,
		Throughput:   throughput,
		Reliability:  reliability,
		Security:     security,
		Composite:    composite,
	}

	h.mu.Lock()
	h.samples = append(h.samples, s)
	if len(h.samples) > HealthHistorySize {
		h.samples = h.samples[len(h.samples)-HealthHistorySize:]
	}
	h.mu.Unlock()

	h.decayCriticalEvents()
	return s
}

// Latest 返回最近一次采样（诊断/测试用）。
func (h *healthTracker) Latest() (types.HealthSample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.samples) == 0 {
		return types.HealthSample{}, false
	}
	return h.samples[len(h.samples)-1], true
}

// History 返回保留的全部采样（按时间升序）。
func (h *healthTracker) History() []types.HealthSample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.HealthSample, len(h.samples))
	copy(out, h.samples)
	return out
}
