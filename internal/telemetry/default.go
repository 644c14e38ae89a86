// Package telemetry 提供 pkg/interfaces.CapabilitySource 的默认实现。
//
// 核心的设备侧遥测源本应是一个外部协作方（spec.md §1），但源系统把
// 真实采集路径和 mock/随机值混在一起（§9 Open Questions 第一条）。这里
// 提供一个基于真实主机统计信息的默认适配器：总内存来自
// github.com/pbnjay/memory，CPU 核数来自 runtime.NumCPU()，从不回退到
// 随机数。嵌入方仍可以用自己的 interfaces.CapabilitySource 替换它。
package telemetry

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/pbnjay/memory"

	"github.com/taskmesh/meshcore/pkg/lib/log"
	"github.com/taskmesh/meshcore/pkg/types"
)

// Option 定制 HostSource 的可调参数。
type Option func(*HostSource)

// WithTier 覆盖默认的计算档位推断（按核数/内存粗分）。
func WithTier(tier types.ComputeTier) Option {
	return func(s *HostSource) { s.tierOverride = &tier }
}

// WithGPU 声明本机具备 GPU（默认 false，因为没有可移植的探测方式）。
func WithGPU(v bool) Option {
	return func(s *HostSource) { s.gpu = v }
}

// WithBandwidthEstimate 覆盖默认的带宽估计（Mbps）；默认值是一个保守常数。
func WithBandwidthEstimate(mbps float64) Option {
	return func(s *HostSource) { s.bandwidthMbps = mbps }
}

// WithBatteryReader 注入一个返回电量百分比的读取函数（桌面/服务器场景
// 通常为 nil，表示没有电池，对应 CapabilitySnapshot.BatteryPct == nil）。
func WithBatteryReader(f func() (int, bool)) Option {
	return func(s *HostSource) { s.batteryReader = f }
}

// WithThermalReader 注入一个返回热状态的读取函数；默认始终为 Nominal。
func WithThermalReader(f func() types.ThermalState) Option {
	return func(s *HostSource) { s.thermalReader = f }
}

const defaultBandwidthMbps = 100.0

// HostSource 基于真实主机统计信息的 CapabilitySource 默认实现。
type HostSource struct {
	mu   sync.Mutex
	last types.CapabilitySnapshot

	tierOverride  *types.ComputeTier
	gpu           bool
	bandwidthMbps float64
	batteryReader func() (int, bool)
	thermalReader func() types.ThermalState
}

// New 创建一个默认遥测源；返回的快照在每次 Snapshot 调用时重新计算
// CapturedAt，其余字段对一次进程生命周期基本稳定（核数/内存不会变化，
// 热状态/电量按注入的读取函数实时变化）。
func New(opts ...Option) *HostSource {
	s := &HostSource{bandwidthMbps: defaultBandwidthMbps}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *HostSource) tier(cores int, ramGB float64) types.ComputeTier {
	if s.tierOverride != nil {
		return *s.tierOverride
	}
	switch {
	case cores >= 16 && ramGB >= 32:
		return types.TierPremium
	case cores >= 8 && ramGB >= 16:
		return types.TierHigh
	case cores >= 4 && ramGB >= 4:
		return types.TierMedium
	default:
		return types.TierLow
	}
}

// Snapshot 实现 interfaces.CapabilitySource（§4.1 local_capabilities）。
func (s *HostSource) Snapshot(ctx context.Context) (types.CapabilitySnapshot, error) {
	select {
	case <-ctx.Done():
		return types.CapabilitySnapshot{}, ctx.Err()
	default:
	}

	cores := runtime.NumCPU()
	ramGB := float64(memory.TotalMemory()) / (1024 * 1024 * 1024)

	thermal := types.ThermalNominal
	if s.thermalReader != nil {
		thermal = s.thermalReader()
	}

	var batteryPct *int
	if s.batteryReader != nil {
		if pct, ok := s.batteryReader(); ok {
			batteryPct = &pct
		}
	}

	snap := types.CapabilitySnapshot{
		Tier:       s.tier(cores, ramGB),
		CPUCores:   cores,
		RAMGB:      ramGB,
		GPU:        s.gpu,
		Bandwidth:  s.bandwidthMbps,
		BatteryPct: batteryPct,
		Thermal:    thermal,
		CapturedAt: time.Now(),
	}

	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()
	log.Logger("telemetry").Debugw("captured capability snapshot", "cores", cores, "ram_gb", ramGB, "thermal", thermal.String())
	return snap, nil
}

// Last 返回最近一次成功采集的快照（用于诊断），不触发新的采集。
func (s *HostSource) Last() (types.CapabilitySnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last.CapturedAt.IsZero() {
		return types.CapabilitySnapshot{}, false
	}
	return s.last, true
}
