package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	"github.com/taskmesh/meshcore/internal/dispatch"
	"github.com/taskmesh/meshcore/internal/discovery"
	"github.com/taskmesh/meshcore/internal/eventbus"
	"github.com/taskmesh/meshcore/internal/peer"
	"github.com/taskmesh/meshcore/internal/resilience"
	"github.com/taskmesh/meshcore/internal/routing/dht"
	"github.com/taskmesh/meshcore/internal/telemetry"
	"github.com/taskmesh/meshcore/internal/verification"
	"github.com/taskmesh/meshcore/pkg/lib/log"
	"github.com/taskmesh/meshcore/pkg/lib/sign"
	"github.com/taskmesh/meshcore/pkg/types"
)

// components 是按 §4.7 启动顺序装配出的全部子系统实例：Peer Manager →
// Routing → Discovery → Verification → Resilience → Dispatch。
type components struct {
	local    types.NodeID
	identity sign.KeyPair

	peers     *peer.Manager
	table     *dht.Table
	dhtSvc    *dht.Service
	refresher *dht.Refresher
	disc      *discovery.Service
	verif     *verification.Service
	resil     *resilience.Service
	disp      *dispatch.Service

	bus *eventbus.Bus
}

// buildComponents 按照启动顺序构造所有子系统，只做装配，不启动任何
// 定时循环——启动循环由 fx 的 OnStart 生命周期钩子统一触发（§4.7
// "boots the components in order ... guarantees graceful shutdown in
// reverse order"：fx.Lifecycle 的 OnStop 按注册的逆序执行，恰好就是
// 我们要的反向关闭顺序，不需要另外手写一套顺序表）。
func buildComponents(cfg Config) (*components, error) {
	if cfg.transport == nil {
		return nil, ErrNoTransport
	}

	identity := cfg.identity
	if identity == nil {
		kp, err := sign.Generate()
		if err != nil {
			return nil, fmt.Errorf("orchestrator: generate identity: %w", err)
		}
		identity = &kp
	}
	local := deriveNodeID(*identity)

	bus := eventbus.New()

	telem := cfg.telemetry
	if telem == nil {
		telem = telemetry.New()
	}

	peers := peer.New(local, cfg.transport, telem, bus, cfg.peerConfig())

	table := dht.NewTable(local, pingerAdapter{peers}, nil)
	dhtSvc := dht.NewService(local, table, peers)
	refresher := dht.NewRefresher(table, dhtSvc)

	disc := discovery.New(local, peers, table, dhtSvc, telem, *identity, bus, cfg.discoveryConfig())
	if cfg.localAnnouncer != nil {
		disc.SetMDNS(cfg.localAnnouncer)
	}

	verif := verification.New(local, peers, *identity, bus, cfg.verificationConfig())

	resil := resilience.New(local, peers, discoverAdapter{disc}, verif.Reputation(), verif.Reputation(), bus, cfg.resilienceConfig())

	disp := dispatch.New(local, peers, table, dhtSvc, verif.Reputation(), bus, cfg.dispatchConfig())

	wireFrames(peers, dhtSvc, resil, disc, verif, disp)

	return &components{
		local:     local,
		identity:  *identity,
		peers:     peers,
		table:     table,
		dhtSvc:    dhtSvc,
		refresher: refresher,
		disc:      disc,
		verif:     verif,
		resil:     resil,
		disp:      disp,
		bus:       bus,
	}, nil
}

// wireFrames 把 Peer Manager 的入站帧分发表接到各子系统的 HandleFrame
// 上；每个入站帧在分发前恰好经过一次 Resilience 的速率计数器（§4.6
// spam/DDoS floor），子系统之间不会互相知道对方的存在。
func wireFrames(peers *peer.Manager, dhtSvc *dht.Service, resil *resilience.Service, disc *discovery.Service, verif *verification.Service, disp *dispatch.Service) {
	counted := func(h func(types.Frame)) func(types.Frame) {
		return func(f types.Frame) {
			resil.OnFrame(f.From)
			h(f)
		}
	}

	// FramePeerDiscovery 有三个处理器，只在第一个上计数。
	peers.OnFrame(types.FramePeerDiscovery, counted(dhtSvc.HandleFrame))
	peers.OnFrame(types.FramePeerDiscovery, disc.HandleFrame)
	peers.OnFrame(types.FramePeerDiscovery, resil.HandleFrame)

	dispHandler := counted(func(f types.Frame) { disp.HandleFrame(context.Background(), f) })
	peers.OnFrame(types.FrameTaskRequest, dispHandler)
	peers.OnFrame(types.FrameTaskResponse, dispHandler)
	peers.OnFrame(types.FrameTaskResult, dispHandler)

	verifHandler := counted(func(f types.Frame) { verif.HandleFrame(context.Background(), f) })
	peers.OnFrame(types.FrameVerificationRequest, verifHandler)
	peers.OnFrame(types.FrameVerificationResponse, verifHandler)
}

// buildFxApp 把已经装配好的 components 接进一棵 fx 生命周期树：每个
// OnStart 钩子按 §4.7 的启动顺序追加，fx 在 Stop 时按逆序逐一执行
// OnStop，自动给出 Orchestrator 需要的反向关闭顺序（§5 "Shutdown is
// cooperative: all timers stop"）。
func buildFxApp(cfg Config, c *components) *fx.App {
	logger := log.Logger("orchestrator").Desugar()
	log.SetBase(logger)

	return fx.New(
		fx.NopLogger,
		fx.Supply(c),
		fx.Invoke(func(lc fx.Lifecycle) {
			// Peer Manager 的存活检测/驱逐循环已经在 peer.New 里起好，这里
			// 只登记它的 OnStop，让它排在关闭顺序的最后（§4.7 reverse order）。
			lc.Append(fx.Hook{
				OnStop: func(ctx context.Context) error { return c.peers.Close() },
			})
			// Routing: 桶刷新循环。
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error { c.refresher.Start(); return nil },
				OnStop:  func(ctx context.Context) error { c.refresher.Stop(); return nil },
			})
			// Discovery: discover/advertise/prune/topology + 路径刷新循环。
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error { c.disc.Start(); return nil },
				OnStop:  func(ctx context.Context) error { c.disc.Stop(); return nil },
			})
			// Verification 没有自己的定时循环（截止时间用 clock.Timer 按需
			// 武装），无需注册生命周期钩子。
			// Resilience: health/recovery/security 循环 + 可选内存压力监控。
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					if cfg.networkResilience {
						c.resil.Start()
					}
					return c.resil.MemoryWatch(cfg.memoryLimitBytes)
				},
				OnStop: func(ctx context.Context) error {
					if cfg.networkResilience {
						c.resil.Stop()
					}
					return nil
				},
			})
			// Dispatch 没有自己的维护循环（watchdog 定时器按任务武装），
			// 同样不需要登记。
			lc.Append(fx.Hook{
				OnStop: func(ctx context.Context) error { return log.Sync() },
			})
		}),
	)
}
