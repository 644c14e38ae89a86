// Package peer 实现 Peer Manager（§4.1）：已知对端集合的所有权、
// 当前打开信道的收发、存活检测与对端状态机。本包是唯一允许变更
// types.PeerRecord.Status 的地方（§3）。
package peer

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	temperrcatcher "github.com/jbenet/go-temp-err-catcher"
	"go.uber.org/zap"
	"lukechampine.com/blake3"

	"github.com/taskmesh/meshcore/internal/eventbus"
	"github.com/taskmesh/meshcore/pkg/interfaces"
	"github.com/taskmesh/meshcore/pkg/lib/log"
	"github.com/taskmesh/meshcore/pkg/types"
)

const (
	// MaxConnectAttempts Connect 最多尝试 3 次后以 ConnectAttemptsExhausted
	// 失败；拨号错误经 go-temp-err-catcher 判定为非临时错误时，第二次失败
	// 后即停止重试，不做第三次尝试。
	MaxConnectAttempts = 3
	// RetryBackoff §4.1 Failed→Connecting 5s 重试定时器。
	RetryBackoff = 5 * time.Second
	// PingInterval §4.1 每 30s 对已连接对端探活。
	PingInterval = 30 * time.Second
	// EvictAfter §4.1 5 分钟无活动即驱逐。
	EvictAfter = 5 * time.Minute
)

// entry 是 Manager 对单个对端的内部记录：公开记录 + 私有信道/重试状态。
type entry struct {
	record            types.PeerRecord
	stream            interfaces.Stream
	attempts          int
	invalidSignatures int
}

// Config 配置 Peer Manager 的可调参数，全部有合理默认值。
type Config struct {
	Clock           clock.Clock
	PingInterval    time.Duration
	EvictAfter      time.Duration
	MaxAttempts     int
	RetryBackoff    time.Duration
}

// DefaultConfig 返回 §6 列出的默认值。
func DefaultConfig() Config {
	return Config{
		Clock:        clock.New(),
		PingInterval: PingInterval,
		EvictAfter:   EvictAfter,
		MaxAttempts:  MaxConnectAttempts,
		RetryBackoff: RetryBackoff,
	}
}

// Manager 是 Peer Manager 的唯一实现。
type Manager struct {
	local     types.NodeID
	transport interfaces.Transport
	telemetry interfaces.CapabilitySource
	bus       *eventbus.Bus
	cfg       Config
	logger    *zap.SugaredLogger

	mu       sync.RWMutex
	peers    map[types.NodeID]*entry
	closed   bool
	frameSeq uint64
	salt     uint64

	handlersMu sync.RWMutex
	handlers   map[types.FrameKind][]func(types.Frame)

	stopCh chan struct{}
	wg     sync.WaitGroup
	connWG sync.WaitGroup
}

// New 创建 Peer Manager；telemetry 可以为 nil，此时 local_capabilities
// 始终返回 ErrTelemetryUnavailable。
func New(local types.NodeID, transport interfaces.Transport, telemetry interfaces.CapabilitySource, bus *eventbus.Bus, cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	salt := blake3.Sum512(local[:])
	m := &Manager{
		local:     local,
		transport: transport,
		telemetry: telemetry,
		bus:       bus,
		cfg:       cfg,
		logger:    log.Logger("peer"),
		peers:     make(map[types.NodeID]*entry),
		handlers:  make(map[types.FrameKind][]func(types.Frame)),
		salt:      uint64(salt[0]) | uint64(salt[1])<<8 | uint64(salt[2])<<16 | uint64(salt[3])<<24,
		stopCh:    make(chan struct{}),
	}
	m.wg.Add(2)
	go m.livenessLoop()
	go m.evictionLoop()
	return m
}

// nextFrameID 生成一个在本进程内唯一的 64-bit 帧 ID（§6）。
func (m *Manager) nextFrameID() uint64 {
	m.mu.Lock()
	m.frameSeq++
	seq := m.frameSeq
	m.mu.Unlock()
	return seq ^ m.salt
}

// Connect 打开到 peer 的信道；已经打开时是 no-op 成功（§4.1）。
func (m *Manager) Connect(ctx context.Context, peer types.NodeID, advertised types.PeerRecord) error {
	m.mu.Lock()
	e, ok := m.peers[peer]
	if !ok {
		e = &entry{record: advertised}
		e.record.NodeID = peer
		m.peers[peer] = e
	}
	if e.stream != nil && e.record.Status == types.StatusConnected {
		m.mu.Unlock()
		return nil
	}
	e.record.Status = types.StatusConnecting
	m.mu.Unlock()

	var tec temperrcatcher.TempErrCatcher
	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		stream, err := m.transport.Dial(ctx, peer)
		if err == nil {
			m.mu.Lock()
			e.stream = stream
			e.attempts = 0
			e.record.Status = types.StatusConnected
			e.record.LastSeen = m.cfg.Clock.Now()
			m.mu.Unlock()
			m.startRecvLoop(peer, stream)
			m.bus.Emit(types.Event{Kind: types.EventPeerConnected, At: m.cfg.Clock.Now(), Peer: peer})
			return nil
		}
		lastErr = err
		e.attempts++
		if !tec.IsTemporary(err) && attempt > 0 {
			break
		}
		select {
		case <-m.cfg.Clock.After(m.cfg.RetryBackoff):
		case <-ctx.Done():
			m.markFailed(e)
			return ctx.Err()
		}
	}
	m.markFailed(e)
	m.logger.Warnw("connect attempts exhausted", "peer", peer.String(), "error", lastErr)
	return ErrConnectAttemptsExhausted
}

func (m *Manager) markFailed(e *entry) {
	m.mu.Lock()
	e.record.Status = types.StatusFailed
	m.mu.Unlock()
}

// Disconnect 关闭到 peer 的信道并将状态置为 Disconnected（§4.1）。
func (m *Manager) Disconnect(peer types.NodeID) error {
	m.mu.Lock()
	e, ok := m.peers[peer]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownPeer
	}
	stream := e.stream
	e.stream = nil
	e.record.Status = types.StatusDisconnected
	m.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	m.bus.Emit(types.Event{Kind: types.EventPeerDisconnected, At: m.cfg.Clock.Now(), Peer: peer})
	return nil
}

// Send 向 peer 发送一帧；仅当信道打开时返回成功，从不因信道拥塞而
// 阻塞调用方（§4.1："never blocks on a full channel"，由底层 Stream
// 实现自身的非阻塞写或内部缓冲保证）。
func (m *Manager) Send(ctx context.Context, peer types.NodeID, frame types.Frame) error {
	m.mu.RLock()
	e, ok := m.peers[peer]
	var stream interfaces.Stream
	if ok {
		stream = e.stream
	}
	m.mu.RUnlock()

	if !ok || stream == nil {
		return ErrNotConnected
	}

	frame.FrameID = m.nextFrameID()
	frame.From = m.local
	frame.To = peer
	if frame.Timestamp.IsZero() {
		frame.Timestamp = m.cfg.Clock.Now()
	}
	frame = compressFramePayload(frame)
	return stream.Send(ctx, frame)
}

// compressFramePayload 对体积较大的不透明任务负载透明压缩（§ DOMAIN STACK
// klauspost/compress 的用法）。
func compressFramePayload(f types.Frame) types.Frame {
	switch p := f.Payload.(type) {
	case types.TaskRequestPayload:
		if out, compressed := maybeCompress(p.Task.Payload); compressed {
			p.Task.Payload = out
			p.PayloadCompressed = true
			f.Payload = p
		}
	case types.TaskResultPayload:
		if out, compressed := maybeCompress(p.Result.Result); compressed {
			p.Result.Result = out
			p.PayloadCompressed = true
			f.Payload = p
		}
	}
	return f
}

// DecompressFramePayload 撤销 compressFramePayload；由上层在收到帧后调用。
func DecompressFramePayload(f types.Frame) (types.Frame, error) {
	switch p := f.Payload.(type) {
	case types.TaskRequestPayload:
		if p.PayloadCompressed {
			out, err := decompress(p.Task.Payload)
			if err != nil {
				return f, err
			}
			p.Task.Payload = out
			p.PayloadCompressed = false
			f.Payload = p
		}
	case types.TaskResultPayload:
		if p.PayloadCompressed {
			out, err := decompress(p.Result.Result)
			if err != nil {
				return f, err
			}
			p.Result.Result = out
			p.PayloadCompressed = false
			f.Payload = p
		}
	}
	return f, nil
}

// Broadcast 向所有已连接对端发送帧，返回成功发送的数量（§4.1）。
func (m *Manager) Broadcast(ctx context.Context, frame types.Frame) int {
	m.mu.RLock()
	targets := make([]types.NodeID, 0, len(m.peers))
	for id, e := range m.peers {
		if e.record.Status == types.StatusConnected && e.stream != nil {
			targets = append(targets, id)
		}
	}
	m.mu.RUnlock()

	sent := 0
	for _, id := range targets {
		if err := m.Send(ctx, id, frame); err == nil {
			sent++
		}
	}
	return sent
}

// PeerInfo 返回单个对端当前已知的记录。
func (m *Manager) PeerInfo(peer types.NodeID) (types.PeerRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.peers[peer]
	if !ok {
		return types.PeerRecord{}, false
	}
	return e.record, true
}

// ConnectedPeers 返回所有当前处于 Connected 状态的对端。
func (m *Manager) ConnectedPeers() []types.PeerRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.PeerRecord, 0, len(m.peers))
	for _, e := range m.peers {
		if e.record.Status == types.StatusConnected {
			out = append(out, e.record)
		}
	}
	return out
}

// AllPeers 返回全部已知对端记录，不论连接状态。
func (m *Manager) AllPeers() []types.PeerRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.PeerRecord, 0, len(m.peers))
	for _, e := range m.peers {
		out = append(out, e.record)
	}
	return out
}

// LocalCapabilities 组合自外部遥测源（§4.1）。
func (m *Manager) LocalCapabilities(ctx context.Context) (types.CapabilitySnapshot, error) {
	if m.telemetry == nil {
		return types.CapabilitySnapshot{}, ErrTelemetryUnavailable
	}
	snap, err := m.telemetry.Snapshot(ctx)
	if err != nil {
		return types.CapabilitySnapshot{}, ErrTelemetryUnavailable
	}
	return snap, nil
}

// Reachable 尝试建立（或确认已有）到 peer 的信道，供 Routing 对
// k-bucket 满时的 LRU 候选做存活探测（§4.2 add_or_update）。语义上
// 复用 Connect 的重试/退避策略，而不是另起一套探测协议。
func (m *Manager) Reachable(ctx context.Context, peer types.NodeID) bool {
	return m.Connect(ctx, peer, types.PeerRecord{}) == nil
}

// Close 停止存活检测与驱逐循环，关闭所有打开的信道（§5 "Shutdown is
// cooperative: all timers stop, open channels close"）。
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	streams := make([]interfaces.Stream, 0, len(m.peers))
	for _, e := range m.peers {
		if e.stream != nil {
			streams = append(streams, e.stream)
		}
		e.record.Status = types.StatusDisconnected
	}
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	for _, s := range streams {
		_ = s.Close()
	}
	m.connWG.Wait()
	return nil
}
