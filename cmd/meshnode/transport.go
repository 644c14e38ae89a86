package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/taskmesh/meshcore/pkg/interfaces"
	"github.com/taskmesh/meshcore/pkg/types"
)

func init() {
	gob.Register(types.PingPayload{})
	gob.Register(types.PongPayload{})
	gob.Register(types.TaskRequestPayload{})
	gob.Register(types.TaskResponsePayload{})
	gob.Register(types.TaskResultPayload{})
	gob.Register(types.PeerDiscoveryPayload{})
	gob.Register(types.VerificationRequestPayload{})
	gob.Register(types.VerificationResponsePayload{})
}

// addressBook 把 NodeID 映射到 "host:port"，顶替核心明确排除在外的地址
// 解析（spec.md §1 非目标"implementing transport-level NAT traversal
// details"；NodeID 到地址的映射本就是外部 Transport 原语自己的职责，核心
// 从来看不到它）。只有这个命令行 demo 用到它，五个子系统的任何包都不
// 导入这个文件。
type addressBook map[types.NodeID]string

func loadAddressBook(path string) (addressBook, error) {
	book := addressBook{}
	if path == "" {
		return book, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read peer book: %w", err)
	}
	var entries map[string]string
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse peer book: %w", err)
	}
	for hex, addr := range entries {
		id, err := types.NodeIDFromHex(hex)
		if err != nil {
			return nil, fmt.Errorf("peer book entry %q: %w", hex, err)
		}
		book[id] = addr
	}
	return book, nil
}

// tcpTransport 是 interfaces.Transport 的一个 demo 实现：明文 TCP +
// gob 帧编码。Peer Manager 只通过 Dial 发起连接，从不接受入站连接
// （§5 "shared across all subsystems but used only through the Peer
// Manager"把连接建立完全留给传输原语），所以两端各自调用 Connect 时
// 必须避免各建一条只能单向使用的 socket：这里用 NodeID 的字节序做一个
// 确定性的发起方/等待方裁决——数值较小的一端真正拨号，较大的一端等待
// 对方拨入——拿到的那一条 socket 就是双方唯一共用、全双工的信道。生产
// 部署要换成真正具备 NAT 穿透与加密信道的传输，这里只是让 demo 能在
// 本机多进程间联调。
type tcpTransport struct {
	localID types.NodeID
	book    addressBook

	mu      sync.Mutex
	backlog map[types.NodeID][]net.Conn
	waiters map[types.NodeID][]chan net.Conn
}

func newTCPTransport(local types.NodeID, book addressBook, listenAddr string) (*tcpTransport, error) {
	t := &tcpTransport{
		localID: local,
		book:    book,
		backlog: map[types.NodeID][]net.Conn{},
		waiters: map[types.NodeID][]chan net.Conn{},
	}
	if listenAddr != "" {
		ln, err := net.Listen("tcp", listenAddr)
		if err != nil {
			return nil, fmt.Errorf("tcptransport: listen %s: %w", listenAddr, err)
		}
		go t.acceptLoop(ln)
	}
	return t, nil
}

// SetLocal 绑定传输使用的本地 NodeID，用于发起方/等待方裁决
// （见上方类型注释）。必须在任何 Dial 调用发生前完成，调用方负责
// 保证这个先后顺序（main.go 在 orchestrator.New 返回后、node.Start
// 之前调用一次）。
func (t *tcpTransport) SetLocal(id types.NodeID) {
	t.mu.Lock()
	t.localID = id
	t.mu.Unlock()
}

func (t *tcpTransport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go t.handleAccepted(conn)
	}
}

func (t *tcpTransport) handleAccepted(conn net.Conn) {
	var idBuf [types.NodeIDSize]byte
	if _, err := io.ReadFull(conn, idBuf[:]); err != nil {
		_ = conn.Close()
		return
	}
	remote, err := types.NodeIDFromBytes(idBuf[:])
	if err != nil {
		_ = conn.Close()
		return
	}

	t.mu.Lock()
	if queue := t.waiters[remote]; len(queue) > 0 {
		ch := queue[0]
		t.waiters[remote] = queue[1:]
		t.mu.Unlock()
		ch <- conn
		return
	}
	t.backlog[remote] = append(t.backlog[remote], conn)
	t.mu.Unlock()
}

func (t *tcpTransport) Dial(ctx context.Context, peer types.NodeID) (interfaces.Stream, error) {
	t.mu.Lock()
	local := t.localID
	t.mu.Unlock()

	if bytes.Compare(local[:], peer[:]) < 0 {
		return t.dialOut(ctx, peer, local)
	}
	return t.waitForInbound(ctx, peer)
}

func (t *tcpTransport) dialOut(ctx context.Context, peer types.NodeID, local types.NodeID) (interfaces.Stream, error) {
	addr, ok := t.book[peer]
	if !ok {
		return nil, fmt.Errorf("tcptransport: no known address for %s", peer)
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcptransport: dial %s: %w", addr, err)
	}
	if _, err := conn.Write(local[:]); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tcptransport: handshake: %w", err)
	}
	return newTCPStream(conn), nil
}

func (t *tcpTransport) waitForInbound(ctx context.Context, peer types.NodeID) (interfaces.Stream, error) {
	t.mu.Lock()
	if queue := t.backlog[peer]; len(queue) > 0 {
		conn := queue[0]
		t.backlog[peer] = queue[1:]
		t.mu.Unlock()
		return newTCPStream(conn), nil
	}
	ch := make(chan net.Conn, 1)
	t.waiters[peer] = append(t.waiters[peer], ch)
	t.mu.Unlock()

	select {
	case conn := <-ch:
		return newTCPStream(conn), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("tcptransport: wait for inbound from %s: %w", peer, ctx.Err())
	}
}

// tcpStream 实现 interfaces.Stream：每帧前缀一个 4 字节长度，负载用 gob
// 编码——没有 protoc 可用，且核心显式把"任意工作类型负载的线上编码"划
// 为非目标，所以这里用标准库自带的 gob，而不是再为这一个 demo 命令引入
// 一个序列化库。
type tcpStream struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex
}

func newTCPStream(conn net.Conn) *tcpStream {
	return &tcpStream{conn: conn, r: bufio.NewReader(conn)}
}

func (s *tcpStream) Send(ctx context.Context, frame types.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}

	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(frame); err != nil {
		return fmt.Errorf("tcpstream: encode: %w", err)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(body.Len()))
	if _, err := s.conn.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("tcpstream: write length: %w", err)
	}
	if _, err := s.conn.Write(body.Bytes()); err != nil {
		return fmt.Errorf("tcpstream: write payload: %w", err)
	}
	return nil
}

func (s *tcpStream) Recv(ctx context.Context) (types.Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}

	var lenPrefix [4]byte
	if _, err := io.ReadFull(s.r, lenPrefix[:]); err != nil {
		return types.Frame{}, fmt.Errorf("tcpstream: read length: %w", err)
	}
	buf := make([]byte, binary.BigEndian.Uint32(lenPrefix[:]))
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return types.Frame{}, fmt.Errorf("tcpstream: read payload: %w", err)
	}

	var frame types.Frame
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&frame); err != nil {
		return types.Frame{}, fmt.Errorf("tcpstream: decode: %w", err)
	}
	return frame, nil
}

func (s *tcpStream) Close() error { return s.conn.Close() }
