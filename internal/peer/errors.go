package peer

import "errors"

var (
	// ErrConnectAttemptsExhausted §4.1 connect：三次尝试后仍失败。
	ErrConnectAttemptsExhausted = errors.New("peer: connect attempts exhausted")
	// ErrTelemetryUnavailable §4.1 local_capabilities：遥测源未就绪。
	ErrTelemetryUnavailable = errors.New("peer: telemetry source unavailable")
	// ErrNotConnected send 的目标对端当前没有打开的信道。
	ErrNotConnected = errors.New("peer: not connected")
	// ErrUnknownPeer 目标对端从未被记录过。
	ErrUnknownPeer = errors.New("peer: unknown peer")
	// ErrManagerClosed Manager 已经关闭。
	ErrManagerClosed = errors.New("peer: manager closed")
)
