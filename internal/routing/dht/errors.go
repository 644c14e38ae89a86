package dht

import "errors"

var (
	// ErrNoKnownNodes lookup 在路由表完全为空时返回此错误（§4.2 lookup）。
	ErrNoKnownNodes = errors.New("dht: no known nodes to seed lookup")
	// ErrTableClosed 表已关闭后仍尝试操作。
	ErrTableClosed = errors.New("dht: routing table closed")
)
