package discovery

import "errors"

var (
	// ErrNoRoute find_optimal_path 找不到任何已知或可探测的路径。
	ErrNoRoute = errors.New("discovery: no known route to destination")
	// ErrServiceClosed Service 已经关闭后仍尝试操作。
	ErrServiceClosed = errors.New("discovery: service closed")
)
