// Package eventbus 实现 §6 外部边界事件的发射与订阅。
//
// 教学仓库的 internal/core/eventbus 以 reflect.Type 为键，任意结构体
// 都能注册为一种事件；这里按 §9 的重构要求收紧为一个封闭的
// types.EventKind 标签联合：Emit 只接受 types.Event，订阅者按 Kind
// switch，不存在运行时才确定的事件形状。
package eventbus

import (
	"sync"

	"github.com/taskmesh/meshcore/pkg/types"
)

// Handler 处理单个事件；返回值无意义，错误由 Handler 自行记录日志。
type Handler func(types.Event)

// Bus 进程内事件总线，单个粗粒度锁保护订阅者列表（§5 "single coarse
// lock per table"）。
type Bus struct {
	mu   sync.RWMutex
	subs map[types.EventKind][]Handler
	all  []Handler // 订阅全部事件种类的处理器
}

// New 创建一个空的事件总线。
func New() *Bus {
	return &Bus{subs: make(map[types.EventKind][]Handler)}
}

// Subscribe 注册一个只接收指定 Kind 的处理器。
func (b *Bus) Subscribe(kind types.EventKind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], h)
}

// SubscribeAll 注册一个接收所有事件种类的处理器（用于日志/指标旁路）。
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Emit 同步调用所有匹配的处理器；调用方负责异步化，总线本身不起协程
// （保持"建议挂起点都是文档化的"，§5）。
func (b *Bus) Emit(ev types.Event) {
	b.mu.RLock()
	handlers := append([]Handler{}, b.subs[ev.Kind]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
