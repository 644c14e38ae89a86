// Package log 提供 TaskMesh 统一的组件化日志接口。
//
// 基于 go.uber.org/zap 封装：每个子系统通过 Logger(component) 取得一个
// 按组件命名、共享同一 sink 的 *SugaredLogger，风格与教学仓库的
// pkg/lib/log.Logger(component) 一致，但后端改为 zap 而不是 slog，
// 以真正用上 go.mod 中已经声明的 zap 依赖。
package log

import (
	"errors"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

var (
	mu     sync.RWMutex
	base   *zap.Logger
	inited bool
)

func defaultBase() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "ts"
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// 日志系统自身不可用时退化为 no-op，绝不 panic。
		return zap.NewNop()
	}
	return l
}

// SetBase 替换全局 zap.Logger；必须在任何 Logger(component) 调用之前完成，
// 通常由 Orchestrator 在启动时调用一次。
func SetBase(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	inited = true
}

func current() *zap.Logger {
	mu.RLock()
	if inited {
		l := base
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !inited {
		base = defaultBase()
		inited = true
	}
	return base
}

// Logger 返回按 component 命名的 SugaredLogger，例如 log.Logger("dispatch")。
func Logger(component string) *zap.SugaredLogger {
	return current().Named(component).Sugar()
}

// Sync 刷新底层日志 sink，Orchestrator 在 shutdown 路径中调用。
//
// stdout/stderr 在很多平台上是不可 fsync 的字符设备，zap 对它们调用
// Sync 时会返回 EINVAL/ENOTTY；这是已知的、无害的平台限制，不代表
// 日志真的丢失，因此这里过滤掉它，避免关闭路径被这个噪音错误卡住。
func Sync() error {
	err := current().Sync()
	if err != nil && (errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)) {
		return nil
	}
	return err
}
