package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher 监控配置文件，变化时重新加载并通知订阅者
type Watcher struct {
	manager *Manager
	logger  *zap.Logger

	mu        sync.RWMutex
	listeners []func(Config)
}

func NewWatcher(m *Manager, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{manager: m, logger: logger}
}

// OnChange 注册回调，在每次成功重新加载后调用
func (w *Watcher) OnChange(fn func(Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Run 阻塞直到 ctx 被取消。监控的是所在目录，编辑器常用 rename 方式保存文件。
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.manager.Path())
	if err := fw.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(w.manager.Path())
	w.logger.Debug("config watcher started", zap.String("path", target))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	// 文件被移走或刚被截断时不重新加载，等下一个事件
	info, err := os.Stat(w.manager.Path())
	if err != nil || info.Size() == 0 {
		w.logger.Debug("config file not ready, skip reload", zap.Error(err))
		return
	}
	if err := w.manager.Load(); err != nil {
		// 保留旧配置
		w.logger.Warn("config reload failed", zap.Error(err))
		return
	}
	cfg := w.manager.Get()
	w.logger.Info("config reloaded", zap.String("api", cfg.BaseURL()))

	w.mu.RLock()
	listeners := append([]func(Config){}, w.listeners...)
	w.mu.RUnlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}
