package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Tunables 支持热加载的运行时旋钮。
// 完整 Config 的其余字段（连接地址、池大小等）只在启动时生效。
type Tunables struct {
	RRFK        int
	DefaultTopK int
	LogLevel    string
}

// Watcher 监视配置文件并热加载 Tunables。
// 读方通过 Current() 拿最新快照，写方只有 fsnotify 回调。
type Watcher struct {
	path     string
	mu       sync.RWMutex
	current  Tunables
	onReload func(Tunables)
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
}

// NewWatcher 创建配置监视器。path 为空（未找到配置文件）时返回一个
// 只持有初始值、永不触发的 Watcher。
func NewWatcher(path string, initial Tunables, onReload func(Tunables), logger *zap.Logger) *Watcher {
	return &Watcher{
		path:     path,
		current:  initial,
		onReload: onReload,
		logger:   logger.With(zap.String("component", "config-watcher")),
	}
}

// Current 返回当前旋钮快照（线程安全）
func (w *Watcher) Current() Tunables {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start 开始监视。文件不存在时静默退化为 no-op。
func (w *Watcher) Start() error {
	if w.path == "" {
		w.logger.Debug("No config file, hot reload disabled")
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw

	if err := fw.Add(w.path); err != nil {
		fw.Close()
		w.watcher = nil
		return err
	}

	go w.loop()

	w.logger.Info("Config watcher started", zap.String("path", w.path))
	return nil
}

// Stop 停止监视
func (w *Watcher) Stop() {
	if w.watcher != nil {
		w.watcher.Close()
	}
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// 编辑器原子保存会触发 Rename/Create 序列，统一按写处理
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
			// Rename 后 inode 变化，需要重新挂 watch
			if ev.Op&fsnotify.Rename != 0 {
				_ = w.watcher.Add(w.path)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load()
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous values", zap.Error(err))
		return
	}

	next := Tunables{
		RRFK:        cfg.Retrieval.RRFK,
		DefaultTopK: cfg.Retrieval.DefaultTopK,
		LogLevel:    cfg.Log.Level,
	}

	w.mu.Lock()
	changed := next != w.current
	w.current = next
	w.mu.Unlock()

	if !changed {
		return
	}

	w.logger.Info("Config reloaded",
		zap.Int("rrf_k", next.RRFK),
		zap.Int("default_top_k", next.DefaultTopK),
		zap.String("log_level", next.LogLevel),
	)

	if w.onReload != nil {
		w.onReload(next)
	}
}
