package configs

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"am-voice-gateway/src/core/utils"
)

// Manager 配置管理器，支持文件变更热加载
type Manager struct {
	path    string
	current atomic.Pointer[Config]

	mu        sync.Mutex
	callbacks []func(*Config)

	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager 创建配置管理器并完成首次加载
func NewManager(path string) (*Manager, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		path:     path,
		stopChan: make(chan struct{}),
	}
	m.current.Store(cfg)
	return m, nil
}

// Current 返回当前生效的配置快照
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// OnChange 注册配置变更回调
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Watch 启动文件监听，配置文件变更后自动重载
func (m *Manager) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听器失败: %v", err)
	}
	// 监听目录而非文件本身，兼容编辑器的改名写入
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("监听配置目录失败: %v", err)
	}
	m.watcher = watcher

	m.wg.Add(1)
	go m.watchLoop()
	return nil
}

func (m *Manager) watchLoop() {
	defer m.wg.Done()
	target := filepath.Clean(m.path)

	for {
		select {
		case <-m.stopChan:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.reload()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			utils.Warn("配置文件监听错误: %v", err)
		}
	}
}

// reload 重新加载配置；失败时保留旧配置继续运行
func (m *Manager) reload() {
	cfg, err := LoadConfig(m.path)
	if err != nil {
		utils.Error("配置热加载失败，保留旧配置: %v", err)
		return
	}
	m.current.Store(cfg)
	utils.Info("配置热加载成功: %s", m.path)

	m.mu.Lock()
	callbacks := append([]func(*Config){}, m.callbacks...)
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
}

// Stop 停止文件监听
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		if m.watcher != nil {
			m.watcher.Close()
		}
		m.wg.Wait()
	})
}
