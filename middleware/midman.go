package middleware

import (
	"sync"

	"github.com/gin-gonic/gin"
)

var (
	globalMgr *Manager
	once      sync.Once
)

// Manager 运行期可增删的中间件集合；网关启动时装配一次，
// 热更场景（调试开关日志等）可在运行中替换。
type Manager struct {
	mu   sync.RWMutex
	mids []gin.HandlerFunc
}

func NewManager() *Manager { return &Manager{} }

// Global 全局实例（惰性初始化，线程安全）
func Global() *Manager {
	once.Do(func() { globalMgr = NewManager() })
	return globalMgr
}

func (m *Manager) Add(h gin.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids = append(m.mids, h)
}

func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids = nil
}

// Use 返回总控 handler，挂到 Engine 上
func (m *Manager) Use() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.mu.RLock()
		handlers := append([]gin.HandlerFunc{}, m.mids...)
		m.mu.RUnlock()

		for _, h := range handlers {
			h(c)
			if c.IsAborted() {
				return
			}
		}
		c.Next()
	}
}
