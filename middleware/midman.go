package middleware

import (
	"sync"

	"github.com/gin-gonic/gin"
)

// 全局单例 + once
var (
	globalMgr *MiddlewareManager
	once      sync.Once
)

// MiddlewareManager 收集全局中间件，启动时一次性挂到 gin.Engine 上
type MiddlewareManager struct {
	mu   sync.RWMutex
	mids []gin.HandlerFunc
}

func NewManager() *MiddlewareManager {
	return &MiddlewareManager{}
}

// Manager ：获取全局实例（惰性初始化，线程安全）
func Manager() *MiddlewareManager {
	once.Do(func() {
		globalMgr = NewManager()
	})
	return globalMgr
}

// Defaults 注册 Recovery + AccessLog
func (m *MiddlewareManager) Defaults() *MiddlewareManager {
	m.Add(Recovery())
	m.Add(AccessLog())
	return m
}

// Add 注册一个中间件，顺序即执行顺序
func (m *MiddlewareManager) Add(h gin.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids = append(m.mids, h)
}

func (m *MiddlewareManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids = nil
}

// Handlers 返回快照
func (m *MiddlewareManager) Handlers() []gin.HandlerFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]gin.HandlerFunc{}, m.mids...)
}

// Install 把已注册的中间件挂到路由上。注册晚于 Install 的不会生效。
func (m *MiddlewareManager) Install(r gin.IRoutes) {
	if hs := m.Handlers(); len(hs) > 0 {
		r.Use(hs...)
	}
}
