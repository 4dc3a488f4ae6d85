package health

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// Manager tracks process readiness plus named checks that can report a
// degraded dependency without taking the process out of rotation.
type Manager struct {
	ready atomic.Bool

	mu     sync.RWMutex
	checks map[string]string
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{checks: map[string]string{}}
	m.ready.Store(initialReady)
	return m
}

func (m *Manager) SetReady(ready bool) {
	m.ready.Store(ready)
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

// SetCheck records the state of a named check. A nil error clears it.
func (m *Manager) SetCheck(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.checks, name)
		return
	}
	m.checks[name] = err.Error()
}

// Degraded returns failing checks keyed by name.
func (m *Manager) Degraded() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.checks))
	for k, v := range m.checks {
		out[k] = v
	}
	return out
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.IsReady() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}
		degraded := m.Degraded()
		if len(degraded) == 0 {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		names := make([]string, 0, len(degraded))
		for name := range degraded {
			names = append(names, name)
		}
		sort.Strings(names)
		c.JSON(http.StatusOK, gin.H{"status": "degraded", "failing": names, "checks": degraded})
	}
}
