package inspection

import (
	"sync"
	"time"

	"github.com/athena-uvm/hotspot-inspector/server/catalog"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager keeps the workspaces of all connected views. Workspaces that have
// been idle longer than the configured TTL and are not held by a connection
// are dropped by a background sweep.
type Manager struct {
	catalog  *catalog.Catalog
	backend  Backend
	notifier Notifier
	logger   *zap.Logger
	idleTTL  time.Duration

	mutex      sync.RWMutex
	workspaces map[string]*Workspace
	created    int64
	expired    int64

	cleanup *time.Ticker
	stopCh  chan struct{}
	stopped sync.Once
}

type ManagerStats struct {
	Active  int           `json:"active"`
	Created int64         `json:"created"`
	Expired int64         `json:"expired"`
	States  map[State]int `json:"states"`
}

func NewManager(cat *catalog.Catalog, backend Backend, notifier Notifier, idleTTL time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		catalog:    cat,
		backend:    backend,
		notifier:   notifier,
		logger:     logger,
		idleTTL:    idleTTL,
		workspaces: make(map[string]*Workspace),
		stopCh:     make(chan struct{}),
	}

	if idleTTL > 0 {
		m.cleanup = time.NewTicker(idleTTL / 2)
		go m.cleanupIdle()
	}

	return m
}

func (m *Manager) Create() *Workspace {
	id := uuid.NewString()

	var opts []SessionOption
	if m.notifier != nil {
		opts = append(opts, WithNotifier(m.notifier))
	}
	session := NewSession(id, m.backend, m.logger, opts...)
	workspace := NewWorkspace(m.catalog, session)

	m.mutex.Lock()
	m.workspaces[id] = workspace
	m.created++
	m.mutex.Unlock()

	m.logger.Debug("Workspace created", zap.String("session_id", id))
	return workspace
}

func (m *Manager) Get(id string) (*Workspace, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	workspace, ok := m.workspaces[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return workspace, nil
}

// Delete drops the workspace. Requests still in flight for it complete
// against a session nobody reads any more.
func (m *Manager) Delete(id string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.workspaces[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.workspaces, id)
	return nil
}

func (m *Manager) Stats() ManagerStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := ManagerStats{
		Active:  len(m.workspaces),
		Created: m.created,
		Expired: m.expired,
		States:  make(map[State]int),
	}
	for _, w := range m.workspaces {
		stats.States[w.Session.CurrentState()]++
	}
	return stats
}

func (m *Manager) Shutdown() {
	m.stopped.Do(func() {
		if m.cleanup != nil {
			m.cleanup.Stop()
		}
		close(m.stopCh)
	})
}

func (m *Manager) cleanupIdle() {
	for {
		select {
		case <-m.cleanup.C:
			m.expireIdle(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) expireIdle(now time.Time) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	removed := 0
	for id, w := range m.workspaces {
		if w.Held() {
			continue
		}
		if now.Sub(w.Session.LastActive()) > m.idleTTL {
			delete(m.workspaces, id)
			removed++
		}
	}
	m.expired += int64(removed)

	if removed > 0 {
		m.logger.Info("Expired idle workspaces", zap.Int("count", removed))
	}
	return removed
}
