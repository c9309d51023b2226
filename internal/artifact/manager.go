package artifact

import (
	"log/slog"
	"sync"

	"github.com/JonMunkholm/paperwork/internal/core"
)

// Manager issues handles for one workflow. It satisfies core.Publisher.
type Manager struct {
	store  *Store
	logger *slog.Logger

	mu   sync.Mutex
	live core.HandleRef
}

// NewManager creates a manager that publishes into store.
func NewManager(store *Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// Publish releases the previously issued handle, if any, and returns a new
// handle for a.
func (m *Manager) Publish(a core.Artifact) core.HandleRef {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.live != "" {
		m.store.remove(m.live)
		m.logger.Debug("artifact released", "handle", m.live)
		m.live = ""
	}

	m.live = m.store.put(a)
	m.logger.Debug("artifact published", "handle", m.live, "name", a.Name, "bytes", a.Size())
	return m.live
}

// Release revokes ref. Unknown or already released handles are ignored.
// Only the handle currently owned by this manager can be released.
func (m *Manager) Release(ref core.HandleRef) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ref == "" || ref != m.live {
		return
	}
	m.store.remove(ref)
	m.live = ""
	m.logger.Debug("artifact released", "handle", ref)
}

// Live returns the handle currently issued by this manager, or "".
func (m *Manager) Live() core.HandleRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// Owns reports whether ref is this manager's live handle.
func (m *Manager) Owns(ref core.HandleRef) bool {
	return ref != "" && m.Live() == ref
}

// Close releases the live handle.
func (m *Manager) Close() {
	m.Release(m.Live())
}
