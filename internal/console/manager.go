package console

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultIdleTTL is how long an untouched console is kept.
const DefaultIdleTTL = 30 * time.Minute

// Manager keeps one console per subject and drops consoles that have been
// idle longer than the TTL.
type Manager struct {
	deps    Deps
	idleTTL time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	consoles map[string]*Console
}

// NewManager creates an empty manager.
func NewManager(deps Deps, idleTTL time.Duration) *Manager {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		deps:     deps,
		idleTTL:  idleTTL,
		logger:   logger,
		now:      time.Now,
		consoles: make(map[string]*Console),
	}
}

// Get returns the subject's console, creating it if needed.
func (m *Manager) Get(subject string) *Console {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.consoles[subject]; ok {
		c.touch()
		return c
	}
	c := New(subject, m.deps)
	c.now = m.now
	c.touch()
	m.consoles[subject] = c
	m.deps.Metrics.SetActiveConsoles(len(m.consoles))
	return c
}

// Lookup returns the subject's console without creating one.
func (m *Manager) Lookup(subject string) (*Console, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consoles[subject]
	return c, ok
}

// Remove drops the subject's console.
func (m *Manager) Remove(subject string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.consoles, subject)
	m.deps.Metrics.SetActiveConsoles(len(m.consoles))
}

// Len returns the number of live consoles.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.consoles)
}

// Sweep drops idle consoles and returns how many were removed. A console with
// a submission in flight is kept.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.idleTTL)
	removed := 0
	for subject, c := range m.consoles {
		if c.LastUsed().Before(cutoff) && !c.Busy() {
			delete(m.consoles, subject)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("swept idle consoles", zap.Int("removed", removed), zap.Int("remaining", len(m.consoles)))
	}
	m.deps.Metrics.SetActiveConsoles(len(m.consoles))
	return removed
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
