// Package access resolves the console user's role and permissions and
// answers capability checks against them.
package access

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/rulesconsole/internal/observability"
	"github.com/pitabwire/rulesconsole/model"
)

// FetchErrorMessage is recorded on the state when access cannot be loaded.
const FetchErrorMessage = "Failed to fetch user access rights"

// Source loads the access rights of the user carried by ctx.
// *rulesapi.Client satisfies it through GET /rules/user/access.
type Source interface {
	UserAccess(ctx context.Context) (model.UserAccess, error)
}

// Model holds the access state of one console user. It starts pending, so
// every check is denied until Fetch completes successfully.
type Model struct {
	source Source
	logger *zap.Logger

	mu    sync.RWMutex
	state model.AccessState
}

// NewModel creates a pending access model backed by source.
func NewModel(source Source, logger *zap.Logger) *Model {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Model{
		source: source,
		logger: logger,
		state:  model.PendingAccess(),
	}
}

// Fetch loads access rights from the source and settles the model. A failed
// load leaves no role and no permissions, so every check stays denied.
func (m *Model) Fetch(ctx context.Context) model.AccessState {
	ua, err := m.source.UserAccess(ctx)

	var next model.AccessState
	if err != nil {
		observability.RequestLogger(ctx, m.logger).Warn("user access fetch failed", zap.Error(err))
		next = model.AccessState{Permissions: model.PermissionSet{}, Error: FetchErrorMessage}
	} else {
		next = model.AccessState{Role: ua.Role, Permissions: model.NewPermissionSet(ua.Permissions...)}
	}

	m.mu.Lock()
	m.state = next
	m.mu.Unlock()
	return next
}

// Settled reports whether access has loaded without error. Once settled the
// state is never fetched again for the life of the console.
func (m *Model) Settled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.state.Loading && m.state.Error == ""
}

// State returns a copy of the current access state.
func (m *Model) State() model.AccessState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.state
	s.Permissions = model.NewPermissionSet(s.Permissions.Tokens()...)
	return s
}

// HasPermission returns true iff token is granted and access has loaded.
func (m *Model) HasPermission(token string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.HasPermission(token)
}

// IsWriteAccess returns true iff the loaded role is WRITE_ACCESS.
func (m *Model) IsWriteAccess() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.IsWriteAccess()
}

func (m *Model) CanCreate() bool { return m.HasPermission(model.PermissionCreate) }
func (m *Model) CanEdit() bool   { return m.HasPermission(model.PermissionEdit) }
func (m *Model) CanExport() bool { return m.HasPermission(model.PermissionExport) }
