package access

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/rulesconsole/model"
)

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// StaticSource maps the role claim of the request to permissions using a
// YAML policy file:
//
//	roles:
//	  WRITE_ACCESS: [create, edit, export]
//	  READ_ONLY: []
type StaticSource struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticSource loads the policy at path.
func NewStaticSource(path string) (*StaticSource, error) {
	s := &StaticSource{path: path}
	if err := s.Sync(); err != nil {
		return nil, err
	}
	return s, nil
}

// UserAccess returns the role claim and the permissions the policy grants it.
// A role missing from the policy gets no permissions.
func (s *StaticSource) UserAccess(ctx context.Context) (model.UserAccess, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return model.UserAccess{}, errors.New("access: no request context")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	perms := append([]string{}, s.policy.Roles[rctx.Role]...)
	return model.UserAccess{Role: rctx.Role, Permissions: perms}, nil
}

// Sync reloads the policy file from disk.
func (s *StaticSource) Sync() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("access: reading policy file %s: %w", s.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("access: parsing policy file %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()

	return nil
}
