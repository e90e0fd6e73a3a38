package model

import (
	"encoding/json"
	"sort"
)

// Roles reported by the rules backend.
const (
	RoleWriteAccess = "WRITE_ACCESS"
	RoleReadOnly    = "READ_ONLY"
)

// Capability tokens granted to a console user.
const (
	PermissionCreate = "create"
	PermissionEdit   = "edit"
	PermissionExport = "export"
)

// PermissionSet is the set of capability tokens granted to a user.
type PermissionSet map[string]bool

// NewPermissionSet builds a set from a token list. Empty tokens are ignored.
func NewPermissionSet(tokens ...string) PermissionSet {
	ps := make(PermissionSet, len(tokens))
	for _, t := range tokens {
		if t != "" {
			ps[t] = true
		}
	}
	return ps
}

// Has returns true if the set contains the exact token.
func (ps PermissionSet) Has(token string) bool {
	return ps[token]
}

// HasAll returns true if the set contains every given token.
func (ps PermissionSet) HasAll(tokens ...string) bool {
	for _, t := range tokens {
		if !ps.Has(t) {
			return false
		}
	}
	return true
}

// HasAny returns true if the set contains at least one of the given tokens.
func (ps PermissionSet) HasAny(tokens ...string) bool {
	for _, t := range tokens {
		if ps.Has(t) {
			return true
		}
	}
	return false
}

// Tokens returns the granted tokens in sorted order.
func (ps PermissionSet) Tokens() []string {
	out := make([]string, 0, len(ps))
	for t, ok := range ps {
		if ok {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as a sorted token array, the shape the backend uses.
func (ps PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(ps.Tokens())
}

// UnmarshalJSON decodes a token array.
func (ps *PermissionSet) UnmarshalJSON(data []byte) error {
	var tokens []string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return err
	}
	*ps = NewPermissionSet(tokens...)
	return nil
}

// UserAccess is the payload of GET /rules/user/access.
type UserAccess struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// AccessState is the resolved access of the current console user. Every check
// reports denied while Loading is set or after a failed fetch.
type AccessState struct {
	Role        string        `json:"role,omitempty"`
	Permissions PermissionSet `json:"permissions"`
	Loading     bool          `json:"loading"`
	Error       string        `json:"error,omitempty"`
}

// PendingAccess is the state before the access fetch completes.
func PendingAccess() AccessState {
	return AccessState{Permissions: PermissionSet{}, Loading: true}
}

// settled reports whether the fetch completed successfully.
func (s AccessState) settled() bool {
	return !s.Loading && s.Error == ""
}

// HasPermission returns true iff token is a granted permission.
func (s AccessState) HasPermission(token string) bool {
	return s.settled() && s.Permissions.Has(token)
}

// IsWriteAccess returns true iff the role is WRITE_ACCESS.
func (s AccessState) IsWriteAccess() bool {
	return s.settled() && s.Role == RoleWriteAccess
}

func (s AccessState) CanCreate() bool { return s.HasPermission(PermissionCreate) }
func (s AccessState) CanEdit() bool   { return s.HasPermission(PermissionEdit) }
func (s AccessState) CanExport() bool { return s.HasPermission(PermissionExport) }
