package security

import (
	"fmt"
)

// AllowListPolicy validates plugin permissions against a fixed allow-list.
// Permissions outside the list fail validation; a subset of the list is
// flagged as dangerous and logged by callers.
type AllowListPolicy struct {
	allowed   map[string]bool
	dangerous map[string]bool
}

// DefaultPermissions is the closed set of permissions a plugin may declare
var DefaultPermissions = []string{
	"net.fetch",
	"net.serve",
	"fs.read",
	"fs.write",
	"env.read",
	"exec.subprocess",
	"artifact.read",
	"artifact.write",
	"brain.query",
}

// DefaultDangerousPermissions are allowed but logged when declared
var DefaultDangerousPermissions = []string{
	"fs.write",
	"exec.subprocess",
	"net.serve",
}

// NewAllowListPolicy creates a policy over the default permission sets
func NewAllowListPolicy() *AllowListPolicy {
	return NewAllowListPolicyWith(DefaultPermissions, DefaultDangerousPermissions)
}

// NewAllowListPolicyWith creates a policy over explicit permission sets
func NewAllowListPolicyWith(allowed, dangerous []string) *AllowListPolicy {
	p := &AllowListPolicy{
		allowed:   make(map[string]bool, len(allowed)),
		dangerous: make(map[string]bool, len(dangerous)),
	}
	for _, perm := range allowed {
		p.allowed[perm] = true
	}
	for _, perm := range dangerous {
		p.dangerous[perm] = true
	}
	return p
}

// Validate returns an error when any permission is outside the allow-list
func (p *AllowListPolicy) Validate(permissions []string) error {
	for _, perm := range permissions {
		if !p.allowed[perm] {
			return fmt.Errorf("permission %q is not in the allow-list", perm)
		}
	}
	return nil
}

// Dangerous returns the declared permissions that warrant a warning
func (p *AllowListPolicy) Dangerous(permissions []string) []string {
	var out []string
	for _, perm := range permissions {
		if p.dangerous[perm] {
			out = append(out, perm)
		}
	}
	return out
}
