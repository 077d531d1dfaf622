// Package auth implements service-account authentication for the Hephaestus
// API plane: a keystore of signed bearer-token keys, an HS256 token verifier,
// and role-scoped principals carried on the request context.
package auth

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Role is a named authorisation scope granted to a service account.
type Role string

const (
	RoleGuardRails Role = "guard-rails"
	RoleCleanup    Role = "cleanup"
	RoleAnalytics  Role = "analytics"
)

// KnownRoles lists every role the service understands.
var KnownRoles = []Role{RoleGuardRails, RoleCleanup, RoleAnalytics}

// AuthenticationError reports a bearer token or key-material defect.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string { return e.Reason }

func authErrorf(format string, args ...any) *AuthenticationError {
	return &AuthenticationError{Reason: fmt.Sprintf(format, args...)}
}

// AuthorizationError reports a verified principal lacking a required role.
type AuthorizationError struct {
	Principal string
	Role      string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("Principal %q missing required role %q", e.Principal, e.Role)
}

// ServiceAccountKey is a materialised key definition loaded from the keystore.
type ServiceAccountKey struct {
	KeyID     string
	Principal string
	Roles     map[string]bool
	Secret    []byte
	ExpiresAt time.Time // zero value means the key never expires
}

// IsExpired reports whether the key has passed its expiry at the given time.
func (k *ServiceAccountKey) IsExpired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

// RoleNames returns the granted roles in sorted order.
func (k *ServiceAccountKey) RoleNames() []string {
	names := make([]string, 0, len(k.Roles))
	for role := range k.Roles {
		names = append(names, role)
	}
	sort.Strings(names)
	return names
}

// AuthenticatedPrincipal is the identity extracted from a verified token.
type AuthenticatedPrincipal struct {
	Principal string
	Roles     map[string]bool
	KeyID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasRole reports whether the principal carries the given role.
func (p *AuthenticatedPrincipal) HasRole(role Role) bool {
	return p.Roles[string(role)]
}

// RoleNames returns the effective roles in sorted order.
func (p *AuthenticatedPrincipal) RoleNames() []string {
	names := make([]string, 0, len(p.Roles))
	for role := range p.Roles {
		names = append(names, role)
	}
	sort.Strings(names)
	return names
}

// RequireRole fails with an AuthorizationError when the principal lacks role.
func RequireRole(p *AuthenticatedPrincipal, role Role) error {
	if p == nil || !p.HasRole(role) {
		name := "anonymous"
		if p != nil {
			name = p.Principal
		}
		return &AuthorizationError{Principal: name, Role: string(role)}
	}
	return nil
}

// RequireAnyRole fails unless the principal carries at least one of roles.
func RequireAnyRole(p *AuthenticatedPrincipal, roles ...Role) error {
	for _, role := range roles {
		if p != nil && p.HasRole(role) {
			return nil
		}
	}
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, string(role))
	}
	sort.Strings(names)
	name := "anonymous"
	if p != nil {
		name = p.Principal
	}
	return &AuthorizationError{Principal: name, Role: strings.Join(names, ",")}
}
