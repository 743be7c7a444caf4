package tenant

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Role is the caller's privilege level inside a tenant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAdmin     Role = "admin"
	RoleSuperuser Role = "superuser"
)

var roleRank = map[Role]int{
	RoleUser:      1,
	RoleAdmin:     2,
	RoleSuperuser: 3,
}

// Roles returns every role ordered from least to most privileged.
func Roles() []Role {
	return []Role{RoleUser, RoleAdmin, RoleSuperuser}
}

// ParseRole parses a role claim. Matching is case-insensitive.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r is as privileged as other.
func (r Role) AtLeast(other Role) bool {
	return roleRank[r] >= roleRank[other] && r.Valid()
}

var (
	ErrUnauthenticated  = errors.New("tenant: unauthenticated")
	ErrNoTenantAssigned = errors.New("tenant: no tenant assigned")
	ErrUnknownRole      = errors.New("tenant: unknown role")
	ErrInvalidTenant    = errors.New("tenant: invalid tenant identifier")
	ErrNoScope          = errors.New("tenant: request has no resolved scope")
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidTenantID reports whether id is an acceptable organization identifier.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// Identity is what authentication established about the caller.
type Identity struct {
	Subject        string
	OrganizationID string
	Role           string
}

// Scope is the immutable tenant binding of one request. Its fields are only
// set by Resolve; the zero Scope is invalid and rejected by every consumer.
type Scope struct {
	tenantID string
	role     Role
	callerID string
}

// Resolve derives the request scope from an authenticated identity. A
// superuser resolves to a scope without a tenant; everyone else must carry
// an organization.
func Resolve(id Identity) (Scope, error) {
	if strings.TrimSpace(id.Subject) == "" {
		return Scope{}, ErrUnauthenticated
	}
	role, err := ParseRole(id.Role)
	if err != nil {
		return Scope{}, err
	}
	if role == RoleSuperuser {
		return Scope{role: role, callerID: id.Subject}, nil
	}
	if id.OrganizationID == "" {
		return Scope{}, ErrNoTenantAssigned
	}
	if !ValidTenantID(id.OrganizationID) {
		return Scope{}, fmt.Errorf("%w: %q", ErrInvalidTenant, id.OrganizationID)
	}
	return Scope{tenantID: id.OrganizationID, role: role, callerID: id.Subject}, nil
}

// TenantID returns the bound organization. ok is false for superuser scopes.
func (s Scope) TenantID() (id string, ok bool) {
	return s.tenantID, s.tenantID != ""
}

func (s Scope) Role() Role       { return s.role }
func (s Scope) CallerID() string { return s.callerID }

// IsSuperuser reports whether the scope bypasses tenant filtering.
func (s Scope) IsSuperuser() bool {
	return s.role == RoleSuperuser
}

// Valid reports whether s was produced by Resolve.
func (s Scope) Valid() bool {
	if !s.role.Valid() || s.callerID == "" {
		return false
	}
	if s.IsSuperuser() {
		return s.tenantID == ""
	}
	return s.tenantID != ""
}

func (s Scope) String() string {
	if s.IsSuperuser() {
		return fmt.Sprintf("scope(superuser caller=%s)", s.callerID)
	}
	return fmt.Sprintf("scope(tenant=%s role=%s caller=%s)", s.tenantID, s.role, s.callerID)
}
