// Package entity declares the tenant-scoped record types: their fields, which
// of those fields are sensitive, who may see each field and who may perform
// each operation. Declarations are validated once at startup and immutable
// afterwards.
package entity

import (
	"github.com/ehr/recordvault/internal/platform/tenant"
)

// Record is a persisted row as a field-name keyed map.
type Record map[string]any

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// System columns carried by every scoped row.
const (
	FieldID             = "id"
	FieldOrganizationID = "organizationId"
	FieldCreatedAt      = "createdAt"
	FieldUpdatedAt      = "updatedAt"

	// MarkerField lists the fields encrypted on a particular row. It is
	// persisted with the row and never returned to callers.
	MarkerField = "_encrypted"
)

var systemFields = []string{FieldID, FieldOrganizationID, FieldCreatedAt, FieldUpdatedAt}

// SystemFields returns the columns every entity carries.
func SystemFields() []string {
	return append([]string(nil), systemFields...)
}

// IsSystemField reports whether name is managed by the store rather than
// supplied by callers.
func IsSystemField(name string) bool {
	for _, f := range systemFields {
		if f == name {
			return true
		}
	}
	return name == MarkerField
}

// Op is an operation kind checked by access control.
type Op string

const (
	OpRead   Op = "read"
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Ops returns every operation kind.
func Ops() []Op {
	return []Op{OpRead, OpCreate, OpUpdate, OpDelete}
}

// RoleSet assigns an explicit yes/no to every role. Declarations must list
// every role so an omission is caught at startup instead of defaulting.
type RoleSet map[tenant.Role]bool

// From grants min and every more privileged role.
func From(min tenant.Role) RoleSet {
	set := make(RoleSet, len(tenant.Roles()))
	for _, r := range tenant.Roles() {
		set[r] = r.AtLeast(min)
	}
	return set
}

// Nobody denies every role.
func Nobody() RoleSet {
	set := make(RoleSet, len(tenant.Roles()))
	for _, r := range tenant.Roles() {
		set[r] = false
	}
	return set
}

// Field declares one caller-supplied column.
type Field struct {
	Name string
	// Sensitive fields are never persisted as plaintext.
	Sensitive bool
	// Indexed sensitive fields get a blind index so equality filters work.
	Indexed bool
	// Visible decides which roles see the field on read.
	Visible RoleSet
}

// Definition is the declaration of an entity. Use NewRegistry to validate
// and compile a set of definitions.
type Definition struct {
	// Name is the API-facing identifier, e.g. "patients".
	Name string
	// Table is the backing table.
	Table       string
	Fields      []Field
	Permissions map[Op]RoleSet

	// LegacyMarkerFallback treats rows without an encryption marker as having
	// every sensitive field encrypted. Only entities with data written before
	// markers existed should set it.
	LegacyMarkerFallback bool

	// Managed entities are mutated only by their domain service; the generic
	// record routes refuse to create, update or delete them.
	Managed bool
}
