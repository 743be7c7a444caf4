package entity

import (
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/ehr/recordvault/internal/platform/tenant"
)

var (
	namePattern  = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)
	tablePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)
	fieldPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]{0,62}$`)
)

// Entity is a validated, immutable entity declaration.
type Entity struct {
	name           string
	table          string
	fields         []string
	sensitive      []string
	sensitiveSet   map[string]bool
	indexed        map[string]bool
	declared       map[string]bool
	visible        map[tenant.Role][]string
	visibleSet     map[tenant.Role]map[string]bool
	perms          map[Op]map[tenant.Role]bool
	legacyFallback bool
	managed        bool
}

func (e *Entity) Name() string  { return e.name }
func (e *Entity) Table() string { return e.table }
func (e *Entity) Managed() bool { return e.managed }

// LegacyMarkerFallback reports whether rows without an encryption marker are
// decrypted as if every sensitive field were encrypted.
func (e *Entity) LegacyMarkerFallback() bool { return e.legacyFallback }

// Fields returns the declared (non-system) field names in declaration order.
func (e *Entity) Fields() []string { return append([]string(nil), e.fields...) }

// SensitiveFields returns the sensitive field names in declaration order.
func (e *Entity) SensitiveFields() []string { return append([]string(nil), e.sensitive...) }

// HasField reports whether name is a declared field.
func (e *Entity) HasField(name string) bool { return e.declared[name] }

func (e *Entity) IsSensitive(name string) bool { return e.sensitiveSet[name] }
func (e *Entity) IsIndexed(name string) bool   { return e.indexed[name] }

// VisibleFields returns every field, system fields included, that role sees.
func (e *Entity) VisibleFields(role tenant.Role) []string {
	return append([]string(nil), e.visible[role]...)
}

// CanSee reports whether role may see field on read.
func (e *Entity) CanSee(role tenant.Role, field string) bool {
	return e.visibleSet[role][field]
}

// Permits reports whether role may perform op.
func (e *Entity) Permits(op Op, role tenant.Role) bool {
	return e.perms[op][role]
}

// Registry holds the validated entity set.
type Registry struct {
	byName map[string]*Entity
	names  []string
}

// NewRegistry validates and compiles defs. Every problem found is reported.
func NewRegistry(defs ...Definition) (*Registry, error) {
	reg := &Registry{byName: make(map[string]*Entity, len(defs))}
	tables := make(map[string]string, len(defs))
	var errs []error

	for _, def := range defs {
		ent, err := compile(def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := reg.byName[ent.name]; dup {
			errs = append(errs, fmt.Errorf("entity %q declared twice", ent.name))
			continue
		}
		if other, dup := tables[ent.table]; dup {
			errs = append(errs, fmt.Errorf("entity %q: table %q already used by %q", ent.name, ent.table, other))
			continue
		}
		tables[ent.table] = ent.name
		reg.byName[ent.name] = ent
		reg.names = append(reg.names, ent.name)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.Strings(reg.names)
	return reg, nil
}

// MustRegistry is NewRegistry for package-level declarations; it panics on an
// invalid declaration so a typo stops the process at boot.
func MustRegistry(defs ...Definition) *Registry {
	reg, err := NewRegistry(defs...)
	if err != nil {
		panic(fmt.Sprintf("entity: invalid declarations: %v", err))
	}
	return reg
}

// Lookup returns the entity registered under name.
func (r *Registry) Lookup(name string) (*Entity, bool) {
	e, ok := r.byName[name]
	return e, ok
}

// All returns every entity ordered by name.
func (r *Registry) All() []*Entity {
	out := make([]*Entity, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.byName[n])
	}
	return out
}

func compile(def Definition) (*Entity, error) {
	var errs []error
	fail := func(format string, a ...any) {
		errs = append(errs, fmt.Errorf("entity %q: "+format, append([]any{def.Name}, a...)...))
	}

	if !namePattern.MatchString(def.Name) {
		fail("invalid name")
	}
	if !tablePattern.MatchString(def.Table) {
		fail("invalid table name %q", def.Table)
	}
	if len(def.Fields) == 0 {
		fail("declares no fields")
	}

	ent := &Entity{
		name:           def.Name,
		table:          def.Table,
		sensitiveSet:   make(map[string]bool),
		indexed:        make(map[string]bool),
		declared:       make(map[string]bool, len(def.Fields)),
		visible:        make(map[tenant.Role][]string),
		visibleSet:     make(map[tenant.Role]map[string]bool),
		perms:          make(map[Op]map[tenant.Role]bool),
		legacyFallback: def.LegacyMarkerFallback,
		managed:        def.Managed,
	}

	for _, role := range tenant.Roles() {
		ent.visibleSet[role] = make(map[string]bool)
		for _, sf := range systemFields {
			ent.visible[role] = append(ent.visible[role], sf)
			ent.visibleSet[role][sf] = true
		}
	}

	for _, f := range def.Fields {
		switch {
		case !fieldPattern.MatchString(f.Name):
			fail("invalid field name %q", f.Name)
			continue
		case IsSystemField(f.Name):
			fail("field %q is reserved", f.Name)
			continue
		case ent.declared[f.Name]:
			fail("field %q declared twice", f.Name)
			continue
		}
		if f.Indexed && !f.Sensitive {
			fail("field %q is indexed but not sensitive", f.Name)
		}
		if err := checkRoleSet(f.Visible); err != nil {
			fail("field %q visibility: %v", f.Name, err)
			continue
		}

		ent.declared[f.Name] = true
		ent.fields = append(ent.fields, f.Name)
		if f.Sensitive {
			ent.sensitive = append(ent.sensitive, f.Name)
			ent.sensitiveSet[f.Name] = true
		}
		if f.Indexed {
			ent.indexed[f.Name] = true
		}
		for _, role := range tenant.Roles() {
			if f.Visible[role] {
				ent.visible[role] = append(ent.visible[role], f.Name)
				ent.visibleSet[role][f.Name] = true
			}
		}
	}

	for _, op := range Ops() {
		set, ok := def.Permissions[op]
		if !ok {
			fail("no permission rule for %s", op)
			continue
		}
		if err := checkRoleSet(set); err != nil {
			fail("%s permission: %v", op, err)
			continue
		}
		ent.perms[op] = make(map[tenant.Role]bool, len(set))
		for r, allowed := range set {
			ent.perms[op][r] = allowed
		}
	}
	for op := range def.Permissions {
		if !validOp(op) {
			fail("unknown operation %q", op)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return ent, nil
}

// checkRoleSet requires an explicit decision for every role and that a grant
// to a role is also a grant to every more privileged role.
func checkRoleSet(set RoleSet) error {
	if set == nil {
		return errors.New("missing")
	}
	for r := range set {
		if !r.Valid() {
			return fmt.Errorf("unknown role %q", r)
		}
	}
	roles := tenant.Roles()
	for i, r := range roles {
		allowed, ok := set[r]
		if !ok {
			return fmt.Errorf("no rule for role %q", r)
		}
		if !allowed {
			continue
		}
		for _, higher := range roles[i+1:] {
			if v, ok := set[higher]; ok && !v {
				return fmt.Errorf("granted to %q but not to more privileged %q", r, higher)
			}
		}
	}
	return nil
}

func validOp(op Op) bool {
	for _, o := range Ops() {
		if o == op {
			return true
		}
	}
	return false
}
