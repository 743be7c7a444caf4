package entity

import (
	"github.com/ehr/recordvault/internal/platform/tenant"
)

// FieldSpec is the reviewable form of one field.
type FieldSpec struct {
	Name      string   `yaml:"name"`
	Sensitive bool     `yaml:"sensitive,omitempty"`
	Indexed   bool     `yaml:"indexed,omitempty"`
	VisibleTo []string `yaml:"visible_to"`
}

// Spec is the reviewable form of an entity, used by the entities command.
type Spec struct {
	Name                 string              `yaml:"name"`
	Table                string              `yaml:"table"`
	Managed              bool                `yaml:"managed,omitempty"`
	LegacyMarkerFallback bool                `yaml:"legacy_marker_fallback,omitempty"`
	Fields               []FieldSpec         `yaml:"fields"`
	Permissions          map[string][]string `yaml:"permissions"`
}

// Describe returns the registry as plain data.
func (r *Registry) Describe() []Spec {
	var specs []Spec
	for _, e := range r.All() {
		spec := Spec{
			Name:                 e.name,
			Table:                e.table,
			Managed:              e.managed,
			LegacyMarkerFallback: e.legacyFallback,
			Permissions:          make(map[string][]string, len(e.perms)),
		}
		for _, f := range e.fields {
			fs := FieldSpec{Name: f, Sensitive: e.sensitiveSet[f], Indexed: e.indexed[f], VisibleTo: []string{}}
			for _, role := range tenant.Roles() {
				if e.visibleSet[role][f] {
					fs.VisibleTo = append(fs.VisibleTo, string(role))
				}
			}
			spec.Fields = append(spec.Fields, fs)
		}
		for _, op := range Ops() {
			granted := []string{}
			for _, role := range tenant.Roles() {
				if e.perms[op][role] {
					granted = append(granted, string(role))
				}
			}
			spec.Permissions[string(op)] = granted
		}
		specs = append(specs, spec)
	}
	return specs
}
