package store

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"github.com/ehr/recordvault/internal/platform/entity"
)

func (t *Table) baseSelection() selection {
	tid, bound := t.scope.TenantID()
	return selection{scoped: bound, orgID: tid}
}

// selection validates filter against the entity and turns it into a
// predicate. empty reports a filter that can match nothing under this scope,
// such as another tenant's organizationId, so no query needs to run.
func (t *Table) selection(filter Filter) (sel selection, empty bool, err error) {
	sel = t.baseSelection()
	var searched []string

	for _, k := range sortedKeys(filter) {
		v := filter[k]
		text, untyped := v.(Text)
		if untyped {
			v = string(text)
		}
		switch k {
		case entity.FieldID:
			s, ok := v.(string)
			if !ok {
				return sel, false, invalid(k, "must be a string")
			}
			if _, err := uuid.Parse(s); err != nil {
				empty = true
			}
			sel.id = s
			continue
		case entity.FieldOrganizationID:
			s, ok := v.(string)
			if !ok {
				return sel, false, invalid(k, "must be a string")
			}
			if sel.scoped && s != sel.orgID {
				empty = true
			}
			sel.scoped, sel.orgID = true, orgFilter(sel, s)
			continue
		case entity.FieldCreatedAt, entity.FieldUpdatedAt, entity.MarkerField:
			return sel, false, invalid(k, "not filterable")
		}

		// A field the role cannot see is reported exactly like an unknown one.
		if !t.ent.HasField(k) || !t.ent.CanSee(t.scope.Role(), k) {
			return sel, false, invalid(k, "unknown field")
		}
		if !isScalar(v) {
			return sel, false, invalid(k, "must be a scalar")
		}
		if t.ent.IsSensitive(k) {
			if !t.ent.IsIndexed(k) {
				return sel, false, invalid(k, "sensitive field is not searchable")
			}
			if _, ok := v.(string); !ok {
				return sel, false, invalid(k, "must be a string")
			}
			searched = append(searched, k)
			continue
		}
		if untyped {
			if sel.anyOf == nil {
				sel.anyOf = map[string][]any{}
			}
			sel.anyOf[k] = text.candidates()
			continue
		}
		if sel.equals == nil {
			sel.equals = map[string]any{}
		}
		sel.equals[k] = v
	}

	if len(searched) > 0 {
		if !sel.scoped {
			return sel, false, invalid(searched[0], "searching a sensitive field requires organizationId")
		}
		sel.index = make(map[string]string, len(searched))
		for _, k := range searched {
			value, _ := FilterString(filter[k])
			h, ok := t.engine.crypt.IndexValue(sel.orgID, k, value)
			if !ok {
				return sel, false, invalid(k, "sensitive field is not searchable")
			}
			sel.index[k] = h
		}
	}
	return sel, empty, nil
}

// orgFilter keeps a tenant-bound scope on its own tenant; an explicit
// organizationId can only narrow a superuser scope.
func orgFilter(sel selection, requested string) string {
	if sel.scoped {
		return sel.orgID
	}
	return requested
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, float64, float32, int, int32, int64, json.Number:
		return true
	}
	return false
}

func sortedKeys(f Filter) []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
