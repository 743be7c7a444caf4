package entity

import (
	"strings"
	"testing"

	"github.com/ehr/recordvault/internal/platform/tenant"
)

func allOps(set RoleSet) map[Op]RoleSet {
	return map[Op]RoleSet{OpRead: set, OpCreate: set, OpUpdate: set, OpDelete: set}
}

func validDef() Definition {
	return Definition{
		Name:  "notes",
		Table: "notes",
		Fields: []Field{
			{Name: "title", Visible: From(tenant.RoleUser)},
			{Name: "phone", Sensitive: true, Indexed: true, Visible: From(tenant.RoleUser)},
			{Name: "history", Sensitive: true, Visible: From(tenant.RoleAdmin)},
		},
		Permissions: allOps(From(tenant.RoleUser)),
	}
}

func TestNewRegistry_Valid(t *testing.T) {
	reg, err := NewRegistry(validDef())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ent, ok := reg.Lookup("notes")
	if !ok {
		t.Fatal("notes not registered")
	}
	if got := ent.SensitiveFields(); len(got) != 2 || got[0] != "phone" || got[1] != "history" {
		t.Errorf("SensitiveFields() = %v", got)
	}
	if !ent.IsIndexed("phone") || ent.IsIndexed("history") {
		t.Error("indexed flags wrong")
	}
	if ent.HasField(FieldID) {
		t.Error("system fields are not declared fields")
	}
	if !ent.CanSee(tenant.RoleUser, FieldOrganizationID) {
		t.Error("system fields are visible to every role")
	}
	if ent.CanSee(tenant.RoleUser, "history") || !ent.CanSee(tenant.RoleAdmin, "history") {
		t.Error("history visibility wrong")
	}
	if ent.CanSee(tenant.RoleSuperuser, MarkerField) {
		t.Error("marker must never be visible")
	}
	if _, ok := reg.Lookup("missing"); ok {
		t.Error("unexpected lookup hit")
	}
}

func TestNewRegistry_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Definition)
		want   string
	}{
		{"bad name", func(d *Definition) { d.Name = "Notes!" }, "invalid name"},
		{"bad table", func(d *Definition) { d.Table = "notes;drop" }, "invalid table"},
		{"no fields", func(d *Definition) { d.Fields = nil }, "declares no fields"},
		{"reserved field", func(d *Definition) {
			d.Fields = append(d.Fields, Field{Name: "organizationId", Visible: From(tenant.RoleUser)})
		}, "reserved"},
		{"duplicate field", func(d *Definition) {
			d.Fields = append(d.Fields, Field{Name: "title", Visible: From(tenant.RoleUser)})
		}, "declared twice"},
		{"indexed plaintext", func(d *Definition) { d.Fields[0].Indexed = true }, "indexed but not sensitive"},
		{"missing visibility", func(d *Definition) { d.Fields[0].Visible = nil }, "visibility: missing"},
		{"incomplete visibility", func(d *Definition) {
			d.Fields[0].Visible = RoleSet{tenant.RoleUser: true, tenant.RoleAdmin: true}
		}, `no rule for role "superuser"`},
		{"non-monotonic visibility", func(d *Definition) {
			d.Fields[0].Visible = RoleSet{tenant.RoleUser: true, tenant.RoleAdmin: false, tenant.RoleSuperuser: true}
		}, "more privileged"},
		{"unknown role", func(d *Definition) { d.Fields[0].Visible["owner"] = true }, "unknown role"},
		{"missing permission", func(d *Definition) { delete(d.Permissions, OpDelete) }, "no permission rule for delete"},
		{"unknown op", func(d *Definition) { d.Permissions["export"] = From(tenant.RoleAdmin) }, "unknown operation"},
		{"non-monotonic permission", func(d *Definition) {
			d.Permissions[OpUpdate] = RoleSet{tenant.RoleUser: true, tenant.RoleAdmin: true, tenant.RoleSuperuser: false}
		}, "update permission"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := validDef()
			tc.mutate(&def)
			_, err := NewRegistry(def)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestNewRegistry_Duplicates(t *testing.T) {
	if _, err := NewRegistry(validDef(), validDef()); err == nil {
		t.Fatal("duplicate entity must be rejected")
	}
	other := validDef()
	other.Name = "memos"
	if _, err := NewRegistry(validDef(), other); err == nil || !strings.Contains(err.Error(), "already used") {
		t.Fatalf("shared table must be rejected, got %v", err)
	}
}

func TestMustRegistry_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	bad := validDef()
	bad.Permissions = nil
	MustRegistry(bad)
}

func TestVisibleFields(t *testing.T) {
	ent, _ := MustRegistry(validDef()).Lookup("notes")
	user := ent.VisibleFields(tenant.RoleUser)
	admin := ent.VisibleFields(tenant.RoleAdmin)
	if len(admin) != len(user)+1 {
		t.Fatalf("admin sees %v, user sees %v", admin, user)
	}
	for _, f := range SystemFields() {
		if !contains(user, f) {
			t.Errorf("user missing system field %s", f)
		}
	}
	user[0] = "mutated"
	if ent.VisibleFields(tenant.RoleUser)[0] == "mutated" {
		t.Error("VisibleFields must return a copy")
	}
}

func TestDescribe(t *testing.T) {
	specs := MustRegistry(validDef()).Describe()
	if len(specs) != 1 {
		t.Fatalf("got %d specs", len(specs))
	}
	s := specs[0]
	if got := s.Permissions["read"]; len(got) != 3 {
		t.Errorf("read permission = %v", got)
	}
	if s.Fields[2].Name != "history" || len(s.Fields[2].VisibleTo) != 2 {
		t.Errorf("history spec = %+v", s.Fields[2])
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
