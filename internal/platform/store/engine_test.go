package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/platform/audit"
	"github.com/ehr/recordvault/internal/platform/crypto"
	"github.com/ehr/recordvault/internal/platform/entity"
	"github.com/ehr/recordvault/internal/platform/fieldcrypt"
	"github.com/ehr/recordvault/internal/platform/tenant"
)

func testPatients(t *testing.T) *entity.Entity {
	t.Helper()
	all := entity.From(tenant.RoleUser)
	reg := entity.MustRegistry(entity.Definition{
		Name:  "patients",
		Table: "patients",
		Fields: []entity.Field{
			{Name: "firstName", Visible: all},
			{Name: "lastName", Visible: all},
			{Name: "phone", Sensitive: true, Indexed: true, Visible: all},
			{Name: "medicalHistory", Sensitive: true, Visible: entity.From(tenant.RoleAdmin)},
			{Name: "clinicalNotes", Sensitive: true, Visible: entity.From(tenant.RoleAdmin)},
		},
		Permissions: map[entity.Op]entity.RoleSet{
			entity.OpRead: all, entity.OpCreate: all, entity.OpUpdate: all, entity.OpDelete: all,
		},
		LegacyMarkerFallback: true,
	})
	ent, _ := reg.Lookup("patients")
	return ent
}

func testCrypt(t *testing.T) *fieldcrypt.Middleware {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	codec, err := crypto.NewCodec(key, 1)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := crypto.NewBlindIndexer(key)
	if err != nil {
		t.Fatal(err)
	}
	return fieldcrypt.New(codec, idx, zerolog.Nop())
}

// tickingClock returns a clock that advances one second per call so row
// order is deterministic.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newTestEngine(t *testing.T, b Backend, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{
		WithClock(tickingClock()),
		WithRetryPolicy(RetryPolicy{MaxRetries: 3, Base: time.Millisecond}),
	}, opts...)
	return NewEngine(b, testCrypt(t), zerolog.Nop(), opts...)
}

func scopeFor(t *testing.T, org, role string) tenant.Scope {
	t.Helper()
	s, err := tenant.Resolve(tenant.Identity{Subject: "caller-" + role, OrganizationID: org, Role: role})
	if err != nil {
		t.Fatalf("resolve %s/%s: %v", org, role, err)
	}
	return s
}

func table(t *testing.T, e *Engine, scope tenant.Scope, ent *entity.Entity) *Table {
	t.Helper()
	tbl, err := e.Query(scope, ent)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	return tbl
}

func insert(t *testing.T, tbl *Table, data entity.Record) entity.Record {
	t.Helper()
	row, err := tbl.Insert(context.Background(), data)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return row
}

func TestQuery_RequiresScope(t *testing.T) {
	e := newTestEngine(t, NewMemory())
	if _, err := e.Query(tenant.Scope{}, testPatients(t)); !errors.Is(err, ErrNoScope) {
		t.Fatalf("expected ErrNoScope, got %v", err)
	}
	err := e.Tx(context.Background(), tenant.Scope{}, func(context.Context, *Tx) error { return nil })
	if !errors.Is(err, ErrNoScope) {
		t.Fatalf("expected ErrNoScope from Tx, got %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	ent := testPatients(t)
	e := newTestEngine(t, NewMemory())
	c1 := table(t, e, scopeFor(t, "clinic-1", "admin"), ent)
	c2 := table(t, e, scopeFor(t, "clinic-2", "admin"), ent)

	mine := insert(t, c1, entity.Record{"firstName": "Ada"})
	theirs := insert(t, c2, entity.Record{"firstName": "Grace"})
	theirID := theirs[entity.FieldID].(string)

	filters := []Filter{
		nil,
		{entity.FieldOrganizationID: "clinic-2"},
		{entity.FieldID: theirID},
		{entity.FieldID: theirID, entity.FieldOrganizationID: "clinic-2"},
		{"firstName": "Grace"},
	}
	for _, f := range filters {
		rows, err := c1.FindAll(ctx, f, Page{})
		if err != nil {
			t.Fatalf("filter %v: %v", f, err)
		}
		for _, r := range rows {
			if r[entity.FieldOrganizationID] != "clinic-1" {
				t.Fatalf("filter %v leaked row %v", f, r)
			}
		}
		n, err := c1.Count(ctx, f)
		if err != nil || n != len(rows) {
			t.Fatalf("count %v = %d,%v want %d", f, n, err, len(rows))
		}
	}

	rows, _ := c1.FindAll(ctx, nil, Page{})
	if len(rows) != 1 || rows[0][entity.FieldID] != mine[entity.FieldID] {
		t.Fatalf("clinic-1 rows = %v", rows)
	}

	res, err := c1.FindByID(ctx, theirID)
	if err != nil || res.Outcome != NotFound || res.Row != nil {
		t.Fatalf("foreign FindByID = %+v, %v", res, err)
	}
}

func TestFindByID_NoExistenceLeakage(t *testing.T) {
	ctx := context.Background()
	ent := testPatients(t)
	e := newTestEngine(t, NewMemory())
	c1 := table(t, e, scopeFor(t, "clinic-1", "user"), ent)
	c2 := table(t, e, scopeFor(t, "clinic-2", "user"), ent)
	foreign := insert(t, c2, entity.Record{"firstName": "Grace"})[entity.FieldID].(string)

	a, errA := c1.FindByID(ctx, foreign)
	b, errB := c1.FindByID(ctx, uuid.NewString())
	c, errC := c1.FindByID(ctx, "not-a-uuid")
	for _, err := range []error{errA, errB, errC} {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	for _, r := range []Result{a, b, c} {
		if r.Outcome != NotFound || r.Row != nil {
			t.Fatalf("result = %+v", r)
		}
	}
}

func TestInsert(t *testing.T) {
	ctx := context.Background()
	ent := testPatients(t)
	mem := NewMemory()
	e := newTestEngine(t, mem)
	c1 := table(t, e, scopeFor(t, "clinic-1", "user"), ent)

	t.Run("cannot spoof tenant", func(t *testing.T) {
		row := insert(t, c1, entity.Record{
			"firstName":                 "Ada",
			entity.FieldOrganizationID: "other-tenant",
			entity.FieldID:             "caller-chosen",
			entity.MarkerField:         []string{"firstName"},
		})
		if row[entity.FieldOrganizationID] != "clinic-1" {
			t.Fatalf("organizationId = %v", row[entity.FieldOrganizationID])
		}
		id := row[entity.FieldID].(string)
		if id == "caller-chosen" {
			t.Fatal("caller chose the id")
		}
		stored := mem.state.tables["patients"][id]
		if stored.OrgID != "clinic-1" {
			t.Fatalf("stored org = %q", stored.OrgID)
		}
		if len(stored.Encrypted) != 0 {
			t.Fatalf("caller-supplied marker persisted: %v", stored.Encrypted)
		}
	})

	t.Run("sensitive fields are ciphertext at rest", func(t *testing.T) {
		row := insert(t, c1, entity.Record{"firstName": "Ada", "medicalHistory": "penicillin allergy"})
		if row["medicalHistory"] != "penicillin allergy" {
			t.Fatalf("returned row not decrypted: %v", row["medicalHistory"])
		}
		if _, ok := row[entity.MarkerField]; ok {
			t.Fatal("marker leaked")
		}
		stored := mem.state.tables["patients"][row[entity.FieldID].(string)]
		ct, _ := stored.Data["medicalHistory"].(string)
		if !crypto.IsCiphertext(ct) {
			t.Fatalf("medicalHistory stored as %q", ct)
		}
		if len(stored.Encrypted) != 1 || stored.Encrypted[0] != "medicalHistory" {
			t.Fatalf("marker = %v", stored.Encrypted)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := c1.Insert(ctx, entity.Record{"ssn": "123"})
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Field != "ssn" || !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("non-string sensitive value", func(t *testing.T) {
		_, err := c1.Insert(ctx, entity.Record{"medicalHistory": 12})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("superuser must name organization", func(t *testing.T) {
		su := table(t, e, scopeFor(t, "", "superuser"), ent)
		if _, err := su.Insert(ctx, entity.Record{"firstName": "X"}); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
		if _, err := su.Insert(ctx, entity.Record{"firstName": "X", entity.FieldOrganizationID: "bad org!"}); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error for bad org, got %v", err)
		}
		row := insert(t, su, entity.Record{"firstName": "X", entity.FieldOrganizationID: "clinic-3"})
		if row[entity.FieldOrganizationID] != "clinic-3" {
			t.Fatalf("organizationId = %v", row[entity.FieldOrganizationID])
		}
	})
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	ent := testPatients(t)
	mem := NewMemory()
	e := newTestEngine(t, mem)
	c1 := table(t, e, scopeFor(t, "clinic-1", "admin"), ent)
	c2 := table(t, e, scopeFor(t, "clinic-2", "admin"), ent)

	row := insert(t, c1, entity.Record{"firstName": "Ada", "medicalHistory": "asthma"})
	id := row[entity.FieldID].(string)

	t.Run("foreign tenant sees not found", func(t *testing.T) {
		res, err := c2.Update(ctx, id, entity.Record{"firstName": "Mallory"})
		if err != nil || res.Outcome != NotFound {
			t.Fatalf("got %+v, %v", res, err)
		}
		got, _ := c1.FindByID(ctx, id)
		if got.Row["firstName"] != "Ada" {
			t.Fatalf("row was modified: %v", got.Row)
		}
	})

	t.Run("owner updates and marker merges", func(t *testing.T) {
		res, err := c1.Update(ctx, id, entity.Record{"clinicalNotes": "stable", "firstName": "Ada L."})
		if err != nil || res.Outcome != Found {
			t.Fatalf("got %+v, %v", res, err)
		}
		if res.Row["clinicalNotes"] != "stable" || res.Row["medicalHistory"] != "asthma" {
			t.Fatalf("row = %v", res.Row)
		}
		stored := mem.state.tables["patients"][id]
		if len(stored.Encrypted) != 2 {
			t.Fatalf("marker = %v", stored.Encrypted)
		}
		if !stored.UpdatedAt.After(stored.CreatedAt) {
			t.Error("updatedAt not advanced")
		}
	})

	t.Run("nil clears a field", func(t *testing.T) {
		res, err := c1.Update(ctx, id, entity.Record{"medicalHistory": nil})
		if err != nil || res.Outcome != Found {
			t.Fatalf("got %+v, %v", res, err)
		}
		if _, ok := res.Row["medicalHistory"]; ok {
			t.Fatalf("medicalHistory not cleared: %v", res.Row)
		}
		stored := mem.state.tables["patients"][id]
		if len(stored.Encrypted) != 1 || stored.Encrypted[0] != "clinicalNotes" {
			t.Fatalf("marker = %v", stored.Encrypted)
		}
	})

	t.Run("organizationId cannot be moved", func(t *testing.T) {
		_, err := c1.Update(ctx, id, entity.Record{entity.FieldOrganizationID: "clinic-2"})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error for empty patch, got %v", err)
		}
		if mem.state.tables["patients"][id].OrgID != "clinic-1" {
			t.Fatal("row changed tenant")
		}
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	ent := testPatients(t)
	e := newTestEngine(t, NewMemory())
	c1 := table(t, e, scopeFor(t, "clinic-1", "admin"), ent)
	c2 := table(t, e, scopeFor(t, "clinic-2", "admin"), ent)
	id := insert(t, c1, entity.Record{"firstName": "Ada"})[entity.FieldID].(string)

	if ok, err := c2.Delete(ctx, id); err != nil || ok {
		t.Fatalf("foreign delete = %v, %v", ok, err)
	}
	if res, _ := c1.FindByID(ctx, id); res.Outcome != Found {
		t.Fatal("row removed by foreign tenant")
	}
	if ok, err := c1.Delete(ctx, id); err != nil || !ok {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	if ok, _ := c1.Delete(ctx, id); ok {
		t.Fatal("second delete reported success")
	}
}

func TestFilters(t *testing.T) {
	ctx := context.Background()
	ent := testPatients(t)
	e := newTestEngine(t, NewMemory())
	c1 := table(t, e, scopeFor(t, "clinic-1", "user"), ent)
	c2 := table(t, e, scopeFor(t, "clinic-2", "user"), ent)
	insert(t, c1, entity.Record{"firstName": "Ada", "phone": "555-0100"})
	insert(t, c1, entity.Record{"firstName": "Alan", "phone": "555-0199"})
	insert(t, c2, entity.Record{"firstName": "Grace", "phone": "555-0100"})

	t.Run("indexed sensitive field", func(t *testing.T) {
		rows, err := c1.FindAll(ctx, Filter{"phone": "555-0100"}, Page{})
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 1 || rows[0]["firstName"] != "Ada" {
			t.Fatalf("rows = %v", rows)
		}
	})

	t.Run("plain equality", func(t *testing.T) {
		rows, err := c1.FindAll(ctx, Filter{"firstName": "Alan"}, Page{})
		if err != nil || len(rows) != 1 {
			t.Fatalf("rows = %v, %v", rows, err)
		}
	})

	t.Run("pagination", func(t *testing.T) {
		rows, err := c1.FindAll(ctx, nil, Page{Limit: 1, Offset: 1})
		if err != nil || len(rows) != 1 || rows[0]["firstName"] != "Alan" {
			t.Fatalf("rows = %v, %v", rows, err)
		}
	})

	rejected := []Filter{
		{"medicalHistory": "asthma"},
		{"ssn": "1"},
		{entity.FieldCreatedAt: "2024"},
		{entity.MarkerField: "x"},
		{"firstName": map[string]any{"$ne": "x"}},
		{"phone": 5550100},
	}
	for _, f := range rejected {
		if _, err := c1.FindAll(ctx, f, Page{}); !errors.Is(err, ErrValidation) {
			t.Errorf("filter %v: expected validation error, got %v", f, err)
		}
	}

	t.Run("superuser", func(t *testing.T) {
		su := table(t, e, scopeFor(t, "", "superuser"), ent)
		all, err := su.FindAll(ctx, nil, Page{})
		if err != nil || len(all) != 3 {
			t.Fatalf("all = %d, %v", len(all), err)
		}
		if _, err := su.FindAll(ctx, Filter{"phone": "555-0100"}, Page{}); !errors.Is(err, ErrValidation) {
			t.Fatalf("blind index search without org must fail, got %v", err)
		}
		rows, err := su.FindAll(ctx, Filter{"phone": "555-0100", entity.FieldOrganizationID: "clinic-2"}, Page{})
		if err != nil || len(rows) != 1 || rows[0]["firstName"] != "Grace" {
			t.Fatalf("rows = %v, %v", rows, err)
		}
	})
}

func testAppointments(t *testing.T) *entity.Entity {
	t.Helper()
	all := entity.From(tenant.RoleUser)
	reg := entity.MustRegistry(entity.Definition{
		Name:  "appointments",
		Table: "appointments",
		Fields: []entity.Field{
			{Name: "status", Visible: all},
			{Name: "durationMinutes", Visible: all},
			{Name: "paid", Visible: all},
			{Name: "triage", Visible: entity.From(tenant.RoleAdmin)},
		},
		Permissions: map[entity.Op]entity.RoleSet{
			entity.OpRead: all, entity.OpCreate: all, entity.OpUpdate: all, entity.OpDelete: all,
		},
	})
	ent, _ := reg.Lookup("appointments")
	return ent
}

func TestFilters_TextValues(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, NewMemory())
	tbl := table(t, e, scopeFor(t, "clinic-1", "user"), testAppointments(t))
	insert(t, tbl, entity.Record{"status": "booked", "durationMinutes": 30, "paid": true})
	insert(t, tbl, entity.Record{"status": "30", "durationMinutes": 45.5, "paid": false})

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"string", Filter{"status": Text("booked")}, 1},
		{"integer", Filter{"durationMinutes": Text("30")}, 1},
		{"integer written as decimal", Filter{"durationMinutes": Text("30.0")}, 1},
		{"fraction", Filter{"durationMinutes": Text("45.5")}, 1},
		{"no match", Filter{"durationMinutes": Text("31")}, 0},
		{"boolean", Filter{"paid": Text("true")}, 1},
		{"numeric text on a string field", Filter{"status": Text("30")}, 1},
		{"typed string does not match a number", Filter{"durationMinutes": "30"}, 0},
		{"combined", Filter{"status": Text("booked"), "paid": Text("false")}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := tbl.FindAll(ctx, tt.filter, Page{})
			if err != nil {
				t.Fatal(err)
			}
			if len(rows) != tt.want {
				t.Fatalf("rows = %v, want %d", rows, tt.want)
			}
			n, err := tbl.Count(ctx, tt.filter)
			if err != nil || n != tt.want {
				t.Fatalf("count = %d, %v", n, err)
			}
		})
	}
}

func TestFilters_FieldHiddenFromRole(t *testing.T) {
	ctx := context.Background()
	ent := testAppointments(t)
	e := newTestEngine(t, NewMemory())
	admin := table(t, e, scopeFor(t, "clinic-1", "admin"), ent)
	insert(t, admin, entity.Record{"status": "booked", "triage": "red"})

	rows, err := admin.FindAll(ctx, Filter{"triage": Text("red")}, Page{})
	if err != nil || len(rows) != 1 {
		t.Fatalf("admin rows = %v, %v", rows, err)
	}

	user := table(t, e, scopeFor(t, "clinic-1", "user"), ent)
	_, hiddenErr := user.FindAll(ctx, Filter{"triage": Text("red")}, Page{})
	_, unknownErr := user.FindAll(ctx, Filter{"colour": Text("red")}, Page{})
	var hidden, unknown *ValidationError
	if !errors.As(hiddenErr, &hidden) || !errors.As(unknownErr, &unknown) {
		t.Fatalf("errors = %v, %v", hiddenErr, unknownErr)
	}
	if hidden.Reason != unknown.Reason {
		t.Fatalf("hidden field reported as %q, unknown field as %q", hidden.Reason, unknown.Reason)
	}
}

// leakyBackend ignores the tenant predicate, standing in for a broken
// backend or policy.
type leakyBackend struct{ *Memory }

func (b leakyBackend) begin(ctx context.Context) (session, error) {
	s, err := b.Memory.begin(ctx)
	if err != nil {
		return nil, err
	}
	return leakySession{s.(*memSession)}, nil
}

type leakySession struct{ *memSession }

func (s leakySession) selectRows(ctx context.Context, table string, sel selection) ([]storedRow, error) {
	sel.scoped = false
	return s.memSession.selectRows(ctx, table, sel)
}

func TestInvariantViolation(t *testing.T) {
	ctx := context.Background()
	ent := testPatients(t)
	backend := leakyBackend{NewMemory()}

	seed := newTestEngine(t, backend)
	insert(t, table(t, seed, scopeFor(t, "clinic-2", "user"), ent), entity.Record{"firstName": "Grace"})

	t.Run("production returns error", func(t *testing.T) {
		e := newTestEngine(t, backend, WithStrictInvariants(false))
		_, err := table(t, e, scopeFor(t, "clinic-1", "user"), ent).FindAll(ctx, nil, Page{})
		if !errors.Is(err, ErrInvariantViolation) {
			t.Fatalf("expected invariant violation, got %v", err)
		}
	})

	t.Run("strict panics", func(t *testing.T) {
		e := newTestEngine(t, backend, WithStrictInvariants(true))
		func() {
			defer func() {
				r := recover()
				err, ok := r.(error)
				if !ok || !errors.Is(err, ErrInvariantViolation) {
					t.Fatalf("expected invariant panic, got %v", r)
				}
			}()
			_, _ = table(t, e, scopeFor(t, "clinic-1", "user"), ent).FindAll(ctx, nil, Page{})
		}()

		// The panicking transaction must have released the backend.
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = table(t, seed, scopeFor(t, "clinic-2", "user"), ent).Count(ctx, nil)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("backend still locked after panic")
		}
	})

	t.Run("superuser is not checked", func(t *testing.T) {
		e := newTestEngine(t, backend, WithStrictInvariants(true))
		rows, err := table(t, e, scopeFor(t, "", "superuser"), ent).FindAll(ctx, nil, Page{})
		if err != nil || len(rows) != 1 {
			t.Fatalf("rows = %v, %v", rows, err)
		}
	})
}

func TestTx_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	ent := testPatients(t)
	e := newTestEngine(t, NewMemory())
	scope := scopeFor(t, "clinic-1", "admin")

	boom := errors.New("boom")
	err := e.Tx(ctx, scope, func(ctx context.Context, tx *Tx) error {
		if _, err := tx.Table(ent).Insert(ctx, entity.Record{"firstName": "Ada"}); err != nil {
			return err
		}
		if _, err := tx.NextSequence(ctx, "packages"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	rows, _ := table(t, e, scope, ent).FindAll(ctx, nil, Page{})
	if len(rows) != 0 {
		t.Fatalf("rolled back insert is visible: %v", rows)
	}
	var seq int64
	_ = e.Tx(ctx, scope, func(ctx context.Context, tx *Tx) error {
		var err error
		seq, err = tx.NextSequence(ctx, "packages")
		return err
	})
	if seq != 1 {
		t.Fatalf("sequence after rollback = %d, want 1", seq)
	}
}

func TestNextSequence(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, NewMemory())
	next := func(scope tenant.Scope, name string) (int64, error) {
		var v int64
		err := e.Tx(ctx, scope, func(ctx context.Context, tx *Tx) error {
			var err error
			v, err = tx.NextSequence(ctx, name)
			return err
		})
		return v, err
	}

	c1 := scopeFor(t, "clinic-1", "user")
	c2 := scopeFor(t, "clinic-2", "user")
	var wg sync.WaitGroup
	seen := make(chan int64, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := next(c1, "packages")
			if err != nil {
				t.Error(err)
				return
			}
			seen <- v
		}()
	}
	wg.Wait()
	close(seen)
	unique := map[int64]bool{}
	for v := range seen {
		if unique[v] {
			t.Fatalf("value %d allocated twice", v)
		}
		unique[v] = true
	}
	if len(unique) != 20 {
		t.Fatalf("got %d values", len(unique))
	}

	if v, _ := next(c2, "packages"); v != 1 {
		t.Fatalf("clinic-2 first value = %d", v)
	}
	if _, err := next(scopeFor(t, "", "superuser"), "packages"); !errors.Is(err, ErrValidation) {
		t.Fatalf("superuser sequence: %v", err)
	}

	nextFor := func(scope tenant.Scope, data entity.Record) (int64, error) {
		var v int64
		err := e.Tx(ctx, scope, func(ctx context.Context, tx *Tx) error {
			var err error
			v, err = tx.NextSequenceFor(ctx, "packages", data)
			return err
		})
		return v, err
	}
	su := scopeFor(t, "", "superuser")
	if v, err := nextFor(su, entity.Record{entity.FieldOrganizationID: "clinic-2"}); err != nil || v != 2 {
		t.Fatalf("superuser clinic-2 value = %d, %v", v, err)
	}
	if _, err := nextFor(su, entity.Record{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("superuser without organization: %v", err)
	}
	// A tenant scope cannot draw from another tenant's counter.
	if v, err := nextFor(c2, entity.Record{entity.FieldOrganizationID: "clinic-1"}); err != nil || v != 3 {
		t.Fatalf("clinic-2 value = %d, %v", v, err)
	}
}

func TestAuditTrail(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, NewMemory())
	for _, org := range []string{"clinic-1", "clinic-2", "clinic-1"} {
		if err := e.AppendAudit(ctx, audit.Event{ID: uuid.New(), TenantID: org, Action: "read", Outcome: audit.OutcomeSuccess}); err != nil {
			t.Fatal(err)
		}
	}

	events, err := e.ListAudit(ctx, scopeFor(t, "clinic-1", "admin"), Page{})
	if err != nil || len(events) != 2 {
		t.Fatalf("clinic-1 events = %d, %v", len(events), err)
	}
	for _, ev := range events {
		if ev.TenantID != "clinic-1" {
			t.Fatalf("leaked event %+v", ev)
		}
	}
	all, err := e.ListAudit(ctx, scopeFor(t, "", "superuser"), Page{Limit: 10})
	if err != nil || len(all) != 3 {
		t.Fatalf("superuser events = %d, %v", len(all), err)
	}
	if _, err := e.ListAudit(ctx, tenant.Scope{}, Page{}); !errors.Is(err, ErrNoScope) {
		t.Fatalf("expected ErrNoScope, got %v", err)
	}
}

func TestFindAll_CancelledBeforeDecrypt(t *testing.T) {
	ent := testPatients(t)
	e := newTestEngine(t, NewMemory())
	c1 := table(t, e, scopeFor(t, "clinic-1", "user"), ent)
	insert(t, c1, entity.Record{"firstName": "Ada"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c1.FindAll(ctx, nil, Page{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
