// Package store is the only way to read or write tenant-scoped rows. Every
// handle it hands out is bound to a tenant.Scope, and every statement it runs
// carries that scope's tenant, so a caller cannot reach another tenant's rows
// by forgetting a filter.
package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/ehr/recordvault/internal/platform/audit"
	"github.com/ehr/recordvault/internal/platform/entity"
	"github.com/ehr/recordvault/internal/platform/tenant"
)

// Filter is a set of field equality predicates.
type Filter map[string]any

// Text is a filter value from untyped input such as a query string. On a
// plain field it matches the string itself or the JSON number or boolean it
// spells, so ?durationMinutes=30 finds a stored 30.
type Text string

func (t Text) candidates() []any {
	s := string(t)
	out := []any{s}
	if _, err := strconv.ParseFloat(s, 64); err == nil && json.Valid([]byte(s)) {
		out = append(out, json.Number(s))
	}
	if s == "true" || s == "false" {
		out = append(out, s == "true")
	}
	return out
}

// FilterString returns v as a string when it is one, typed or untyped.
func FilterString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case Text:
		return string(s), true
	}
	return "", false
}

// Page bounds a listing. A zero Limit means no limit.
type Page struct {
	Limit  int
	Offset int
}

// Outcome of a single-row lookup. Rows in other tenants are NotFound, the
// same as rows that do not exist.
type Outcome int

const (
	NotFound Outcome = iota
	Found
	Forbidden
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case Forbidden:
		return "forbidden"
	default:
		return "not_found"
	}
}

// Result is the outcome of a single-row operation.
type Result struct {
	Outcome Outcome
	Row     entity.Record
}

func found(row entity.Record) Result { return Result{Outcome: Found, Row: row} }

var notFound = Result{Outcome: NotFound}

// Backend is a persistence engine. Its methods are unexported so only this
// package can open sessions on it; everything else goes through Engine.
type Backend interface {
	begin(ctx context.Context) (session, error)
}

// session is one backend transaction.
type session interface {
	bindTenant(ctx context.Context, scope tenant.Scope) error
	bindSystem(ctx context.Context) error
	selectRows(ctx context.Context, table string, sel selection) ([]storedRow, error)
	countRows(ctx context.Context, table string, sel selection) (int, error)
	insertRow(ctx context.Context, table string, row storedRow) error
	// updateRow and deleteRow match on id and organization together.
	updateRow(ctx context.Context, table string, row storedRow) (bool, error)
	deleteRow(ctx context.Context, table, id, orgID string) (bool, error)
	nextSequence(ctx context.Context, orgID, name string) (int64, error)
	appendAudit(ctx context.Context, ev audit.Event) error
	selectAudit(ctx context.Context, sel selection) ([]audit.Event, error)
	commit(ctx context.Context) error
	rollback(ctx context.Context) error
}

// selection is a validated predicate. scoped is false only for superuser
// scopes that did not name an organization.
type selection struct {
	scoped    bool
	orgID     string
	id        string
	equals    map[string]any
	anyOf     map[string][]any
	index     map[string]string
	limit     int
	offset    int
	forUpdate bool
}

// storedRow is a row as persisted: sensitive values are ciphertext and
// Encrypted is the per-row marker (nil when the row has none).
type storedRow struct {
	ID        string
	OrgID     string
	Data      entity.Record
	Encrypted []string
	Index     map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// record flattens a stored row into the shape fieldcrypt and callers expect.
func (r storedRow) record() entity.Record {
	out := make(entity.Record, len(r.Data)+5)
	for k, v := range r.Data {
		out[k] = v
	}
	out[entity.FieldID] = r.ID
	out[entity.FieldOrganizationID] = r.OrgID
	out[entity.FieldCreatedAt] = r.CreatedAt
	out[entity.FieldUpdatedAt] = r.UpdatedAt
	if r.Encrypted != nil {
		out[entity.MarkerField] = append([]string(nil), r.Encrypted...)
	}
	return out
}
