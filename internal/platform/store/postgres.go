package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/recordvault/internal/platform/audit"
	"github.com/ehr/recordvault/internal/platform/tenant"
)

// Beginner opens pgx transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres is a Backend over PostgreSQL. Every scoped table has the columns
// id, organization_id, data, encrypted_fields, blind_index, created_at and
// updated_at; see migrations/001_core.sql.
type Postgres struct {
	db Beginner
}

// NewPostgres returns a Postgres backend.
func NewPostgres(db Beginner) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) begin(ctx context.Context) (session, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgSession{tx: tx}, nil
}

type pgSession struct {
	tx pgx.Tx
}

// bindTenant sets the transaction-local settings the row-level security
// policies read, so the database rejects cross-tenant rows on its own.
func (s *pgSession) bindTenant(ctx context.Context, scope tenant.Scope) error {
	if tid, ok := scope.TenantID(); ok {
		_, err := s.tx.Exec(ctx,
			`SELECT set_config('app.current_tenant', $1, true), set_config('app.bypass_tenant', 'off', true)`, tid)
		return err
	}
	return s.bindSystem(ctx)
}

func (s *pgSession) bindSystem(ctx context.Context) error {
	_, err := s.tx.Exec(ctx, `SELECT set_config('app.bypass_tenant', 'on', true)`)
	return err
}

func (s *pgSession) commit(ctx context.Context) error   { return s.tx.Commit(ctx) }
func (s *pgSession) rollback(ctx context.Context) error { return s.tx.Rollback(ctx) }

const rowColumns = `id::text, organization_id, data, encrypted_fields, blind_index, created_at, updated_at`

// buildSelect renders sel as a parameterized statement. Table names come from
// validated entity declarations and are quoted regardless.
func buildSelect(table string, sel selection, count bool) (string, []any, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if sel.scoped {
		where = append(where, "organization_id = "+arg(sel.orgID))
	}
	if sel.id != "" {
		where = append(where, "id = "+arg(sel.id)+"::uuid")
	}
	if len(sel.equals) > 0 {
		b, err := json.Marshal(sel.equals)
		if err != nil {
			return "", nil, fmt.Errorf("encode filter: %w", err)
		}
		where = append(where, "data @> "+arg(string(b))+"::jsonb")
	}
	for _, k := range sortedAnyOf(sel.anyOf) {
		var alts []string
		for _, v := range sel.anyOf[k] {
			b, err := json.Marshal(map[string]any{k: v})
			if err != nil {
				return "", nil, fmt.Errorf("encode filter: %w", err)
			}
			alts = append(alts, "data @> "+arg(string(b))+"::jsonb")
		}
		where = append(where, "("+strings.Join(alts, " OR ")+")")
	}
	if len(sel.index) > 0 {
		b, err := json.Marshal(sel.index)
		if err != nil {
			return "", nil, fmt.Errorf("encode index filter: %w", err)
		}
		where = append(where, "blind_index @> "+arg(string(b))+"::jsonb")
	}

	var q strings.Builder
	if count {
		q.WriteString("SELECT count(*) FROM ")
	} else {
		q.WriteString("SELECT " + rowColumns + " FROM ")
	}
	q.WriteString(pgx.Identifier{table}.Sanitize())
	if len(where) > 0 {
		q.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if count {
		return q.String(), args, nil
	}
	q.WriteString(" ORDER BY created_at, id")
	if sel.limit > 0 {
		q.WriteString(" LIMIT " + arg(sel.limit))
	}
	if sel.offset > 0 {
		q.WriteString(" OFFSET " + arg(sel.offset))
	}
	if sel.forUpdate {
		q.WriteString(" FOR UPDATE")
	}
	return q.String(), args, nil
}

func sortedAnyOf(m map[string][]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *pgSession) selectRows(ctx context.Context, table string, sel selection) ([]storedRow, error) {
	q, args, err := buildSelect(table, sel, false)
	if err != nil {
		return nil, err
	}
	rows, err := s.tx.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	var out []storedRow
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRow(row pgx.Row) (storedRow, error) {
	var (
		r                     storedRow
		data, marker, indexes []byte
	)
	if err := row.Scan(&r.ID, &r.OrgID, &data, &marker, &indexes, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return r, err
	}
	var err error
	if r.Data, err = decodeRecord(data); err != nil {
		return r, err
	}
	if marker != nil {
		// A JSON null leaves Encrypted nil, the same as a missing marker.
		r.Encrypted = []string{}
		if err := json.Unmarshal(marker, &r.Encrypted); err != nil {
			return r, fmt.Errorf("decode encrypted_fields: %w", err)
		}
	}
	r.Index = map[string]string{}
	if len(indexes) > 0 {
		if err := json.Unmarshal(indexes, &r.Index); err != nil {
			return r, fmt.Errorf("decode blind_index: %w", err)
		}
	}
	return r, nil
}

func (s *pgSession) countRows(ctx context.Context, table string, sel selection) (int, error) {
	sel.limit, sel.offset, sel.forUpdate = 0, 0, false
	q, args, err := buildSelect(table, sel, true)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.tx.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func encodeRow(row storedRow) (data, marker, indexes []byte, err error) {
	if data, err = json.Marshal(row.Data); err != nil {
		return nil, nil, nil, fmt.Errorf("encode data: %w", err)
	}
	if row.Encrypted != nil {
		if marker, err = json.Marshal(row.Encrypted); err != nil {
			return nil, nil, nil, fmt.Errorf("encode encrypted_fields: %w", err)
		}
	}
	idx := row.Index
	if idx == nil {
		idx = map[string]string{}
	}
	if indexes, err = json.Marshal(idx); err != nil {
		return nil, nil, nil, fmt.Errorf("encode blind_index: %w", err)
	}
	return data, marker, indexes, nil
}

func (s *pgSession) insertRow(ctx context.Context, table string, row storedRow) error {
	data, marker, indexes, err := encodeRow(row)
	if err != nil {
		return err
	}
	q := `INSERT INTO ` + pgx.Identifier{table}.Sanitize() + `
		(id, organization_id, data, encrypted_fields, blind_index, created_at, updated_at)
		VALUES ($1::uuid, $2, $3::jsonb, $4::jsonb, $5::jsonb, $6, $7)`
	if _, err := s.tx.Exec(ctx, q, row.ID, row.OrgID, string(data), nullableJSON(marker), string(indexes), row.CreatedAt, row.UpdatedAt); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

func (s *pgSession) updateRow(ctx context.Context, table string, row storedRow) (bool, error) {
	data, marker, indexes, err := encodeRow(row)
	if err != nil {
		return false, err
	}
	q := `UPDATE ` + pgx.Identifier{table}.Sanitize() + `
		SET data = $3::jsonb, encrypted_fields = $4::jsonb, blind_index = $5::jsonb, updated_at = $6
		WHERE id = $1::uuid AND organization_id = $2`
	tag, err := s.tx.Exec(ctx, q, row.ID, row.OrgID, string(data), nullableJSON(marker), string(indexes), row.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("update %s: %w", table, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *pgSession) deleteRow(ctx context.Context, table, id, orgID string) (bool, error) {
	q := `DELETE FROM ` + pgx.Identifier{table}.Sanitize() + ` WHERE id = $1::uuid AND organization_id = $2`
	tag, err := s.tx.Exec(ctx, q, id, orgID)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", table, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *pgSession) nextSequence(ctx context.Context, orgID, name string) (int64, error) {
	const q = `INSERT INTO tenant_sequences (organization_id, name, value)
		VALUES ($1, $2, 1)
		ON CONFLICT (organization_id, name) DO UPDATE SET value = tenant_sequences.value + 1
		RETURNING value`
	var v int64
	if err := s.tx.QueryRow(ctx, q, orgID, name).Scan(&v); err != nil {
		return 0, fmt.Errorf("next sequence %s: %w", name, err)
	}
	return v, nil
}

func (s *pgSession) appendAudit(ctx context.Context, ev audit.Event) error {
	const q = `INSERT INTO audit_events
		(id, organization_id, actor_id, actor_role, action, resource, resource_id,
		 occurred_at, outcome, detail, error_detail, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.tx.Exec(ctx, q,
		ev.ID.String(), ev.TenantID, ev.ActorID, ev.ActorRole, ev.Action, ev.Resource, ev.ResourceID,
		ev.Timestamp, string(ev.Outcome), ev.Detail, ev.ErrorDetail, ev.RequestID)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *pgSession) selectAudit(ctx context.Context, sel selection) ([]audit.Event, error) {
	var (
		q    strings.Builder
		args []any
	)
	q.WriteString(`SELECT id::text, organization_id, actor_id, actor_role, action, resource, resource_id,
		occurred_at, outcome, detail, error_detail, request_id FROM audit_events`)
	if sel.scoped {
		args = append(args, sel.orgID)
		q.WriteString(" WHERE organization_id = $1")
	}
	q.WriteString(" ORDER BY occurred_at DESC, id")
	if sel.limit > 0 {
		args = append(args, sel.limit)
		fmt.Fprintf(&q, " LIMIT $%d", len(args))
	}
	if sel.offset > 0 {
		args = append(args, sel.offset)
		fmt.Fprintf(&q, " OFFSET $%d", len(args))
	}

	rows, err := s.tx.Query(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("select audit events: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			ev       audit.Event
			id       string
			outcome  string
			occurred time.Time
		)
		if err := rows.Scan(&id, &ev.TenantID, &ev.ActorID, &ev.ActorRole, &ev.Action, &ev.Resource,
			&ev.ResourceID, &occurred, &outcome, &ev.Detail, &ev.ErrorDetail, &ev.RequestID); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if err := ev.ID.UnmarshalText([]byte(id)); err != nil {
			return nil, fmt.Errorf("audit event id: %w", err)
		}
		ev.Timestamp = occurred
		ev.Outcome = audit.Outcome(outcome)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
