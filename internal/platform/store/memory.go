package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ehr/recordvault/internal/platform/audit"
	"github.com/ehr/recordvault/internal/platform/entity"
	"github.com/ehr/recordvault/internal/platform/tenant"
)

// Memory is an in-process Backend. Transactions are fully serialized: begin
// takes a lock that commit or rollback releases, and writes are applied to a
// private copy that replaces the shared state on commit.
type Memory struct {
	lock  chan struct{}
	mu    sync.Mutex
	state memState
}

type memState struct {
	tables map[string]map[string]storedRow
	seqs   map[string]int64
	audit  []audit.Event
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		lock:  make(chan struct{}, 1),
		state: memState{tables: map[string]map[string]storedRow{}, seqs: map[string]int64{}},
	}
}

func (m *Memory) begin(ctx context.Context) (session, error) {
	select {
	case m.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return &memSession{m: m, state: m.state.clone()}, nil
}

func (s memState) clone() memState {
	out := memState{
		tables: make(map[string]map[string]storedRow, len(s.tables)),
		seqs:   make(map[string]int64, len(s.seqs)),
		audit:  append([]audit.Event(nil), s.audit...),
	}
	for name, rows := range s.tables {
		t := make(map[string]storedRow, len(rows))
		for id, r := range rows {
			t[id] = r
		}
		out.tables[name] = t
	}
	for k, v := range s.seqs {
		out.seqs[k] = v
	}
	return out
}

type memSession struct {
	m     *Memory
	state memState
	done  bool
}

var errSessionDone = errors.New("store: session already finished")

func (s *memSession) finish(apply bool) error {
	if s.done {
		return errSessionDone
	}
	s.done = true
	if apply {
		s.m.mu.Lock()
		s.m.state = s.state
		s.m.mu.Unlock()
	}
	<-s.m.lock
	return nil
}

func (s *memSession) commit(context.Context) error   { return s.finish(true) }
func (s *memSession) rollback(context.Context) error { return s.finish(false) }

func (s *memSession) bindTenant(context.Context, tenant.Scope) error { return nil }
func (s *memSession) bindSystem(context.Context) error               { return nil }

func (s *memSession) selectRows(_ context.Context, table string, sel selection) ([]storedRow, error) {
	var out []storedRow
	for _, r := range s.state.tables[table] {
		if sel.matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, sel.limit, sel.offset), nil
}

func (s *memSession) countRows(ctx context.Context, table string, sel selection) (int, error) {
	sel.limit, sel.offset = 0, 0
	rows, err := s.selectRows(ctx, table, sel)
	return len(rows), err
}

func (s *memSession) insertRow(_ context.Context, table string, row storedRow) error {
	data, err := normalize(row.Data)
	if err != nil {
		return err
	}
	row.Data = data
	t := s.state.tables[table]
	if t == nil {
		t = map[string]storedRow{}
		s.state.tables[table] = t
	}
	if _, dup := t[row.ID]; dup {
		return fmt.Errorf("store: duplicate id %s in %s", row.ID, table)
	}
	t[row.ID] = row
	return nil
}

func (s *memSession) updateRow(_ context.Context, table string, row storedRow) (bool, error) {
	existing, ok := s.state.tables[table][row.ID]
	if !ok || existing.OrgID != row.OrgID {
		return false, nil
	}
	data, err := normalize(row.Data)
	if err != nil {
		return false, err
	}
	row.Data = data
	row.CreatedAt = existing.CreatedAt
	s.state.tables[table][row.ID] = row
	return true, nil
}

func (s *memSession) deleteRow(_ context.Context, table, id, orgID string) (bool, error) {
	existing, ok := s.state.tables[table][id]
	if !ok || existing.OrgID != orgID {
		return false, nil
	}
	delete(s.state.tables[table], id)
	return true, nil
}

func (s *memSession) nextSequence(_ context.Context, orgID, name string) (int64, error) {
	key := orgID + "\x00" + name
	s.state.seqs[key]++
	return s.state.seqs[key], nil
}

func (s *memSession) appendAudit(_ context.Context, ev audit.Event) error {
	s.state.audit = append(s.state.audit, ev)
	return nil
}

func (s *memSession) selectAudit(_ context.Context, sel selection) ([]audit.Event, error) {
	var out []audit.Event
	for i := len(s.state.audit) - 1; i >= 0; i-- {
		ev := s.state.audit[i]
		if sel.scoped && ev.TenantID != sel.orgID {
			continue
		}
		out = append(out, ev)
	}
	return paginate(out, sel.limit, sel.offset), nil
}

func (sel selection) matches(r storedRow) bool {
	if sel.scoped && r.OrgID != sel.orgID {
		return false
	}
	if sel.id != "" && r.ID != sel.id {
		return false
	}
	for k, v := range sel.equals {
		if !jsonEqual(r.Data[k], v) {
			return false
		}
	}
	for k, alts := range sel.anyOf {
		if !matchesAny(r.Data[k], alts) {
			return false
		}
	}
	for k, v := range sel.index {
		if r.Index[k] != v {
			return false
		}
	}
	return true
}

func paginate[T any](rows []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// normalize round-trips data through JSON so the memory backend returns the
// same value types as a jsonb column.
func normalize(data entity.Record) (entity.Record, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("store: encode row: %w", err)
	}
	return decodeRecord(b)
}

func decodeRecord(b []byte) (entity.Record, error) {
	out := entity.Record{}
	if len(b) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("store: decode row: %w", err)
	}
	if out == nil {
		out = entity.Record{}
	}
	return out, nil
}

func matchesAny(stored any, alts []any) bool {
	for _, alt := range alts {
		if jsonEqual(stored, alt) || numberEqual(stored, alt) {
			return true
		}
	}
	return false
}

// numberEqual compares JSON numbers by value, as jsonb containment does, so a
// filter of 30 matches a stored 30.0.
func numberEqual(a, b any) bool {
	x, ok1 := asFloat(a)
	y, ok2 := asFloat(b)
	return ok1 && ok2 && x == y
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	}
	return 0, false
}

func jsonEqual(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(ab, bb)
}
