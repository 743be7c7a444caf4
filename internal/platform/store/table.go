package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ehr/recordvault/internal/platform/entity"
	"github.com/ehr/recordvault/internal/platform/fieldcrypt"
	"github.com/ehr/recordvault/internal/platform/tenant"
)

// Table is a scope-bound handle on one entity. It is the only type that
// exposes row operations, and it cannot be built without a scope.
type Table struct {
	engine *Engine
	ent    *entity.Entity
	scope  tenant.Scope
	tx     *Tx
}

// Entity returns the entity the handle operates on.
func (t *Table) Entity() *entity.Entity { return t.ent }

func (t *Table) do(ctx context.Context, fn func(ctx context.Context, s session) error) error {
	if t.tx != nil {
		return fn(ctx, t.tx.sess)
	}
	return t.engine.Tx(ctx, t.scope, func(ctx context.Context, tx *Tx) error {
		return fn(ctx, tx.sess)
	})
}

// FindAll returns the rows matching filter, decrypted. Under a tenant-bound
// scope only that tenant's rows can match, whatever the filter says.
func (t *Table) FindAll(ctx context.Context, filter Filter, page Page) ([]entity.Record, error) {
	sel, empty, err := t.selection(filter)
	if err != nil {
		return nil, err
	}
	if empty {
		return []entity.Record{}, nil
	}
	sel.limit, sel.offset = page.Limit, page.Offset

	var rows []storedRow
	err = t.do(ctx, func(ctx context.Context, s session) error {
		var err error
		rows, err = s.selectRows(ctx, t.ent.Table(), sel)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := t.engine.checkRow(t.scope, t.ent.Name(), r.ID, r.OrgID); err != nil {
			return nil, err
		}
	}
	return t.engine.decrypt(t.ent, rows), nil
}

// Count returns how many rows match filter.
func (t *Table) Count(ctx context.Context, filter Filter) (int, error) {
	sel, empty, err := t.selection(filter)
	if err != nil || empty {
		return 0, err
	}
	var n int
	err = t.do(ctx, func(ctx context.Context, s session) error {
		var err error
		n, err = s.countRows(ctx, t.ent.Table(), sel)
		return err
	})
	return n, err
}

// FindByID returns the row with id. A row owned by another tenant is reported
// exactly like a missing one.
func (t *Table) FindByID(ctx context.Context, id string) (Result, error) {
	return t.findByID(ctx, id, false)
}

// FindByIDForUpdate is FindByID that also locks the row until the enclosing
// transaction ends.
func (t *Table) FindByIDForUpdate(ctx context.Context, id string) (Result, error) {
	return t.findByID(ctx, id, true)
}

func (t *Table) findByID(ctx context.Context, id string, lock bool) (Result, error) {
	var row *storedRow
	err := t.do(ctx, func(ctx context.Context, s session) error {
		var err error
		row, err = t.lookup(ctx, s, id, lock)
		return err
	})
	if err != nil || row == nil {
		return notFound, err
	}
	if err := ctx.Err(); err != nil {
		return notFound, err
	}
	return found(t.engine.decrypt(t.ent, []storedRow{*row})[0]), nil
}

// lookup is the scoped single-row read every mutation starts with.
func (t *Table) lookup(ctx context.Context, s session, id string, lock bool) (*storedRow, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	sel := t.baseSelection()
	sel.id = id
	sel.limit = 1
	sel.forUpdate = lock
	rows, err := s.selectRows(ctx, t.ent.Table(), sel)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	if err := t.engine.checkRow(t.scope, t.ent.Name(), rows[0].ID, rows[0].OrgID); err != nil {
		return nil, err
	}
	return &rows[0], nil
}

// Insert stores data as a new row owned by the scope's tenant and returns it
// decrypted. Caller-supplied system fields are discarded; a superuser scope
// must name the owning organization explicitly.
func (t *Table) Insert(ctx context.Context, data entity.Record) (entity.Record, error) {
	orgID, err := t.insertOrganization(data)
	if err != nil {
		return nil, err
	}
	clean, err := t.clean(data)
	if err != nil {
		return nil, err
	}
	enc, marker, err := t.engine.crypt.EncryptFields(t.ent, clean)
	if err != nil {
		return nil, asValidation(err)
	}

	now := t.engine.now()
	row := storedRow{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Data:      enc,
		Encrypted: marker,
		Index:     t.engine.crypt.BlindIndexes(t.ent, orgID, clean),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = t.do(ctx, func(ctx context.Context, s session) error {
		return s.insertRow(ctx, t.ent.Table(), row)
	})
	if err != nil {
		return nil, err
	}
	return t.engine.decrypt(t.ent, []storedRow{row})[0], nil
}

func (t *Table) insertOrganization(data entity.Record) (string, error) {
	return organizationFor(t.scope, data)
}

// organizationFor is the organization a row built from data belongs to under
// scope. Only a superuser names it, through data's organizationId.
func organizationFor(scope tenant.Scope, data entity.Record) (string, error) {
	if tid, bound := scope.TenantID(); bound {
		return tid, nil
	}
	org, _ := data[entity.FieldOrganizationID].(string)
	if org == "" {
		return "", invalid(entity.FieldOrganizationID, "required for superuser inserts")
	}
	if !tenant.ValidTenantID(org) {
		return "", invalid(entity.FieldOrganizationID, "invalid organization id")
	}
	return org, nil
}

// Update applies patch to the row with id. A nil value clears the field. The
// row is looked up under the scope first; if it is not visible the result is
// NotFound and nothing is written.
func (t *Table) Update(ctx context.Context, id string, patch entity.Record) (Result, error) {
	clean, err := t.clean(patch)
	if err != nil {
		return notFound, err
	}
	if len(clean) == 0 {
		return notFound, invalid("", "no updatable fields")
	}
	enc, encrypted, err := t.engine.crypt.EncryptFields(t.ent, clean)
	if err != nil {
		return notFound, asValidation(err)
	}

	var updated *storedRow
	err = t.do(ctx, func(ctx context.Context, s session) error {
		existing, err := t.lookup(ctx, s, id, true)
		if err != nil || existing == nil {
			return err
		}

		next := *existing
		next.Data = existing.Data.Clone()
		if next.Data == nil {
			next.Data = entity.Record{}
		}
		next.Index = make(map[string]string, len(existing.Index))
		for k, v := range existing.Index {
			next.Index[k] = v
		}
		for k, v := range enc {
			delete(next.Index, k)
			if v == nil {
				delete(next.Data, k)
				continue
			}
			next.Data[k] = v
		}
		for k, v := range t.engine.crypt.BlindIndexes(t.ent, existing.OrgID, clean) {
			next.Index[k] = v
		}
		next.Encrypted = fieldcrypt.MergeMarker(t.ent, existing.Encrypted, existing.Encrypted != nil, clean, encrypted)
		next.UpdatedAt = t.engine.now()

		ok, err := s.updateRow(ctx, t.ent.Table(), next)
		if err != nil || !ok {
			return err
		}
		updated = &next
		return nil
	})
	if err != nil || updated == nil {
		return notFound, err
	}
	return found(t.engine.decrypt(t.ent, []storedRow{*updated})[0]), nil
}

// Delete removes the row with id and reports whether a visible row was
// removed.
func (t *Table) Delete(ctx context.Context, id string) (bool, error) {
	res, err := t.Remove(ctx, id)
	return res.Outcome == Found, err
}

// Remove is Delete that also returns the removed row.
func (t *Table) Remove(ctx context.Context, id string) (Result, error) {
	var removed *storedRow
	err := t.do(ctx, func(ctx context.Context, s session) error {
		existing, err := t.lookup(ctx, s, id, true)
		if err != nil || existing == nil {
			return err
		}
		ok, err := s.deleteRow(ctx, t.ent.Table(), existing.ID, existing.OrgID)
		if err != nil || !ok {
			return err
		}
		removed = existing
		return nil
	})
	if err != nil || removed == nil {
		return notFound, err
	}
	return found(t.engine.decrypt(t.ent, []storedRow{*removed})[0]), nil
}

// clean drops store-managed fields and rejects fields the entity does not
// declare.
func (t *Table) clean(data entity.Record) (entity.Record, error) {
	out := make(entity.Record, len(data))
	for k, v := range data {
		if entity.IsSystemField(k) {
			continue
		}
		if !t.ent.HasField(k) {
			return nil, invalid(k, "unknown field")
		}
		out[k] = v
	}
	return out, nil
}

func asValidation(err error) error {
	var te *fieldcrypt.TypeError
	if errors.As(err, &te) {
		return invalid(te.Field, "must be a string")
	}
	return err
}
