package store

import (
	"context"

	"github.com/ehr/recordvault/internal/platform/audit"
	"github.com/ehr/recordvault/internal/platform/tenant"
)

// AppendAudit persists an audit event. It implements audit.Sink.
func (e *Engine) AppendAudit(ctx context.Context, ev audit.Event) error {
	return e.system(ctx, func(ctx context.Context, s session) error {
		return s.appendAudit(ctx, ev)
	})
}

// ListAudit returns the audit trail visible to scope, newest first.
func (e *Engine) ListAudit(ctx context.Context, scope tenant.Scope, page Page) ([]audit.Event, error) {
	if !scope.Valid() {
		return nil, ErrNoScope
	}
	tid, bound := scope.TenantID()
	sel := selection{scoped: bound, orgID: tid, limit: page.Limit, offset: page.Offset}

	var events []audit.Event
	err := e.Tx(ctx, scope, func(ctx context.Context, tx *Tx) error {
		var err error
		events, err = tx.sess.selectAudit(ctx, sel)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if err := e.checkRow(scope, "audit_event", ev.ID.String(), ev.TenantID); err != nil {
			return nil, err
		}
	}
	if events == nil {
		events = []audit.Event{}
	}
	return events, nil
}
