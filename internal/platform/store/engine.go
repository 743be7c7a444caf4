package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/platform/entity"
	"github.com/ehr/recordvault/internal/platform/fieldcrypt"
	"github.com/ehr/recordvault/internal/platform/tenant"
)

// Engine executes scoped operations against a Backend.
type Engine struct {
	backend Backend
	crypt   *fieldcrypt.Middleware
	logger  zerolog.Logger
	strict  bool
	retry   RetryPolicy
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithStrictInvariants makes a tenant invariant violation panic instead of
// returning ErrInvariantViolation. Enable it outside production.
func WithStrictInvariants(strict bool) Option {
	return func(e *Engine) { e.strict = strict }
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithClock sets the clock used for row timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine over backend.
func NewEngine(backend Backend, crypt *fieldcrypt.Middleware, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		backend: backend,
		crypt:   crypt,
		logger:  logger.With().Str("component", "store").Logger(),
		retry:   DefaultRetryPolicy(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Query returns a handle for ent bound to scope. Each operation on the handle
// runs in its own transaction.
func (e *Engine) Query(scope tenant.Scope, ent *entity.Entity) (*Table, error) {
	if !scope.Valid() {
		return nil, ErrNoScope
	}
	if ent == nil {
		return nil, errors.New("store: nil entity")
	}
	return &Table{engine: e, ent: ent, scope: scope}, nil
}

// checkRow enforces that a tenant-bound scope only ever sees its own rows.
// The filter already guarantees this; reaching the error branch means a
// backend or policy is broken.
func (e *Engine) checkRow(scope tenant.Scope, what, id, orgID string) error {
	tid, bound := scope.TenantID()
	if !bound || orgID == tid {
		return nil
	}
	e.logger.Error().
		Bool("alert", true).
		Str("resource", what).
		Str("row_id", id).
		Str("row_organization", orgID).
		Str("scope_tenant", tid).
		Msg("tenant invariant violated")
	err := fmt.Errorf("%w: %s %s belongs to %q under scope %q", ErrInvariantViolation, what, id, orgID, tid)
	if e.strict {
		panic(err)
	}
	return err
}

func (e *Engine) decrypt(ent *entity.Entity, rows []storedRow) []entity.Record {
	records := make([]entity.Record, len(rows))
	for i, r := range rows {
		records[i] = r.record()
	}
	return e.crypt.DecryptObjectArray(ent, records)
}
