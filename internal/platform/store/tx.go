package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"

	"github.com/ehr/recordvault/internal/platform/entity"
	"github.com/ehr/recordvault/internal/platform/tenant"
)

// RetryPolicy bounds retries of a transaction that failed on contention.
type RetryPolicy struct {
	MaxRetries uint64
	Base       time.Duration
}

// DefaultRetryPolicy retries three times starting at 20ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Base: 20 * time.Millisecond}
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	b = retry.WithJitterPercent(10, b)
	return retry.WithMaxRetries(p.MaxRetries, b)
}

// Tx is a transaction bound to a scope. Handles obtained from it share the
// transaction.
type Tx struct {
	engine *Engine
	scope  tenant.Scope
	sess   session
}

// Scope returns the scope the transaction is bound to.
func (tx *Tx) Scope() tenant.Scope { return tx.scope }

// Table returns a handle for ent inside the transaction.
func (tx *Tx) Table(ent *entity.Entity) *Table {
	return &Table{engine: tx.engine, ent: ent, scope: tx.scope, tx: tx}
}

// NextSequence allocates the next value of a per-tenant counter. The value is
// assigned by the store atomically, so concurrent callers never share one.
func (tx *Tx) NextSequence(ctx context.Context, name string) (int64, error) {
	tid, bound := tx.scope.TenantID()
	if !bound {
		return 0, invalid("sequence", "superuser scopes have no tenant counter")
	}
	return tx.sess.nextSequence(ctx, tid, name)
}

// NextSequenceFor allocates from the counter of the organization a row built
// from data would be inserted into. Tenant scopes use their own counter; a
// superuser must name the organization in data.
func (tx *Tx) NextSequenceFor(ctx context.Context, name string, data entity.Record) (int64, error) {
	org, err := organizationFor(tx.scope, data)
	if err != nil {
		return 0, err
	}
	return tx.sess.nextSequence(ctx, org, name)
}

// Tx runs fn in one transaction bound to scope. fn's effects are committed
// together or not at all. Contention errors from the store are retried with
// exponential backoff; every other error is returned as-is. Once started, an
// attempt runs to completion even if ctx is cancelled.
func (e *Engine) Tx(ctx context.Context, scope tenant.Scope, fn func(ctx context.Context, tx *Tx) error) error {
	if !scope.Valid() {
		return ErrNoScope
	}
	attempt := 0
	return retry.Do(ctx, e.retry.backoff(), func(ctx context.Context) error {
		attempt++
		err := e.runTx(context.WithoutCancel(ctx), scope, fn)
		if err != nil && isTransient(err) {
			e.logger.Warn().Err(err).Int("attempt", attempt).Msg("transaction contention, retrying")
			return retry.RetryableError(fmt.Errorf("%w: %w", ErrTransientStore, err))
		}
		return err
	})
}

func (e *Engine) runTx(ctx context.Context, scope tenant.Scope, fn func(ctx context.Context, tx *Tx) error) (err error) {
	sess, err := e.backend.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	finished := false
	defer func() {
		if finished {
			return
		}
		if rbErr := sess.rollback(ctx); rbErr != nil {
			e.logger.Error().Err(rbErr).Msg("rollback failed")
		}
	}()

	if err := sess.bindTenant(ctx, scope); err != nil {
		return fmt.Errorf("bind tenant: %w", err)
	}
	if err := fn(ctx, &Tx{engine: e, scope: scope, sess: sess}); err != nil {
		return err
	}
	finished = true
	if err := sess.commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// system runs fn in a transaction that is not bound to any tenant. Only
// audit writes use it.
func (e *Engine) system(ctx context.Context, fn func(ctx context.Context, s session) error) error {
	return retry.Do(ctx, e.retry.backoff(), func(ctx context.Context) error {
		ctx = context.WithoutCancel(ctx)
		sess, err := e.backend.begin(ctx)
		if err != nil {
			return classify(fmt.Errorf("begin: %w", err))
		}
		if err := sess.bindSystem(ctx); err != nil {
			_ = sess.rollback(ctx)
			return classify(err)
		}
		if err := fn(ctx, sess); err != nil {
			_ = sess.rollback(ctx)
			return classify(err)
		}
		return classify(sess.commit(ctx))
	})
}

func classify(err error) error {
	if err != nil && isTransient(err) {
		return retry.RetryableError(fmt.Errorf("%w: %w", ErrTransientStore, err))
	}
	return err
}

// Postgres codes worth retrying at the transaction boundary.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

func isTransient(err error) bool {
	if errors.Is(err, ErrTransientStore) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}
