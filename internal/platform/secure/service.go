// Package secure runs every record request through the same fixed sequence:
// scope, access check, query, decrypt, project, audit. Route handlers call
// this package and nothing below it.
package secure

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/platform/access"
	"github.com/ehr/recordvault/internal/platform/audit"
	"github.com/ehr/recordvault/internal/platform/entity"
	"github.com/ehr/recordvault/internal/platform/store"
	"github.com/ehr/recordvault/internal/platform/tenant"
)

// Stage of a request in the pipeline. Stages only advance.
type Stage int

const (
	StageUnauthenticated Stage = iota
	StageScoped
	StageAccessChecked
	StageQueryExecuted
	StageDecrypted
	StageProjected
	StageAudited
	StageResponded
)

var stageNames = [...]string{
	"unauthenticated", "scoped", "access_checked", "query_executed",
	"decrypted", "projected", "audited", "responded",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Outcome values shared with the store.
const (
	Found     = store.Found
	NotFound  = store.NotFound
	Forbidden = store.Forbidden
)

// Result of a single-record request.
type Result = store.Result

// ResultErr maps a non-Found outcome to the boundary error for it.
func ResultErr(r Result) error {
	switch r.Outcome {
	case Found:
		return nil
	case Forbidden:
		return ErrForbidden
	default:
		return ErrNotFound
	}
}

// ListResult is the result of a list request.
type ListResult struct {
	Outcome store.Outcome
	Rows    []entity.Record
	Total   int
}

// Service is the request pipeline.
type Service struct {
	registry *entity.Registry
	engine   *store.Engine
	authz    *access.Authorizer
	audit    *audit.Logger
	logger   zerolog.Logger
}

// NewService wires the pipeline.
func NewService(reg *entity.Registry, engine *store.Engine, authz *access.Authorizer, auditor *audit.Logger, logger zerolog.Logger) *Service {
	return &Service{
		registry: reg,
		engine:   engine,
		authz:    authz,
		audit:    auditor,
		logger:   logger.With().Str("component", "secure").Logger(),
	}
}

// Registry returns the entity registry the service serves.
func (s *Service) Registry() *entity.Registry { return s.registry }

// List returns the rows of name matching filter, projected for the caller.
func (s *Service) List(ctx context.Context, scope tenant.Scope, name string, filter store.Filter, page store.Page) (ListResult, error) {
	c := s.start(ctx, scope, name, entity.OpRead, "")
	if org, ok := store.FilterString(filter[entity.FieldOrganizationID]); ok {
		c.org = org
	}
	if !c.admit(false) {
		return ListResult{Outcome: c.outcome}, c.err
	}
	tbl, err := s.engine.Query(scope, c.ent)
	if err != nil {
		return ListResult{Outcome: NotFound}, c.fail(err)
	}
	rows, err := tbl.FindAll(ctx, filter, page)
	if err != nil {
		return ListResult{Outcome: NotFound}, c.fail(err)
	}
	c.advance(StageQueryExecuted)
	c.advance(StageDecrypted)
	total, err := tbl.Count(ctx, filter)
	if err != nil {
		return ListResult{Outcome: NotFound}, c.fail(err)
	}
	detail := fmt.Sprintf("%d rows", len(rows))
	if scope.IsSuperuser() && c.org == "" {
		c.org = "*"
		detail += " from " + strings.Join(organizations(rows), ",")
	}
	rows = access.ProjectAll(c.ent, scope.Role(), rows)
	c.advance(StageProjected)
	c.succeed(detail)
	return ListResult{Outcome: Found, Rows: rows, Total: total}, nil
}

// Get returns one row of name, projected for the caller.
func (s *Service) Get(ctx context.Context, scope tenant.Scope, name, id string) (Result, error) {
	c := s.start(ctx, scope, name, entity.OpRead, id)
	if !c.admit(false) {
		return Result{Outcome: c.outcome}, c.err
	}
	tbl, err := s.engine.Query(scope, c.ent)
	if err != nil {
		return Result{Outcome: NotFound}, c.fail(err)
	}
	res, err := tbl.FindByID(ctx, id)
	if err != nil {
		return Result{Outcome: NotFound}, c.fail(err)
	}
	return c.finishRow(res), nil
}

// Create inserts a row of name owned by the caller's tenant.
func (s *Service) Create(ctx context.Context, scope tenant.Scope, name string, data entity.Record) (Result, error) {
	c := s.start(ctx, scope, name, entity.OpCreate, "")
	if org, ok := data[entity.FieldOrganizationID].(string); ok {
		c.org = org
	}
	if !c.admit(true) {
		return Result{Outcome: c.outcome}, c.err
	}
	tbl, err := s.engine.Query(scope, c.ent)
	if err != nil {
		return Result{Outcome: NotFound}, c.fail(err)
	}
	row, err := tbl.Insert(ctx, data)
	if err != nil {
		return Result{Outcome: NotFound}, c.fail(err)
	}
	if id, ok := row[entity.FieldID].(string); ok {
		c.resourceID = id
	}
	return c.finishRow(store.Result{Outcome: Found, Row: row}), nil
}

// Update patches a row of name.
func (s *Service) Update(ctx context.Context, scope tenant.Scope, name, id string, patch entity.Record) (Result, error) {
	c := s.start(ctx, scope, name, entity.OpUpdate, id)
	if !c.admit(true) {
		return Result{Outcome: c.outcome}, c.err
	}
	tbl, err := s.engine.Query(scope, c.ent)
	if err != nil {
		return Result{Outcome: NotFound}, c.fail(err)
	}
	res, err := tbl.Update(ctx, id, patch)
	if err != nil {
		return Result{Outcome: NotFound}, c.fail(err)
	}
	return c.finishRow(res), nil
}

// Delete removes a row of name. The returned Row is always nil.
func (s *Service) Delete(ctx context.Context, scope tenant.Scope, name, id string) (Result, error) {
	c := s.start(ctx, scope, name, entity.OpDelete, id)
	if !c.admit(true) {
		return Result{Outcome: c.outcome}, c.err
	}
	tbl, err := s.engine.Query(scope, c.ent)
	if err != nil {
		return Result{Outcome: NotFound}, c.fail(err)
	}
	res, err := tbl.Remove(ctx, id)
	if err != nil {
		return Result{Outcome: NotFound}, c.fail(err)
	}
	out := c.finishRow(res)
	out.Row = nil
	return out, nil
}

// Access names an operation on an entity.
type Access struct {
	Entity string
	Op     entity.Op
}

// Mutation describes a domain operation that runs as one transaction.
type Mutation struct {
	// Entity and Op gate the operation and project its result.
	Entity     string
	Op         entity.Op
	Action     string
	ResourceID string

	// Also lists further operations the transaction performs. The caller's
	// role must be permitted every one of them.
	Also []Access
}

// Mutate runs fn as a single transaction under scope and then decrypts,
// projects and audits its result like any other request. Managed entities are
// only mutable through here.
func (s *Service) Mutate(ctx context.Context, scope tenant.Scope, m Mutation, fn func(ctx context.Context, tx *store.Tx) (Result, error)) (Result, error) {
	c := s.start(ctx, scope, m.Entity, m.Op, m.ResourceID)
	if m.Action != "" {
		c.action = m.Entity + "." + m.Action
	}
	if !c.admit(false) || !c.admitAlso(m.Also) {
		return Result{Outcome: c.outcome}, c.err
	}
	var res Result
	err := s.engine.Tx(ctx, scope, func(ctx context.Context, tx *store.Tx) error {
		var err error
		res, err = fn(ctx, tx)
		return err
	})
	if err != nil {
		return Result{Outcome: NotFound}, c.fail(err)
	}
	return c.finishRow(res), nil
}

// ListAudit returns the caller tenant's audit trail. Only admins and
// superusers may read it.
func (s *Service) ListAudit(ctx context.Context, scope tenant.Scope, page store.Page) ([]audit.Event, store.Outcome, error) {
	c := &call{s: s, ctx: ctx, scope: scope, resource: "audit-events", action: "audit-events.read"}
	if !scope.Valid() {
		c.outcome, c.err = Forbidden, ErrForbidden
		c.deny("no scope")
		return nil, Forbidden, ErrForbidden
	}
	c.advance(StageScoped)
	if !scope.Role().AtLeast(tenant.RoleAdmin) {
		c.deny("role may not read audit trail")
		return nil, Forbidden, nil
	}
	c.advance(StageAccessChecked)
	events, err := s.engine.ListAudit(ctx, scope, page)
	if err != nil {
		return nil, NotFound, c.fail(err)
	}
	// Audit events carry no ciphertext.
	c.advance(StageQueryExecuted)
	c.advance(StageDecrypted)
	c.advance(StageProjected)
	c.succeed(fmt.Sprintf("%d events", len(events)))
	return events, Found, nil
}

// call tracks one request through the pipeline.
type call struct {
	s          *Service
	ctx        context.Context
	scope      tenant.Scope
	ent        *entity.Entity
	op         entity.Op
	action     string
	resource   string
	resourceID string
	org        string
	stage      Stage
	passed     []Stage

	outcome store.Outcome
	err     error
}

func (s *Service) start(ctx context.Context, scope tenant.Scope, name string, op entity.Op, id string) *call {
	ent, _ := s.registry.Lookup(name)
	return &call{
		s:          s,
		ctx:        ctx,
		scope:      scope,
		ent:        ent,
		op:         op,
		action:     name + "." + string(op),
		resource:   name,
		resourceID: id,
	}
}

func (c *call) advance(to Stage) {
	if to > c.stage {
		c.stage = to
		c.passed = append(c.passed, to)
	}
}

// admit runs the scope and access stages. On refusal it audits and leaves the
// outcome in c.outcome.
func (c *call) admit(generic bool) bool {
	if !c.scope.Valid() {
		c.outcome, c.err = Forbidden, ErrForbidden
		c.deny("no scope")
		return false
	}
	c.advance(StageScoped)

	if c.ent == nil {
		c.outcome = NotFound
		c.record(audit.OutcomeFailure, "unknown entity", "")
		return false
	}
	if c.s.authz.Authorize(c.ent, c.op, c.scope.Role()) != access.Allow {
		c.outcome = Forbidden
		c.deny("operation not permitted for role")
		return false
	}
	if generic && c.ent.Managed() {
		c.outcome = Forbidden
		c.deny("entity is managed by its domain service")
		return false
	}
	c.advance(StageAccessChecked)
	return true
}

func (c *call) admitAlso(also []Access) bool {
	for _, a := range also {
		ent, ok := c.s.registry.Lookup(a.Entity)
		if !ok {
			c.outcome = NotFound
			c.record(audit.OutcomeFailure, "unknown entity "+a.Entity, "")
			return false
		}
		if c.s.authz.Authorize(ent, a.Op, c.scope.Role()) != access.Allow {
			c.outcome = Forbidden
			c.deny(fmt.Sprintf("%s on %s not permitted for role", a.Op, a.Entity))
			return false
		}
	}
	return true
}

// finishRow runs the decrypt, project and audit stages for a single-row
// result. The store has already decrypted the row.
func (c *call) finishRow(res Result) Result {
	c.advance(StageQueryExecuted)
	if res.Outcome != Found {
		c.record(audit.OutcomeFailure, "not found", "")
		return Result{Outcome: res.Outcome}
	}
	c.advance(StageDecrypted)
	if org, ok := res.Row[entity.FieldOrganizationID].(string); ok {
		c.org = org
	}
	if id, ok := res.Row[entity.FieldID].(string); ok && c.resourceID == "" {
		c.resourceID = id
	}
	row := access.Project(c.ent, c.scope.Role(), res.Row)
	c.advance(StageProjected)
	c.succeed("")
	return Result{Outcome: Found, Row: row}
}

func (c *call) succeed(detail string) {
	c.record(audit.OutcomeSuccess, detail, "")
}

func (c *call) deny(detail string) {
	c.record(audit.OutcomeDenied, detail, "")
}

// fail collapses err into a boundary error and audits the failure.
func (c *call) fail(err error) error {
	var (
		boundary error
		ve       *store.ValidationError
	)
	switch {
	case errors.As(err, &ve):
		boundary = &ValidationError{Field: ve.Field, Reason: ve.Reason}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		boundary = ErrInternal
		c.s.logger.Warn().Err(err).Str("action", c.action).Str("stage", c.stage.String()).Msg("request abandoned")
	default:
		boundary = ErrInternal
		c.s.logger.Error().Err(err).
			Str("action", c.action).
			Str("resource_id", c.resourceID).
			Str("stage", c.stage.String()).
			Msg("request failed")
	}
	c.record(audit.OutcomeFailure, "", err.Error())
	return boundary
}

func (c *call) record(outcome audit.Outcome, detail, errDetail string) {
	c.s.audit.Record(c.ctx, c.scope, audit.Entry{
		Action:       c.action,
		Resource:     c.resource,
		ResourceID:   c.resourceID,
		Outcome:      outcome,
		Detail:       detail,
		ErrorDetail:  errDetail,
		Organization: c.org,
	})
	c.advance(StageAudited)
	c.s.logger.Debug().
		Str("action", c.action).
		Str("outcome", string(outcome)).
		Str("stage", c.stage.String()).
		Strs("stages", stageList(c.passed)).
		Msg("request audited")
}

func stageList(stages []Stage) []string {
	out := make([]string, len(stages))
	for i, st := range stages {
		out[i] = st.String()
	}
	return out
}

// organizations lists the distinct tenants rows came from.
func organizations(rows []entity.Record) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range rows {
		org, _ := r[entity.FieldOrganizationID].(string)
		if !seen[org] {
			seen[org] = true
			out = append(out, org)
		}
	}
	sort.Strings(out)
	return out
}
