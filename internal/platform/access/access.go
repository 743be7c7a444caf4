// Package access decides which roles may perform which operations on which
// entities, and strips the fields a role may not see from outbound records.
package access

import (
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/platform/entity"
	"github.com/ehr/recordvault/internal/platform/tenant"
)

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.obj == p.obj && r.act == p.act
`

// Decision is the result of an authorization check.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// SubjectForRole returns the policy subject for role.
func SubjectForRole(role tenant.Role) string {
	return "role:" + strings.ToLower(string(role))
}

// Authorizer gates operations using policies generated from the entity
// declarations.
type Authorizer struct {
	enforcer *casbin.Enforcer
	policies [][]string
	logger   zerolog.Logger
}

// NewAuthorizer builds the policy set for every entity in reg.
func NewAuthorizer(reg *entity.Registry, logger zerolog.Logger) (*Authorizer, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("access: load model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("access: create enforcer: %w", err)
	}

	var policies [][]string
	for _, ent := range reg.All() {
		for _, op := range entity.Ops() {
			for _, role := range tenant.Roles() {
				if ent.Permits(op, role) {
					policies = append(policies, []string{SubjectForRole(role), ent.Name(), string(op)})
				}
			}
		}
	}
	if len(policies) > 0 {
		if _, err := enforcer.AddPolicies(policies); err != nil {
			return nil, fmt.Errorf("access: add policies: %w", err)
		}
	}
	return &Authorizer{
		enforcer: enforcer,
		policies: policies,
		logger:   logger.With().Str("component", "access").Logger(),
	}, nil
}

// Authorize reports whether role may perform op on ent. Any evaluation error
// denies.
func (a *Authorizer) Authorize(ent *entity.Entity, op entity.Op, role tenant.Role) Decision {
	if ent == nil || !role.Valid() {
		return Deny
	}
	ok, err := a.enforcer.Enforce(SubjectForRole(role), ent.Name(), string(op))
	if err != nil {
		a.logger.Error().Err(err).
			Str("entity", ent.Name()).
			Str("op", string(op)).
			Str("role", string(role)).
			Msg("policy evaluation failed")
		return Deny
	}
	if ok {
		return Allow
	}
	return Deny
}

// Policies returns the generated (subject, entity, operation) rules.
func (a *Authorizer) Policies() [][]string {
	out := make([][]string, len(a.policies))
	for i, p := range a.policies {
		out[i] = append([]string(nil), p...)
	}
	return out
}

// Project returns a copy of row holding only the fields role may see. It
// must run after decryption and before serialization.
func Project(ent *entity.Entity, role tenant.Role, row entity.Record) entity.Record {
	if row == nil {
		return nil
	}
	out := make(entity.Record, len(row))
	for k, v := range row {
		if ent.CanSee(role, k) {
			out[k] = v
		}
	}
	return out
}

// ProjectAll applies Project to every row.
func ProjectAll(ent *entity.Entity, role tenant.Role, rows []entity.Record) []entity.Record {
	out := make([]entity.Record, len(rows))
	for i, r := range rows {
		out[i] = Project(ent, role, r)
	}
	return out
}
