// Package packages sells prepaid treatment packages and records their use.
// Consuming from a package and reversing a usage each run as one
// transaction so that a package's remaining quantity always equals its total
// minus the quantities of its surviving usage rows.
package packages

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/domain/clinic"
	"github.com/ehr/recordvault/internal/platform/entity"
	"github.com/ehr/recordvault/internal/platform/secure"
	"github.com/ehr/recordvault/internal/platform/store"
	"github.com/ehr/recordvault/internal/platform/tenant"
)

// Package statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// numberSequence names the per-tenant counter behind package numbers.
const numberSequence = "package_number"

// Service implements the package operations on top of the secure pipeline.
type Service struct {
	pipeline *secure.Service
	packages *entity.Entity
	usages   *entity.Entity
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService requires the clinic entities to be registered with pipeline.
func NewService(pipeline *secure.Service, logger zerolog.Logger) (*Service, error) {
	reg := pipeline.Registry()
	pkgs, ok := reg.Lookup(clinic.Packages)
	if !ok {
		return nil, fmt.Errorf("packages: entity %q not registered", clinic.Packages)
	}
	usages, ok := reg.Lookup(clinic.PackageUsages)
	if !ok {
		return nil, fmt.Errorf("packages: entity %q not registered", clinic.PackageUsages)
	}
	return &Service{
		pipeline: pipeline,
		packages: pkgs,
		usages:   usages,
		logger:   logger.With().Str("component", "packages").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func invalid(field, reason string) error {
	return &store.ValidationError{Field: field, Reason: reason}
}

// CreatePackage stores a new package with the next package number of its
// organization. A superuser must name the organization. The remaining quantity
// starts at the total.
func (s *Service) CreatePackage(ctx context.Context, scope tenant.Scope, data entity.Record) (secure.Result, error) {
	m := secure.Mutation{Entity: clinic.Packages, Op: entity.OpCreate, Action: "create"}
	return s.pipeline.Mutate(ctx, scope, m, func(ctx context.Context, tx *store.Tx) (secure.Result, error) {
		total, ok := Quantity(data["totalQuantity"])
		if !ok || total <= 0 {
			return secure.Result{}, invalid("totalQuantity", "must be a positive integer")
		}
		seq, err := tx.NextSequenceFor(ctx, numberSequence, data)
		if err != nil {
			return secure.Result{}, err
		}

		rec := data.Clone()
		rec["packageNumber"] = fmt.Sprintf("PKG-%06d", seq)
		rec["totalQuantity"] = total
		rec["remainingQuantity"] = total
		rec["status"] = StatusActive

		row, err := tx.Table(s.packages).Insert(ctx, rec)
		if err != nil {
			return secure.Result{}, err
		}
		return secure.Result{Outcome: secure.Found, Row: row}, nil
	})
}

// Consume takes quantity units from the package and logs the usage. It fails
// with a validation error when the package has fewer units left. The updated
// package is returned.
func (s *Service) Consume(ctx context.Context, scope tenant.Scope, packageID string, quantity int64, notes string) (secure.Result, error) {
	m := secure.Mutation{
		Entity:     clinic.Packages,
		Op:         entity.OpUpdate,
		Action:     "consume",
		ResourceID: packageID,
		Also:       []secure.Access{{Entity: clinic.PackageUsages, Op: entity.OpCreate}},
	}
	return s.pipeline.Mutate(ctx, scope, m, func(ctx context.Context, tx *store.Tx) (secure.Result, error) {
		if quantity <= 0 {
			return secure.Result{}, invalid("quantity", "must be a positive integer")
		}
		pkgs := tx.Table(s.packages)
		res, err := pkgs.FindByIDForUpdate(ctx, packageID)
		if err != nil || res.Outcome != secure.Found {
			return res, err
		}
		pkg := res.Row

		if status, _ := pkg["status"].(string); status != StatusActive {
			return secure.Result{}, invalid("status", "package is not active")
		}
		remaining, ok := Quantity(pkg["remainingQuantity"])
		if !ok {
			return secure.Result{}, fmt.Errorf("packages: package %s has unreadable remainingQuantity %v", packageID, pkg["remainingQuantity"])
		}
		if remaining < quantity {
			return secure.Result{}, invalid("quantity", fmt.Sprintf("only %d remaining", remaining))
		}

		usage := entity.Record{
			entity.FieldOrganizationID: pkg[entity.FieldOrganizationID],
			"packageId":                packageID,
			"quantity":                 quantity,
			"usedAt":                   s.now().Format(time.RFC3339),
		}
		if notes = strings.TrimSpace(notes); notes != "" {
			usage["notes"] = notes
		}
		if _, err := tx.Table(s.usages).Insert(ctx, usage); err != nil {
			return secure.Result{}, err
		}

		patch := entity.Record{"remainingQuantity": remaining - quantity}
		if remaining == quantity {
			patch["status"] = StatusCompleted
		}
		return pkgs.Update(ctx, packageID, patch)
	})
}

// DeleteUsage reverses a usage: the row is removed and its quantity returned
// to the package, which becomes active again. The removed usage is returned.
func (s *Service) DeleteUsage(ctx context.Context, scope tenant.Scope, usageID string) (secure.Result, error) {
	m := secure.Mutation{
		Entity:     clinic.PackageUsages,
		Op:         entity.OpDelete,
		Action:     "delete",
		ResourceID: usageID,
		Also:       []secure.Access{{Entity: clinic.Packages, Op: entity.OpUpdate}},
	}
	return s.pipeline.Mutate(ctx, scope, m, func(ctx context.Context, tx *store.Tx) (secure.Result, error) {
		usages := tx.Table(s.usages)
		pkgs := tx.Table(s.packages)

		peek, err := usages.FindByID(ctx, usageID)
		if err != nil || peek.Outcome != secure.Found {
			return peek, err
		}
		packageID, _ := peek.Row["packageId"].(string)

		// Lock order is package, then usage, the same as Consume.
		pkgRes, err := pkgs.FindByIDForUpdate(ctx, packageID)
		if err != nil {
			return secure.Result{}, err
		}
		usageRes, err := usages.FindByIDForUpdate(ctx, usageID)
		if err != nil || usageRes.Outcome != secure.Found {
			return usageRes, err
		}
		if pkgRes.Outcome != secure.Found {
			return secure.Result{}, fmt.Errorf("packages: usage %s refers to missing package %q", usageID, packageID)
		}
		quantity, ok := Quantity(usageRes.Row["quantity"])
		if !ok {
			return secure.Result{}, fmt.Errorf("packages: usage %s has unreadable quantity %v", usageID, usageRes.Row["quantity"])
		}
		remaining, ok := Quantity(pkgRes.Row["remainingQuantity"])
		if !ok {
			return secure.Result{}, fmt.Errorf("packages: package %s has unreadable remainingQuantity", packageID)
		}

		removed, err := usages.Remove(ctx, usageID)
		if err != nil || removed.Outcome != secure.Found {
			return removed, err
		}
		patch := entity.Record{
			"remainingQuantity": remaining + quantity,
			"status":            StatusActive,
		}
		if _, err := pkgs.Update(ctx, packageID, patch); err != nil {
			return secure.Result{}, err
		}
		s.logger.Debug().Str("usage_id", usageID).Str("package_id", packageID).Int64("quantity", quantity).Msg("usage reversed")
		return removed, nil
	})
}

// Quantity reads a whole number from a decoded record value. Numbers come
// back as json.Number or float64 depending on the store, and as Go integers
// when freshly written.
func Quantity(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.Abs(n) > 1<<53 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return Quantity(f)
	default:
		return 0, false
	}
}
