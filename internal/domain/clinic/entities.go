// Package clinic declares the record types a clinic stores. Everything about
// an entity that matters for security lives in its declaration: which fields
// are encrypted, which roles see them and which roles may change them.
package clinic

import (
	"github.com/ehr/recordvault/internal/platform/entity"
	"github.com/ehr/recordvault/internal/platform/tenant"
)

// Entity names.
const (
	Patients      = "patients"
	Appointments  = "appointments"
	Invoices      = "invoices"
	Packages      = "packages"
	PackageUsages = "package-usages"
)

var (
	users      = entity.From(tenant.RoleUser)
	admins     = entity.From(tenant.RoleAdmin)
	superusers = entity.From(tenant.RoleSuperuser)
)

func field(name string, visible entity.RoleSet) entity.Field {
	return entity.Field{Name: name, Visible: visible}
}

func sensitive(name string, visible entity.RoleSet) entity.Field {
	return entity.Field{Name: name, Sensitive: true, Visible: visible}
}

func indexed(name string, visible entity.RoleSet) entity.Field {
	return entity.Field{Name: name, Sensitive: true, Indexed: true, Visible: visible}
}

func permissions(read, create, update, del entity.RoleSet) map[entity.Op]entity.RoleSet {
	return map[entity.Op]entity.RoleSet{
		entity.OpRead:   read,
		entity.OpCreate: create,
		entity.OpUpdate: update,
		entity.OpDelete: del,
	}
}

// Definitions returns the clinic entity declarations.
func Definitions() []entity.Definition {
	return []entity.Definition{
		{
			Name:  Patients,
			Table: "patients",
			Fields: []entity.Field{
				field("firstName", users),
				field("lastName", users),
				field("dateOfBirth", users),
				field("gender", users),
				indexed("phone", users),
				indexed("email", users),
				sensitive("address", users),
				sensitive("emergencyContactName", users),
				sensitive("emergencyContactPhone", users),
				sensitive("medicalHistory", admins),
				sensitive("allergies", admins),
				sensitive("clinicalNotes", admins),
			},
			Permissions: permissions(users, users, users, admins),
			// Patient rows predate per-row encryption markers.
			LegacyMarkerFallback: true,
		},
		{
			Name:  Appointments,
			Table: "appointments",
			Fields: []entity.Field{
				field("patientId", users),
				field("practitioner", users),
				field("scheduledAt", users),
				field("durationMinutes", users),
				field("status", users),
				sensitive("reason", users),
				sensitive("notes", admins),
			},
			Permissions: permissions(users, users, users, admins),
		},
		{
			Name:  Invoices,
			Table: "invoices",
			Fields: []entity.Field{
				field("patientId", users),
				field("invoiceNumber", users),
				field("issuedAt", users),
				field("amount", users),
				field("currency", users),
				field("status", users),
				sensitive("diagnosisCode", admins),
				sensitive("insurancePolicyNumber", admins),
			},
			Permissions: permissions(users, admins, admins, superusers),
		},
		{
			Name:  Packages,
			Table: "packages",
			Fields: []entity.Field{
				field("packageNumber", users),
				field("patientId", users),
				field("name", users),
				field("totalQuantity", users),
				field("remainingQuantity", users),
				field("status", users),
				sensitive("notes", admins),
			},
			// Consuming a package is an update.
			Permissions: permissions(users, admins, users, admins),
			Managed:     true,
		},
		{
			Name:  PackageUsages,
			Table: "package_usages",
			Fields: []entity.Field{
				field("packageId", users),
				field("quantity", users),
				field("usedAt", users),
				sensitive("notes", users),
			},
			// Usage rows are immutable; a mistake is reversed by deleting the row.
			Permissions: permissions(users, users, entity.Nobody(), admins),
			Managed:     true,
		},
	}
}

// NewRegistry validates and compiles the clinic declarations.
func NewRegistry() (*entity.Registry, error) {
	return entity.NewRegistry(Definitions()...)
}
