// Package audit records who did what to which tenant's data. Events are
// append-only: nothing in this repository updates or deletes them.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/platform/tenant"
)

// Outcome of an audited attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Event is one audit record.
type Event struct {
	ID         uuid.UUID `json:"id"`
	TenantID   string    `json:"tenantId"`
	ActorID    string    `json:"actorId"`
	ActorRole  string    `json:"actorRole"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	ResourceID string    `json:"resourceId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Outcome    Outcome   `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`

	// ErrorDetail is kept server-side only.
	ErrorDetail string `json:"-"`
}

// Entry is what a caller supplies; the logger fills in identity and time.
type Entry struct {
	Action      string
	Resource    string
	ResourceID  string
	Outcome     Outcome
	Detail      string
	ErrorDetail string
	RequestID   string

	// Organization is the tenant a superuser operation touched. It is ignored
	// for tenant-bound scopes, whose own tenant is always recorded.
	Organization string
}

// Sink persists events.
type Sink interface {
	AppendAudit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) AppendAudit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Logger writes audit events to a sink and mirrors them to the log.
type Logger struct {
	sink   Sink
	logger zerolog.Logger
	now    func() time.Time
}

// NewLogger creates a Logger. A nil sink only mirrors to the log.
func NewLogger(sink Sink, logger zerolog.Logger) *Logger {
	return &Logger{
		sink:   sink,
		logger: logger.With().Str("type", "audit").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type requestIDKey struct{}

// WithRequestID attaches the request id recorded on events written under ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request id attached by WithRequestID.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Record writes an event for an operation performed under scope. The write
// is detached from ctx cancellation so a disconnecting caller cannot suppress
// its own audit trail. Sink failures are logged, not returned.
func (l *Logger) Record(ctx context.Context, scope tenant.Scope, e Entry) Event {
	tenantID, bound := scope.TenantID()
	if !bound {
		tenantID = e.Organization
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFrom(ctx)
	}
	ev := Event{
		ID:          uuid.New(),
		TenantID:    tenantID,
		ActorID:     scope.CallerID(),
		ActorRole:   string(scope.Role()),
		Action:      e.Action,
		Resource:    e.Resource,
		ResourceID:  e.ResourceID,
		Timestamp:   l.now(),
		Outcome:     e.Outcome,
		Detail:      e.Detail,
		ErrorDetail: e.ErrorDetail,
		RequestID:   e.RequestID,
	}
	l.write(ctx, ev, scope.IsSuperuser())
	return ev
}

// RecordRejected writes a denied event for an identity that could not be
// scoped. The organization recorded is the one the identity claimed.
func (l *Logger) RecordRejected(ctx context.Context, id tenant.Identity, requestID string, err error) Event {
	ev := Event{
		ID:          uuid.New(),
		TenantID:    id.OrganizationID,
		ActorID:     id.Subject,
		ActorRole:   id.Role,
		Action:      "scope.resolve",
		Resource:    "scope",
		Timestamp:   l.now(),
		Outcome:     OutcomeDenied,
		RequestID:   requestID,
		ErrorDetail: errString(err),
	}
	l.write(ctx, ev, false)
	return ev
}

func (l *Logger) write(ctx context.Context, ev Event, superuser bool) {
	lvl := zerolog.InfoLevel
	if ev.Outcome != OutcomeSuccess {
		lvl = zerolog.WarnLevel
	}
	l.logger.WithLevel(lvl).
		Str("audit_id", ev.ID.String()).
		Str("tenant_id", ev.TenantID).
		Str("actor_id", ev.ActorID).
		Str("actor_role", ev.ActorRole).
		Str("action", ev.Action).
		Str("resource", ev.Resource).
		Str("resource_id", ev.ResourceID).
		Str("outcome", string(ev.Outcome)).
		Str("request_id", ev.RequestID).
		Str("error", ev.ErrorDetail).
		Bool("superuser", superuser).
		Msg(ev.Detail)

	if l.sink == nil {
		return
	}
	if err := l.sink.AppendAudit(context.WithoutCancel(ctx), ev); err != nil {
		l.logger.Error().Err(err).
			Str("audit_id", ev.ID.String()).
			Bool("alert", true).
			Msg("audit write failed")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
