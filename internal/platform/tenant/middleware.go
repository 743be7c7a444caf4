package tenant

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	identityKey = "tenant_identity"
	scopeKey    = "tenant_scope"
)

// SetIdentity records the authenticated identity on the request. Auth
// middleware calls it; nothing else should.
func SetIdentity(c echo.Context, id Identity) {
	c.Set(identityKey, id)
}

// IdentityFrom returns the identity recorded by the auth middleware.
func IdentityFrom(c echo.Context) (Identity, bool) {
	id, ok := c.Get(identityKey).(Identity)
	return id, ok
}

// RejectFunc is notified when a request cannot be scoped.
type RejectFunc func(ctx context.Context, id Identity, err error)

// Middleware resolves the request scope from the authenticated identity.
// Requests without a usable tenant fail closed before any handler runs.
func Middleware(logger zerolog.Logger, onReject RejectFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := IdentityFrom(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
			}

			scope, err := Resolve(id)
			if err != nil {
				rid, _ := c.Get("request_id").(string)
				logger.Warn().Err(err).
					Str("request_id", rid).
					Str("subject", id.Subject).
					Msg("scope resolution rejected")
				if onReject != nil {
					onReject(c.Request().Context(), id, err)
				}
				if errors.Is(err, ErrUnauthenticated) {
					return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
				}
				return echo.NewHTTPError(http.StatusForbidden, "forbidden")
			}

			c.Set(scopeKey, scope)
			return next(c)
		}
	}
}

// FromEcho returns the scope resolved for this request.
func FromEcho(c echo.Context) (Scope, error) {
	s, ok := c.Get(scopeKey).(Scope)
	if !ok || !s.Valid() {
		return Scope{}, ErrNoScope
	}
	return s, nil
}
