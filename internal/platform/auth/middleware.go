package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/ehr/recordvault/internal/platform/tenant"
)

type contextKey string

const subjectKey contextKey = "subject"

// Claims carried by access tokens.
type Claims struct {
	jwt.RegisteredClaims
	OrganizationID string `json:"organization_id,omitempty"`
	Role           string `json:"role"`
}

// Identity converts the claims into the identity the tenant resolver
// consumes. The claims are not interpreted here.
func (c Claims) Identity() tenant.Identity {
	return tenant.Identity{
		Subject:        c.Subject,
		OrganizationID: c.OrganizationID,
		Role:           c.Role,
	}
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
}

// ErrNoSigningKey is returned when a token is minted without a key.
var ErrNoSigningKey = errors.New("auth: signing key not configured")

func (cfg JWTConfig) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return opts
}

// ParseToken validates tokenStr and returns its claims.
func (cfg JWTConfig) ParseToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return cfg.SigningKey, nil
	}, cfg.parserOptions()...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// JWTMiddleware authenticates bearer tokens and records the caller's identity
// for the tenant scope middleware.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims, err := cfg.ParseToken(parts[1])
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			setIdentity(c, claims.Identity())
			return next(c)
		}
	}
}

// Development header names read by DevAuthMiddleware.
const (
	DevSubjectHeader      = "X-Dev-Subject"
	DevOrganizationHeader = "X-Dev-Organization"
	DevRoleHeader         = "X-Dev-Role"
)

// DevAuthMiddleware trusts identity headers instead of tokens. It must never
// be installed outside development. Requests that carry a bearer token are
// still validated against cfg.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	strict := JWTMiddleware(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		validated := strict(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" {
				return validated(c)
			}
			h := c.Request().Header
			id := tenant.Identity{
				Subject:        h.Get(DevSubjectHeader),
				OrganizationID: h.Get(DevOrganizationHeader),
				Role:           h.Get(DevRoleHeader),
			}
			if id.Subject == "" {
				id.Subject = "dev-user"
			}
			if id.Role == "" {
				id.Role = string(tenant.RoleUser)
			}
			setIdentity(c, id)
			return next(c)
		}
	}
}

func setIdentity(c echo.Context, id tenant.Identity) {
	tenant.SetIdentity(c, id)
	ctx := context.WithValue(c.Request().Context(), subjectKey, id.Subject)
	c.SetRequest(c.Request().WithContext(ctx))
}

// SubjectFromContext returns the authenticated subject, if any.
func SubjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey).(string)
	return sub
}

// TokenRequest describes a token to mint.
type TokenRequest struct {
	Subject        string
	OrganizationID string
	Role           string
	TTL            time.Duration
}

// IssueToken mints an HS256 token accepted by JWTMiddleware under cfg.
func IssueToken(cfg JWTConfig, req TokenRequest, now time.Time) (string, error) {
	if len(cfg.SigningKey) == 0 {
		return "", ErrNoSigningKey
	}
	if req.TTL <= 0 {
		req.TTL = time.Hour
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.Subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(req.TTL)),
		},
		OrganizationID: req.OrganizationID,
		Role:           req.Role,
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.SigningKey)
}
