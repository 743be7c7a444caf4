package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/config"
	"github.com/ehr/recordvault/internal/domain/clinic"
	"github.com/ehr/recordvault/internal/domain/packages"
	"github.com/ehr/recordvault/internal/domain/records"
	"github.com/ehr/recordvault/internal/platform/access"
	"github.com/ehr/recordvault/internal/platform/audit"
	"github.com/ehr/recordvault/internal/platform/auth"
	"github.com/ehr/recordvault/internal/platform/crypto"
	"github.com/ehr/recordvault/internal/platform/db"
	"github.com/ehr/recordvault/internal/platform/fieldcrypt"
	"github.com/ehr/recordvault/internal/platform/middleware"
	"github.com/ehr/recordvault/internal/platform/secure"
	"github.com/ehr/recordvault/internal/platform/store"
	"github.com/ehr/recordvault/internal/platform/tenant"
)

// newServer wires the request pipeline over backend. pinger is nil for the
// in-memory store.
func newServer(cfg *config.Config, logger zerolog.Logger, backend store.Backend, pinger db.Pinger) (*echo.Echo, error) {
	codec, indexer, err := buildCrypto(cfg, logger)
	if err != nil {
		return nil, err
	}
	signingKey, err := signingKey(cfg, logger)
	if err != nil {
		return nil, err
	}

	reg, err := clinic.NewRegistry()
	if err != nil {
		return nil, err
	}
	engine := store.NewEngine(backend, fieldcrypt.New(codec, indexer, logger), logger,
		store.WithStrictInvariants(!cfg.IsProduction()),
		store.WithRetryPolicy(store.RetryPolicy{MaxRetries: cfg.TxMaxRetries, Base: cfg.TxRetryBase}),
	)
	authz, err := access.NewAuthorizer(reg, logger)
	if err != nil {
		return nil, err
	}
	auditor := audit.NewLogger(engine, logger)
	pipeline := secure.NewService(reg, engine, authz, auditor, logger)
	pkgSvc, err := packages.NewService(pipeline, logger)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Public routes stay outside the authenticated group.
	e.GET("/health", db.LivenessHandler())
	e.GET("/health/db", db.HealthHandler(pinger, logger))

	jwtCfg := jwtConfig(cfg, signingKey)
	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		logger.Warn().Msg("development auth enabled, identity headers are trusted")
		authMW = auth.DevAuthMiddleware(jwtCfg)
	}
	onReject := func(ctx context.Context, id tenant.Identity, err error) {
		auditor.RecordRejected(ctx, id, audit.RequestIDFrom(ctx), err)
	}

	api := e.Group("/api/v1", authMW, tenant.Middleware(logger, onReject))
	packages.NewHandler(pkgSvc).RegisterRoutes(api)
	records.NewHandler(pipeline).RegisterRoutes(api)

	return e, nil
}

func jwtConfig(cfg *config.Config, key []byte) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: key,
	}
}

var errKeyRequired = errors.New("FIELD_ENCRYPTION_KEY is required outside development")

// buildCrypto returns the field codec and the blind indexer. Without a field
// key, development and test runs get an ephemeral one.
func buildCrypto(cfg *config.Config, logger zerolog.Logger) (*crypto.Codec, *crypto.BlindIndexer, error) {
	var (
		key []byte
		err error
	)
	if cfg.FieldEncryptionKey != "" {
		if key, err = crypto.ParseHexKey(cfg.FieldEncryptionKey); err != nil {
			return nil, nil, fmt.Errorf("FIELD_ENCRYPTION_KEY: %w", err)
		}
	} else {
		if !cfg.IsDev() && cfg.Env != "test" {
			return nil, nil, errKeyRequired
		}
		if key, err = crypto.GenerateKey(); err != nil {
			return nil, nil, err
		}
		logger.Warn().Msg("FIELD_ENCRYPTION_KEY not set, using an ephemeral key; encrypted fields will not survive a restart")
	}

	mode, err := crypto.ParseMode(cfg.DecryptMode)
	if err != nil {
		return nil, nil, fmt.Errorf("DECRYPT_MODE: %w", err)
	}
	opts := []crypto.Option{crypto.WithMode(mode)}
	if cfg.FieldEncryptionPreviousKeys != "" {
		prev, err := crypto.ParseKeyList(cfg.FieldEncryptionPreviousKeys)
		if err != nil {
			return nil, nil, fmt.Errorf("FIELD_ENCRYPTION_PREVIOUS_KEYS: %w", err)
		}
		for v, k := range prev {
			opts = append(opts, crypto.WithPreviousKey(v, k))
		}
	}
	codec, err := crypto.NewCodec(key, byte(cfg.FieldEncryptionKeyVersion), opts...)
	if err != nil {
		return nil, nil, err
	}

	indexKey := key
	if cfg.BlindIndexKey != "" {
		if indexKey, err = crypto.ParseHexKey(cfg.BlindIndexKey); err != nil {
			return nil, nil, fmt.Errorf("BLIND_INDEX_KEY: %w", err)
		}
	}
	indexer, err := crypto.NewBlindIndexer(indexKey)
	if err != nil {
		return nil, nil, err
	}
	return codec, indexer, nil
}

// signingKey returns the token signing key. Development runs without one get
// an ephemeral key, so only dev identity headers work until it is set.
func signingKey(cfg *config.Config, logger zerolog.Logger) ([]byte, error) {
	if cfg.AuthSigningKey != "" {
		return []byte(cfg.AuthSigningKey), nil
	}
	if !cfg.IsDev() {
		return nil, auth.ErrNoSigningKey
	}
	logger.Warn().Msg("AUTH_SIGNING_KEY not set, bearer tokens will be rejected")
	return crypto.GenerateKey()
}
