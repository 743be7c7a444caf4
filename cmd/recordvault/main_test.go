package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/config"
	"github.com/ehr/recordvault/internal/platform/auth"
	"github.com/ehr/recordvault/internal/platform/middleware"
	"github.com/ehr/recordvault/internal/platform/store"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func devConfig() *config.Config {
	return &config.Config{
		Port:                      "0",
		Env:                       "development",
		StoreDriver:               "memory",
		CORSOrigins:               []string{"http://localhost:3000"},
		AuthIssuer:                "recordvault",
		AuthAudience:              "recordvault-api",
		FieldEncryptionKeyVersion: 1,
		DecryptMode:               "strict",
		TxMaxRetries:              1,
		TxRetryBase:               time.Millisecond,
		RequestTimeout:            5 * time.Second,
	}
}

func TestBuildCrypto(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr bool
	}{
		{"ephemeral in development", func(c *config.Config) {}, false},
		{"configured key", func(c *config.Config) { c.FieldEncryptionKey = testKey }, false},
		{"separate blind index key", func(c *config.Config) { c.FieldEncryptionKey = testKey; c.BlindIndexKey = testKey }, false},
		{"previous keys", func(c *config.Config) {
			c.FieldEncryptionKey = testKey
			c.FieldEncryptionKeyVersion = 2
			c.FieldEncryptionPreviousKeys = "1:" + testKey
		}, false},
		{"no key in staging", func(c *config.Config) { c.Env = "staging" }, true},
		{"malformed key", func(c *config.Config) { c.FieldEncryptionKey = "beef" }, true},
		{"unknown decrypt mode", func(c *config.Config) { c.DecryptMode = "lenient" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := devConfig()
			tt.mutate(cfg)
			codec, indexer, err := buildCrypto(cfg, zerolog.Nop())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if codec == nil || indexer == nil {
				t.Fatal("missing codec or indexer")
			}
			if codec.CurrentVersion() != byte(cfg.FieldEncryptionKeyVersion) {
				t.Errorf("version = %d", codec.CurrentVersion())
			}
		})
	}
}

func TestBuildCrypto_StagingNeedsKey(t *testing.T) {
	cfg := devConfig()
	cfg.Env = "staging"
	if _, _, err := buildCrypto(cfg, zerolog.Nop()); !errors.Is(err, errKeyRequired) {
		t.Fatalf("err = %v", err)
	}
}

func TestSigningKey(t *testing.T) {
	cfg := devConfig()
	key, err := signingKey(cfg, zerolog.Nop())
	if err != nil || len(key) != 32 {
		t.Fatalf("dev key = %d bytes, %v", len(key), err)
	}

	cfg.Env = "production"
	if _, err := signingKey(cfg, zerolog.Nop()); !errors.Is(err, auth.ErrNoSigningKey) {
		t.Fatalf("production without key: %v", err)
	}
	cfg.AuthSigningKey = "0123456789abcdef0123456789abcdef"
	if key, _ := signingKey(cfg, zerolog.Nop()); string(key) != cfg.AuthSigningKey {
		t.Error("configured key not used")
	}
}

func serve(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	e, err := newServer(devConfig(), zerolog.Nop(), store.NewMemory(), nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	rec := serve(t, httptest.NewRequest(http.MethodGet, "/health/db", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"driver":"memory"`) {
		t.Fatalf("got %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("request id header missing")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestServer_PublicRoutesBypassAuth(t *testing.T) {
	cfg := devConfig()
	cfg.Env = "test"
	cfg.FieldEncryptionKey = testKey
	cfg.AuthSigningKey = "0123456789abcdef0123456789abcdef"
	e, err := newServer(cfg, zerolog.Nop(), store.NewMemory(), nil)
	if err != nil {
		t.Fatal(err)
	}
	get := func(path, token string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	for _, path := range []string{"/health", "/health/db"} {
		if code := get(path, ""); code != http.StatusOK {
			t.Errorf("%s without token = %d", path, code)
		}
	}
	if code := get("/api/v1/patients", ""); code != http.StatusUnauthorized {
		t.Errorf("api without token = %d, want 401", code)
	}
	token, err := auth.IssueToken(jwtConfig(cfg, []byte(cfg.AuthSigningKey)), auth.TokenRequest{
		Subject: "u1", OrganizationID: "clinic-1", Role: "user",
	}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if code := get("/api/v1/patients", token); code != http.StatusOK {
		t.Errorf("api with token = %d, want 200", code)
	}
}

func TestServer_Records(t *testing.T) {
	e, err := newServer(devConfig(), zerolog.Nop(), store.NewMemory(), nil)
	if err != nil {
		t.Fatal(err)
	}
	call := func(method, path, org, role, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(auth.DevOrganizationHeader, org)
		req.Header.Set(auth.DevRoleHeader, role)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	rec := call(http.MethodPost, "/api/v1/patients", "clinic-1", "user", `{"firstName":"Ada","phone":"555-0100"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	rec = call(http.MethodGet, "/api/v1/patients?phone=555-0100", "clinic-1", "user", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Fatalf("search: %d %s", rec.Code, rec.Body.String())
	}
	rec = call(http.MethodGet, "/api/v1/patients", "", "user", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unscoped: expected 403, got %d", rec.Code)
	}
	rec = call(http.MethodPost, "/api/v1/packages", "clinic-1", "admin", `{"name":"Physio","totalQuantity":5}`)
	if rec.Code != http.StatusCreated || !strings.Contains(rec.Body.String(), "PKG-000001") {
		t.Fatalf("package: %d %s", rec.Code, rec.Body.String())
	}

	rec = call(http.MethodGet, "/api/v1/audit-events", "clinic-1", "admin", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "packages.create") {
		t.Fatalf("audit: %d %s", rec.Code, rec.Body.String())
	}
}

func TestKeygenCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := keygenCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(out.String()))
	if err != nil || len(key) != 32 {
		t.Fatalf("keygen output %q", out.String())
	}
}

func TestTokenCmd(t *testing.T) {
	signing := "0123456789abcdef0123456789abcdef"
	t.Setenv("AUTH_SIGNING_KEY", signing)

	var out bytes.Buffer
	cmd := tokenCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--subject", "nurse-1", "--org", "clinic-1", "--role", "admin"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}

	cfg := auth.JWTConfig{Issuer: "recordvault", Audience: "recordvault-api", SigningKey: []byte(signing)}
	claims, err := cfg.ParseToken(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("minted token rejected: %v", err)
	}
	if claims.Subject != "nurse-1" || claims.OrganizationID != "clinic-1" || claims.Role != "admin" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestEntitiesCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := entitiesCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"name: patients", "table: package_usages", "managed: true", "sensitive: true"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q", want)
		}
	}
}
