package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/recordvault/internal/platform/crypto"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	StoreDriver string   `mapstructure:"STORE_DRIVER"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	FieldEncryptionKey        string `mapstructure:"FIELD_ENCRYPTION_KEY"`
	FieldEncryptionKeyVersion int    `mapstructure:"FIELD_ENCRYPTION_KEY_VERSION"`
	// FieldEncryptionPreviousKeys is "version:hex,version:hex".
	FieldEncryptionPreviousKeys string `mapstructure:"FIELD_ENCRYPTION_PREVIOUS_KEYS"`
	DecryptMode                 string `mapstructure:"DECRYPT_MODE"`
	BlindIndexKey               string `mapstructure:"BLIND_INDEX_KEY"`

	TxMaxRetries   uint64        `mapstructure:"TX_MAX_RETRIES"`
	TxRetryBase    time.Duration `mapstructure:"TX_RETRY_BASE"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"FIELD_ENCRYPTION_KEY", "FIELD_ENCRYPTION_KEY_VERSION", "FIELD_ENCRYPTION_PREVIOUS_KEYS",
	"DECRYPT_MODE", "BLIND_INDEX_KEY",
	"TX_MAX_RETRIES", "TX_RETRY_BASE", "REQUEST_TIMEOUT", "MIGRATIONS_DIR",
}

// Load reads configuration from the environment and an optional .env file.
// It does not validate; call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("AUTH_ISSUER", "recordvault")
	v.SetDefault("AUTH_AUDIENCE", "recordvault-api")
	v.SetDefault("FIELD_ENCRYPTION_KEY_VERSION", 1)
	v.SetDefault("DECRYPT_MODE", "strict")
	v.SetDefault("TX_MAX_RETRIES", 3)
	v.SetDefault("TX_RETRY_BASE", "20ms")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("MIGRATIONS_DIR", "migrations")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesMemoryStore reports whether records live in process memory.
func (c *Config) UsesMemoryStore() bool {
	return c.StoreDriver == "memory"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	var errs []error

	switch c.Env {
	case "development", "test", "staging", "production":
	default:
		errs = append(errs, fmt.Errorf("ENV must be development, test, staging or production, got %q", c.Env))
	}

	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER is postgres"))
		}
	case "memory":
		if !c.IsDev() && c.Env != "test" {
			errs = append(errs, fmt.Errorf("STORE_DRIVER=memory is only allowed in development and test, ENV=%q", c.Env))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.StoreDriver))
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns))
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		errs = append(errs, errors.New("AUTH_SIGNING_KEY is required outside development"))
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		errs = append(errs, errors.New("AUTH_SIGNING_KEY must be at least 32 characters"))
	}

	if c.IsProduction() && c.FieldEncryptionKey == "" {
		errs = append(errs, errors.New("FIELD_ENCRYPTION_KEY is required in production"))
	}
	if c.FieldEncryptionKey != "" {
		if err := checkHexKey("FIELD_ENCRYPTION_KEY", c.FieldEncryptionKey); err != nil {
			errs = append(errs, err)
		}
	}
	if c.FieldEncryptionKeyVersion < 1 || c.FieldEncryptionKeyVersion > 255 {
		errs = append(errs, fmt.Errorf("FIELD_ENCRYPTION_KEY_VERSION must be between 1 and 255, got %d", c.FieldEncryptionKeyVersion))
	}
	if c.FieldEncryptionPreviousKeys != "" {
		prev, err := crypto.ParseKeyList(c.FieldEncryptionPreviousKeys)
		if err != nil {
			errs = append(errs, fmt.Errorf("FIELD_ENCRYPTION_PREVIOUS_KEYS: %w", err))
		} else if _, dup := prev[byte(c.FieldEncryptionKeyVersion)]; dup {
			errs = append(errs, fmt.Errorf("FIELD_ENCRYPTION_PREVIOUS_KEYS repeats the current version %d", c.FieldEncryptionKeyVersion))
		}
	}
	if mode, err := crypto.ParseMode(c.DecryptMode); err != nil {
		errs = append(errs, fmt.Errorf("DECRYPT_MODE: %w", err))
	} else if c.IsProduction() && mode != crypto.ModeStrict {
		errs = append(errs, errors.New("DECRYPT_MODE must be strict in production"))
	}
	if c.BlindIndexKey != "" {
		if err := checkHexKey("BLIND_INDEX_KEY", c.BlindIndexKey); err != nil {
			errs = append(errs, err)
		}
	}

	if c.TxRetryBase <= 0 {
		errs = append(errs, errors.New("TX_RETRY_BASE must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}

	return errors.Join(errs...)
}

func checkHexKey(name, value string) error {
	if _, err := crypto.ParseHexKey(value); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
