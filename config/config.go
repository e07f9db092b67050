// Package config loads the ambient, initialization-time configuration a
// Lattice server is built from (spec §9: "global mutable state ... modeled
// as an initialization-time configuration struct"), in the teacher's
// envconfig-driven style.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every piece of configuration a transport.Server needs to boot.
type Config struct {
	Server   ServerConfig
	Session  SessionConfig
	Database DatabaseConfig
	CORS     CORSConfig
}

// ServerConfig configures the underlying HTTP transport (spec §6).
type ServerConfig struct {
	Host         string        `envconfig:"LATTICE_HOST" default:"0.0.0.0"`
	Port         int           `envconfig:"LATTICE_PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"LATTICE_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"LATTICE_WRITE_TIMEOUT" default:"15s"`
	IdleTimeout  time.Duration `envconfig:"LATTICE_IDLE_TIMEOUT" default:"60s"`
	ShutdownWait time.Duration `envconfig:"LATTICE_SHUTDOWN_WAIT" default:"30s"`
}

// Address returns the server address in host:port form.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SessionConfig configures the Session Manager and its cookie contract
// (spec §4.5, §6).
type SessionConfig struct {
	Driver        string `envconfig:"LATTICE_SESSION_DRIVER" default:"file"`
	FileDir       string `envconfig:"LATTICE_SESSION_DIR" default:"./sessions"`
	CacheCapacity int    `envconfig:"LATTICE_SESSION_CACHE_CAPACITY" default:"10000"`
	CookieDomain  string `envconfig:"LATTICE_SESSION_COOKIE_DOMAIN"`
	SecureCookies bool   `envconfig:"LATTICE_SESSION_SECURE_COOKIES" default:"false"`
	// EncryptionKey, if 32 bytes, enables at-rest AES-256-GCM encryption for
	// the file driver (SUPPLEMENTED FEATURES #5).
	EncryptionKey string `envconfig:"LATTICE_SESSION_ENCRYPTION_KEY"`
}

// DatabaseConfig configures the optional pgx-backed session driver
// (spec §4.3 pluggable Driver contract).
type DatabaseConfig struct {
	URL             string        `envconfig:"LATTICE_DATABASE_URL"`
	MaxConns        int32         `envconfig:"LATTICE_DATABASE_MAX_CONNS" default:"25"`
	MinConns        int32         `envconfig:"LATTICE_DATABASE_MIN_CONNS" default:"5"`
	MaxConnLifetime time.Duration `envconfig:"LATTICE_DATABASE_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `envconfig:"LATTICE_DATABASE_MAX_CONN_IDLE_TIME" default:"30m"`
}

// CORSConfig carries CORS settings loaded from the environment (spec §4.2).
// No package in this module reads it: a mapping without its own policy gets
// cors.New() regardless of these values.
type CORSConfig struct {
	AllowAllOrigins bool     `envconfig:"LATTICE_CORS_ALLOW_ALL_ORIGINS" default:"false"`
	AllowedOrigins  []string `envconfig:"LATTICE_CORS_ALLOWED_ORIGINS"`
	AllowCredentials bool    `envconfig:"LATTICE_CORS_ALLOW_CREDENTIALS" default:"false"`
	MaxAge          int      `envconfig:"LATTICE_CORS_MAX_AGE" default:"0"`
}

// Load reads configuration from the environment, applying defaults and then
// validating cross-field constraints.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: load: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Session.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("LATTICE_DATABASE_URL is required when LATTICE_SESSION_DRIVER=postgres")
	}
	if c.Session.EncryptionKey != "" && len(c.Session.EncryptionKey) != 32 {
		return fmt.Errorf("LATTICE_SESSION_ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
	}
	return nil
}
