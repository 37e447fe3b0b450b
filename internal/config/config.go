package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-jose/go-jose/v4"
	"github.com/joho/godotenv"

	"github.com/alexjbarnes/authflow/internal/keys"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds all environment-based configuration for authflow.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Issuer is the iss claim and the base URL of every endpoint.
	Issuer string `env:"ISSUER"`

	// Signing material. At least one of JWT_SECRET, JWT_KEYS or
	// JWT_KEY_FILES must be set.
	JWTSecret       string   `env:"JWT_SECRET"`
	JWTKeys         string   `env:"JWT_KEYS"`
	JWTKeyFiles     []string `env:"JWT_KEY_FILES" envSeparator:","`
	JWTDefaultKeyID string   `env:"JWT_DEFAULT_KEY_ID"`
	// JWTValidMethods restricts verification algorithms. Empty means the
	// algorithms of the configured keys.
	JWTValidMethods []string `env:"JWT_VALID_METHODS" envSeparator:","`

	AccessTokenTTL   time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	IDTokenTTL       time.Duration `env:"ID_TOKEN_TTL" envDefault:"1h"`
	AuthorizationTTL time.Duration `env:"AUTHORIZATION_TTL" envDefault:"10m"`
	SessionTTL       time.Duration `env:"SESSION_TTL" envDefault:"720h"`

	RefreshReuseRevokesSession bool     `env:"REFRESH_REUSE_REVOKES_SESSION" envDefault:"true"`
	SupportedScopes            []string `env:"SUPPORTED_SCOPES" envSeparator:"," envDefault:"openid,email,profile,phone"`

	EnableRegistration  bool `env:"ENABLE_REGISTRATION" envDefault:"true"`
	EnablePasswordGrant bool `env:"ENABLE_PASSWORD_GRANT" envDefault:"false"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"`

	// BoltPath defaults to ~/.authflow/authflow.db.
	BoltPath string `env:"BOLT_PATH"`

	RedisAddr      string `env:"REDIS_ADDR"`
	RedisUsername  string `env:"REDIS_USERNAME"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"authflow:"`

	DatabaseURL string `env:"DATABASE_URL"`

	// SeedFile is an optional YAML file of clients and users created at
	// startup.
	SeedFile string `env:"SEED_FILE"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing signing secrets to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Issuer = strings.TrimRight(cfg.Issuer, "/")

	if cfg.StoreBackend == BackendBolt && cfg.BoltPath == "" {
		p, err := DefaultBoltPath()
		if err != nil {
			return nil, err
		}

		cfg.BoltPath = p
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("ISSUER is required")
	}

	u, err := url.Parse(c.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("ISSUER must be an absolute URL")
	}

	if u.Scheme != "https" && c.IsProduction() {
		return fmt.Errorf("ISSUER must use https in production")
	}

	if c.JWTSecret == "" && c.JWTKeys == "" && len(c.JWTKeyFiles) == 0 {
		return fmt.Errorf("one of JWT_SECRET, JWT_KEYS or JWT_KEY_FILES is required")
	}

	if c.JWTSecret != "" && len(c.JWTSecret) < keys.MinSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", keys.MinSecretLength)
	}

	for name, ttl := range map[string]time.Duration{
		"ACCESS_TOKEN_TTL":  c.AccessTokenTTL,
		"ID_TOKEN_TTL":      c.IDTokenTTL,
		"AUTHORIZATION_TTL": c.AuthorizationTTL,
		"SESSION_TTL":       c.SessionTTL,
	} {
		if ttl <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("BOLT_PATH is required when STORE_BACKEND=bolt")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when STORE_BACKEND=redis")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (want memory, bolt, redis or postgres)", c.StoreBackend)
	}

	return nil
}

// DefaultBoltPath returns ~/.authflow/authflow.db.
func DefaultBoltPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".authflow", "authflow.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// KeysConfig returns the key registry settings.
func (c *Config) KeysConfig() keys.Config {
	return keys.Config{
		Secret:       c.JWTSecret,
		KeySet:       c.JWTKeys,
		PEMFiles:     c.JWTKeyFiles,
		DefaultKeyID: c.JWTDefaultKeyID,
	}
}

// ValidMethods returns the verification algorithm allow-list.
func (c *Config) ValidMethods() []jose.SignatureAlgorithm {
	var out []jose.SignatureAlgorithm

	for _, m := range c.JWTValidMethods {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, jose.SignatureAlgorithm(m))
		}
	}

	return out
}
