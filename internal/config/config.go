// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Backend       BackendConfig       `yaml:"backend"`
	Access        AccessConfig        `yaml:"access"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Query         QueryConfig         `yaml:"query"`
	Console       ConsoleConfig       `yaml:"console"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	ExposedHeaders   []string `yaml:"exposed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`

	// ClockSkew is the leeway allowed on exp, nbf and iat.
	ClockSkew time.Duration `yaml:"clock_skew"`
}

// BackendConfig describes the rules REST backend.
type BackendConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	MaxBodyBytes   int64                `yaml:"max_body_bytes"`
	SpecFile       string               `yaml:"spec_file"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes the backend circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// AccessConfig describes where user access rights come from.
type AccessConfig struct {
	Source     string      `yaml:"source"`
	PolicyFile string      `yaml:"policy_file"`
	Cache      CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// MetadataConfig describes field metadata caching.
type MetadataConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
}

// QueryConfig describes table query defaults.
type QueryConfig struct {
	DefaultPageSize  int    `yaml:"default_page_size"`
	PageSizeOptions  []int  `yaml:"page_size_options"`
	DefaultSortField string `yaml:"default_sort_field"`
}

// ConsoleConfig describes per-user console session settings.
type ConsoleConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// IdempotencyConfig describes duplicate submission protection.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// AuditConfig describes the mutation audit log.
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // json or console
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				ExposedHeaders: []string{"Content-Disposition", "X-Correlation-Id"},
				MaxAge:         3600,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			ClockSkew:    30 * time.Second,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"role":       "role",
			},
		},
		Backend: BackendConfig{
			BaseURL:      "http://localhost:8081/api",
			Timeout:      15 * time.Second,
			MaxBodyBytes: 10 << 20,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Access: AccessConfig{
			Source: "backend",
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Metadata: MetadataConfig{
			StaleAfter: 5 * time.Minute,
		},
		Query: QueryConfig{
			DefaultPageSize:  25,
			PageSizeOptions:  []int{25, 50, 100},
			DefaultSortField: "sequenceNumber",
		},
		Console: ConsoleConfig{
			IdleTTL:       30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Driver: "memory",
			TTL:    10 * time.Second,
		},
		Audit: AuditConfig{
			Driver:          "memory",
			MaxOpenConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server.port must be between 1 and 65535"))
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, errors.New("identity.issuer is required"))
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, errors.New("identity.jwks_url is required"))
	}
	if c.Identity.Audience == "" {
		errs = append(errs, errors.New("identity.audience is required"))
	}
	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	switch c.Access.Source {
	case "backend":
	case "static":
		if c.Access.PolicyFile == "" {
			errs = append(errs, errors.New("access.policy_file is required when access.source is static"))
		}
	default:
		errs = append(errs, fmt.Errorf("access.source %q must be backend or static", c.Access.Source))
	}
	if len(c.Query.PageSizeOptions) == 0 {
		errs = append(errs, errors.New("query.page_size_options must not be empty"))
	} else if !slices.Contains(c.Query.PageSizeOptions, c.Query.DefaultPageSize) {
		errs = append(errs, errors.New("query.default_page_size must be one of query.page_size_options"))
	}
	if c.Query.DefaultSortField == "" {
		errs = append(errs, errors.New("query.default_sort_field is required"))
	}
	if c.Idempotency.Enabled && c.Idempotency.Driver != "memory" && c.Idempotency.Driver != "redis" {
		errs = append(errs, fmt.Errorf("idempotency.driver %q must be memory or redis", c.Idempotency.Driver))
	}
	if c.Audit.Enabled && c.Audit.Driver != "memory" && c.Audit.Driver != "postgres" {
		errs = append(errs, fmt.Errorf("audit.driver %q must be memory or postgres", c.Audit.Driver))
	}
	switch c.Observability.LogFormat {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("observability.log_format %q must be json or console", c.Observability.LogFormat))
	}

	return errors.Join(errs...)
}

// applyEnvOverrides reads RULESCONSOLE_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RULESCONSOLE_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RULESCONSOLE_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("RULESCONSOLE_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("RULESCONSOLE_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("RULESCONSOLE_BACKEND_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("RULESCONSOLE_ACCESS_SOURCE"); v != "" {
		cfg.Access.Source = v
	}
	if v := os.Getenv("RULESCONSOLE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("RULESCONSOLE_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
