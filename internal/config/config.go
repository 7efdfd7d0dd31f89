// Package config loads server configuration from an optional YAML file with
// ATP_* environment overrides. Secrets never live in the file; they come
// from the environment and are validated at startup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MinSecretLen is the floor for signing secrets.
const MinSecretLen = 32

// Config is the full server configuration.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Session       SessionConfig       `mapstructure:"session"`
	Execution     ExecutionConfig     `mapstructure:"execution"`
	Providers     ProvidersConfig     `mapstructure:"providers"`
	Provenance    ProvenanceConfig    `mapstructure:"provenance"`
	Tools         ToolsConfig         `mapstructure:"tools"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	// PoliciesFile points at the YAML security-policy definitions.
	PoliciesFile string `mapstructure:"policiesFile"`
}

type ServerConfig struct {
	Host               string   `mapstructure:"host"`
	Port               int      `mapstructure:"port"`
	CORSOrigins        []string `mapstructure:"corsOrigins"`
	RateLimitPerMinute int      `mapstructure:"rateLimitPerMinute"`
	ShutdownTimeoutMs  int      `mapstructure:"shutdownTimeoutMs"`
}

type SessionConfig struct {
	// JWTSecret comes from ATP_JWT_SECRET, never the file.
	JWTSecret       string `mapstructure:"-"`
	TokenTTLMs      int    `mapstructure:"tokenTTLms"`
	RotationGraceMs int    `mapstructure:"rotationGraceMs"`
}

type ExecutionConfig struct {
	TimeoutMs      int    `mapstructure:"timeoutMs"`
	MaxTimeoutMs   int    `mapstructure:"maxTimeoutMs"`
	MemoryBytes    int64  `mapstructure:"memoryBytes"`
	LLMCalls       int    `mapstructure:"llmCalls"`
	ProvenanceMode string `mapstructure:"provenanceMode"`
}

type ProvidersConfig struct {
	// Cache selects the backend: memory, file or redis.
	Cache string      `mapstructure:"cache"`
	File  FileConfig  `mapstructure:"file"`
	Redis RedisConfig `mapstructure:"redis"`
}

type FileConfig struct {
	Dir string `mapstructure:"dir"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"-"` // ATP_REDIS_PASSWORD
	DB       int    `mapstructure:"db"`
}

type ProvenanceConfig struct {
	// Secret comes from PROVENANCE_SECRET (or ATP_PROVENANCE_SECRET).
	Secret     string `mapstructure:"-"`
	MaxTokens  int    `mapstructure:"maxTokens"`
	TokenTTLMs int    `mapstructure:"tokenTTLms"`
}

type ToolsConfig struct {
	FetchTimeoutMs    int  `mapstructure:"fetchTimeoutMs"`
	MaxContentBytes   int64 `mapstructure:"maxContentBytes"`
	AllowPrivateHosts bool `mapstructure:"allowPrivateHosts"`
}

type ObservabilityConfig struct {
	LogLevel     string `mapstructure:"logLevel"`
	LogFormat    string `mapstructure:"logFormat"` // text or json
	Metrics      bool   `mapstructure:"metrics"`
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
}

// Load reads path (optional; empty skips the file), applies ATP_* env
// overrides, fills defaults and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ATP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The provenance secret is read from the unprefixed PROVENANCE_SECRET;
	// the ATP_-prefixed form is accepted as an alias.
	_ = v.BindEnv("provenance_secret", "PROVENANCE_SECRET", "ATP_PROVENANCE_SECRET")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Session.JWTSecret = v.GetString("jwt_secret")
	cfg.Provenance.Secret = v.GetString("provenance_secret")
	cfg.Providers.Redis.Password = v.GetString("redis_password")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.rateLimitPerMinute", 120)
	v.SetDefault("server.shutdownTimeoutMs", 10_000)
	v.SetDefault("session.tokenTTLms", int(24*time.Hour/time.Millisecond))
	v.SetDefault("session.rotationGraceMs", 30_000)
	v.SetDefault("execution.timeoutMs", 30_000)
	v.SetDefault("execution.maxTimeoutMs", 300_000)
	v.SetDefault("execution.memoryBytes", 64<<20)
	v.SetDefault("execution.llmCalls", 20)
	v.SetDefault("execution.provenanceMode", "proxy")
	v.SetDefault("providers.cache", "memory")
	v.SetDefault("providers.file.dir", "./data/cache")
	v.SetDefault("providers.redis.addr", "localhost:6379")
	v.SetDefault("provenance.maxTokens", 5000)
	v.SetDefault("provenance.tokenTTLms", int(time.Hour/time.Millisecond))
	v.SetDefault("tools.fetchTimeoutMs", 30_000)
	v.SetDefault("tools.maxContentBytes", 2<<20)
	v.SetDefault("observability.logLevel", "info")
	v.SetDefault("observability.logFormat", "text")
	v.SetDefault("observability.metrics", true)
}

// Validate enforces the startup invariants. A missing or short secret is
// fatal; a misconfigured server must not come up half-secured.
func (c *Config) Validate() error {
	if len(c.Session.JWTSecret) < MinSecretLen {
		return fmt.Errorf("ATP_JWT_SECRET must be at least %d bytes", MinSecretLen)
	}
	if len(c.Provenance.Secret) < MinSecretLen && c.Execution.ProvenanceMode != "none" {
		return fmt.Errorf("PROVENANCE_SECRET must be at least %d bytes when provenance is enabled", MinSecretLen)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Providers.Cache {
	case "memory", "file", "redis":
	default:
		return fmt.Errorf("providers.cache must be memory, file or redis, got %q", c.Providers.Cache)
	}
	switch c.Execution.ProvenanceMode {
	case "none", "proxy", "ast":
	default:
		return fmt.Errorf("execution.provenanceMode must be none, proxy or ast, got %q", c.Execution.ProvenanceMode)
	}
	if c.Execution.TimeoutMs <= 0 || c.Execution.TimeoutMs > c.Execution.MaxTimeoutMs {
		return fmt.Errorf("execution.timeoutMs %d must be positive and at most %d", c.Execution.TimeoutMs, c.Execution.MaxTimeoutMs)
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
