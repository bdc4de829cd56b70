// Package config loads MetaGate configuration from a TOML file and
// METAGATE_* environment variables via Viper.
//
// There is no process-wide configuration singleton: Load returns a fresh
// *Config and callers pass it explicitly into the orchestrator and server
// constructors, so tests can run isolated instances with distinct values.
package config

import "time"

// Config is the root MetaGate configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
	Retention RetentionConfig `mapstructure:"retention"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// DatabaseConfig configures the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host  string `mapstructure:"host"`
	Port  int    `mapstructure:"port"`
	Debug bool   `mapstructure:"debug"` // debug also switches error responses to verbose detail
	JSON  bool   `mapstructure:"json_logs"`
}

// AuthConfig configures caller authentication.
type AuthConfig struct {
	JWTSecret    string `mapstructure:"jwt_secret"`
	JWTIssuer    string `mapstructure:"jwt_issuer"`     // empty = issuer not checked
	APIKeyHeader string `mapstructure:"api_key_header"` // default "X-API-Key"
}

// BootstrapConfig configures the bootstrap core.
type BootstrapConfig struct {
	DefaultSLASeconds int    `mapstructure:"default_sla_seconds"` // used when a profile carries no SLA
	DefaultTenant     string `mapstructure:"default_tenant"`
	DefaultDeployment string `mapstructure:"default_deployment"`
}

// DefaultSLA returns the configured default SLA as a duration.
func (c BootstrapConfig) DefaultSLA() time.Duration {
	return time.Duration(c.DefaultSLASeconds) * time.Second
}

// MirrorConfig configures best-effort receipt export to an external
// collector. Export failures never surface to callers.
type MirrorConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Endpoint       string `mapstructure:"endpoint"`
	AuthToken      string `mapstructure:"auth_token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	IntervalSecs   int    `mapstructure:"interval_seconds"` // outbox drain cadence
}

// Timeout returns the per-export HTTP budget.
func (c MirrorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Interval returns the outbox drain cadence.
func (c MirrorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// RetentionConfig configures the external cleanup collaborator. The core
// never reads this; only the cleanup command does.
type RetentionConfig struct {
	AttemptTTLHours int `mapstructure:"attempt_ttl_hours"`
}

// AttemptTTL returns the retention window for terminal attempts.
func (c RetentionConfig) AttemptTTL() time.Duration {
	return time.Duration(c.AttemptTTLHours) * time.Hour
}

// RateLimitConfig configures per-client request throttling.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
}
