package config

import "github.com/spf13/viper"

// SetDefaults registers default values on the given Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "metagate.db")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.debug", false)
	v.SetDefault("server.json_logs", false)

	v.SetDefault("auth.jwt_secret", "change-me-in-production")
	v.SetDefault("auth.jwt_issuer", "")
	v.SetDefault("auth.api_key_header", "X-API-Key")

	v.SetDefault("bootstrap.default_sla_seconds", 120)
	v.SetDefault("bootstrap.default_tenant", "default")
	v.SetDefault("bootstrap.default_deployment", "default")

	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.endpoint", "")
	v.SetDefault("mirror.auth_token", "")
	v.SetDefault("mirror.timeout_seconds", 10)
	v.SetDefault("mirror.interval_seconds", 15)

	v.SetDefault("retention.attempt_ttl_hours", 72)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requests_per_minute", 100)
}
