package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/metagate-io/metagate/errors"
)

// Load reads configuration from metagate.toml (working directory or
// /etc/metagate) with METAGATE_* environment overrides. A missing config
// file is not an error; defaults apply.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("metagate")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/metagate")

	bindEnv(v)
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	bindEnv(v)
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}

	return unmarshal(v)
}

// Default returns a Config with only default values applied. Useful for
// tests and for commands that need no file on disk.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := unmarshal(v)
	if err != nil {
		// Defaults always unmarshal into Config.
		panic(err)
	}
	return cfg
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("METAGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot safely run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("invalid server port: %d", c.Server.Port)
	}
	if c.Bootstrap.DefaultSLASeconds <= 0 {
		return errors.Newf("bootstrap.default_sla_seconds must be positive, got %d", c.Bootstrap.DefaultSLASeconds)
	}
	if c.Retention.AttemptTTLHours <= 0 {
		return errors.Newf("retention.attempt_ttl_hours must be positive, got %d", c.Retention.AttemptTTLHours)
	}
	if c.Mirror.Enabled && c.Mirror.Endpoint == "" {
		return errors.New("mirror.enabled requires mirror.endpoint")
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return errors.Newf("ratelimit.requests_per_minute must be positive, got %d", c.RateLimit.RequestsPerMinute)
	}
	return nil
}
