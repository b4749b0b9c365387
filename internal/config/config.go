// Package config loads service configuration from file, environment, and
// defaults via viper. Environment variables use the CONVEYR_ prefix with
// underscores, e.g. CONVEYR_DATABASE_DSN.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "CONVEYR"

// Config is the full service configuration.
type Config struct {
	Database struct {
		// DSN is the Postgres connection string. Empty selects the
		// in-memory store (tests and local development only).
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Server struct {
		ListenAddr string `mapstructure:"listen_addr"`
		// CronSecret guards the cron tick endpoint when set.
		CronSecret string `mapstructure:"cron_secret"`
	} `mapstructure:"server"`

	Queue struct {
		Concurrency  int           `mapstructure:"concurrency"`
		RateLimit    float64       `mapstructure:"rate_limit"`
		PollInterval time.Duration `mapstructure:"poll_interval"`
	} `mapstructure:"queue"`

	Log struct {
		Level  string `mapstructure:"level"`  // debug, info, warn, error
		Format string `mapstructure:"format"` // json or text
	} `mapstructure:"log"`

	Actions struct {
		StepTimeout time.Duration `mapstructure:"step_timeout"`

		Email struct {
			ProviderURL string `mapstructure:"provider_url"`
			APIKey      string `mapstructure:"api_key"`
			FromAddress string `mapstructure:"from_address"`
		} `mapstructure:"email"`

		Integration struct {
			GatewayURL string `mapstructure:"gateway_url"`
			APIKey     string `mapstructure:"api_key"`
		} `mapstructure:"integration"`

		AITool struct {
			ServerURL string `mapstructure:"server_url"`
		} `mapstructure:"ai_tool"`
	} `mapstructure:"actions"`
}

// Load reads configuration from the given file (optional), the environment,
// and built-in defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("conveyr")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/conveyr")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file is fine; environment and defaults apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.dsn", "")

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.cron_secret", "")

	v.SetDefault("queue.concurrency", 5)
	v.SetDefault("queue.rate_limit", 10.0)
	v.SetDefault("queue.poll_interval", time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Zero leaves step execution unbounded; actions enforce their own
	// timeouts. Set to bound runaway actions engine-side.
	v.SetDefault("actions.step_timeout", time.Duration(0))
	v.SetDefault("actions.email.provider_url", "")
	v.SetDefault("actions.email.api_key", "")
	v.SetDefault("actions.email.from_address", "")
	v.SetDefault("actions.integration.gateway_url", "")
	v.SetDefault("actions.integration.api_key", "")
	v.SetDefault("actions.ai_tool.server_url", "")
}
