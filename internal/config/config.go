// Package config loads corewf's process configuration from flags, an
// optional YAML file, and the environment, grounded on the pack's
// viper.BindPFlags + cobra.OnInitialize wiring for CLI config loading.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is everything a workflowctl process needs to stand up a Registry:
// where events are persisted, which LLM providers are reachable, and how
// many workers each run's Scheduler gets.
type Config struct {
	LogLevel string `mapstructure:"log-level"`

	Store struct {
		Driver string `mapstructure:"driver"` // "memory", "sqlite", or "mysql"
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	Workers int `mapstructure:"workers"`

	Providers struct {
		Anthropic ProviderConfig `mapstructure:"anthropic"`
		OpenAI    ProviderConfig `mapstructure:"openai"`
		Google    ProviderConfig `mapstructure:"google"`
	} `mapstructure:"providers"`
}

// ProviderConfig is the per-collaborator credential and model override.
type ProviderConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// BindFlags registers the persistent flags workflowctl exposes and binds
// each one into v, mirroring the pack's addGlobalFlags/viper.BindPFlags
// split between flag definition and flag-to-viper wiring.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.String("config", "", "path to a YAML config file")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("store-driver", "memory", "event store driver (memory, sqlite, mysql)")
	flags.String("store-dsn", "", "event store DSN (sqlite path or mysql DSN; ignored for memory)")
	flags.Int("workers", 4, "default worker pool size per run")

	for _, name := range []string{"log-level", "store-driver", "store-dsn", "workers"} {
		_ = v.BindPFlag(strings.TrimPrefix(name, "store-"), flags.Lookup(name))
	}
	_ = v.BindPFlag("log-level", flags.Lookup("log-level"))
	_ = v.BindPFlag("store.driver", flags.Lookup("store-driver"))
	_ = v.BindPFlag("store.dsn", flags.Lookup("store-dsn"))
	_ = v.BindPFlag("workers", flags.Lookup("workers"))
}

// Load reads configFile (if non-empty), layers in environment variables
// prefixed COREWF_ (e.g. COREWF_PROVIDERS_ANTHROPIC_API_KEY), and unmarshals
// the result into a Config. Flag values bound via BindFlags take precedence
// over the file, which takes precedence over defaults; env vars bound by
// AutomaticEnv slot in between flags and the file per viper's own
// precedence rules.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	v.SetEnvPrefix("corewf")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log-level", "info")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("workers", 4)
	v.SetDefault("providers.anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("providers.anthropic.api_key", "")
	v.SetDefault("providers.openai.model", "gpt-4o")
	v.SetDefault("providers.openai.api_key", "")
	v.SetDefault("providers.google.model", "gemini-2.5-flash")
	v.SetDefault("providers.google.api_key", "")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// log-level/store-driver/store-dsn/workers land as top-level keys when
	// bound via BindFlags against flat flag names; fold them into the
	// nested shape Unmarshal expects from a config file.
	if cfg.LogLevel == "" {
		cfg.LogLevel = v.GetString("log-level")
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = v.GetString("store.driver")
	}
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = v.GetString("store.dsn")
	}
	if cfg.Workers == 0 {
		cfg.Workers = v.GetInt("workers")
	}
	return &cfg, nil
}
