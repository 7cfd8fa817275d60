// Package config loads the trusted compute node's configuration: a
// Viper-backed loader that merges a base YAML file with an optional
// environment overlay and environment variables, with .env support for
// local overrides.
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a trusted compute node.
type Config struct {
	Transport struct {
		SocketPath string `mapstructure:"socket_path" json:"socket_path"`
	} `mapstructure:"transport" json:"transport"`

	Sealing struct {
		StoreDir string `mapstructure:"store_dir" json:"store_dir"`
	} `mapstructure:"sealing" json:"sealing"`

	Principal struct {
		Address string `mapstructure:"address" json:"address"`
	} `mapstructure:"principal" json:"principal"`

	VM struct {
		DefaultGasLimit uint64 `mapstructure:"default_gas_limit" json:"default_gas_limit"`
		MaxMemoryPages  uint32 `mapstructure:"max_memory_pages" json:"max_memory_pages"`
	} `mapstructure:"vm" json:"vm"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load.
var AppConfig Config

// Load reads cmd/config/default.yaml, merges an env-specific overlay when
// env is non-empty, applies environment variable overrides, and stores the
// result in AppConfig.
func Load(env string) (*Config, error) {
	// Best effort: a missing .env is not an error, it just means nothing to
	// load beyond the process environment.
	_ = godotenv.Load()

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	viper.SetEnvPrefix("TRUSTEDNODE")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &AppConfig, nil
}

func setDefaults() {
	viper.SetDefault("transport.socket_path", "/tmp/trustednode.sock")
	viper.SetDefault("sealing.store_dir", "./sealed")
	viper.SetDefault("vm.default_gas_limit", uint64(1_000_000))
	viper.SetDefault("vm.max_memory_pages", uint32(64))
	viper.SetDefault("logging.level", "info")
}
