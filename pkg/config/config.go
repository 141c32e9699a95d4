// Package config provides a reusable loader for teapotnetd configuration
// files and environment variables, mirroring the shape of core.Config.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"teapotnet/core"
	"teapotnet/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig core.Config

// Load reads configuration files (default.yaml, optionally merged with
// <env>.yaml) plus any TEAPOTNET_-prefixed environment variable override,
// into AppConfig (§6's operator-tunable knobs).
func Load(env string) (*core.Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/teapotnetd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("teapotnet")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	AppConfig.ApplyDefaults()
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the TEAPOTNET_ENV environment
// variable to select which override file to merge.
func LoadFromEnv() (*core.Config, error) {
	return Load(utils.EnvOrDefault("TEAPOTNET_ENV", ""))
}
