// Package config prepares the process-wide Viper instance used by the CLI.
// It decides where the configuration file comes from; decoding and
// validation live in internal/config.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Search paths used when no explicit file is given.
var searchPaths = []string{
	".",
	"/etc/decaptcha-crawler/",
	"$HOME/.decaptcha-crawler",
}

// InitConfig points the global Viper at cfgFile, or at the first
// "config.{yaml,json,toml}" found on the search paths, and reads it. A missing
// file is not an error: defaults and environment variables still apply.
func InitConfig(cfgFile string, logger *zap.Logger) error {
	return initViper(viper.GetViper(), cfgFile, logger)
}

func initViper(v *viper.Viper, cfgFile string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		for _, path := range searchPaths {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			logger.Warn("Config file not found; using defaults and environment variables.")
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	logger.Info("Using config file", zap.String("path", v.ConfigFileUsed()))
	return nil
}
