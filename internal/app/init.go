package app

import (
	"fmt"
	"strings"

	"github.com/bnema/zerowrap"
	"github.com/spf13/viper"

	"dcrp/internal/usecase/config"
)

// initConfig builds the viper instance, reads the config file, and applies
// environment overrides with the DCRP prefix.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("proxy.admin_url", "http://localhost:2019")
	v.SetDefault("proxy.server", "srv0")
	v.SetDefault("proxy.timeout", "10s")
	v.SetDefault("proxy.retries", 3)
	v.SetDefault("discovery.debounce", "300ms")
	v.SetDefault("discovery.drift_interval", "1m")
	v.SetDefault("discovery.concurrency", 4)
	v.SetDefault("discovery.backoff_base", "1s")
	v.SetDefault("discovery.backoff_cap", "30s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("telemetry.enabled", false)

	ConfigureViper(v, configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("DCRP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// initLogger initializes the zerowrap logger.
func initLogger(cfg config.Config) (zerowrap.Logger, func(), error) {
	logConfig := zerowrap.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}

	if cfg.Logging.File != "" {
		log, cleanup, err := zerowrap.NewWithFile(logConfig, zerowrap.FileConfig{
			Enabled:  true,
			Path:     cfg.Logging.File,
			Compress: true,
		})
		if err != nil {
			return zerowrap.Default(), nil, fmt.Errorf("failed to create logger with file: %w", err)
		}
		return log, cleanup, nil
	}

	return zerowrap.New(logConfig), nil, nil
}
