package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/gridfinder/internal/model"
	"github.com/tinytelemetry/gridfinder/internal/socketrpc"
)

const (
	defaultUpdateInterval = model.DefaultUpdateInterval
	defaultInterval       = model.DefaultRequestInterval
	defaultSkin           = model.DefaultSkin
)

// cliConfig holds only TUI-relevant configuration. It reads the same file
// as the service so interval and socket-path agree.
type cliConfig struct {
	UpdateInterval time.Duration `mapstructure:"update-interval"`
	Interval       time.Duration `mapstructure:"interval"`
	Skin           string        `mapstructure:"skin"`
	SocketPath     string        `mapstructure:"socket-path"`
}

func loadCLIConfig(configPath string) (cliConfig, error) {
	var cfg cliConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("GRIDFINDER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("update-interval", defaultUpdateInterval)
	v.SetDefault("interval", defaultInterval)
	v.SetDefault("skin", defaultSkin)
	v.SetDefault("socket-path", socketrpc.DefaultSocketPath())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "gridfinder", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if cfg.UpdateInterval <= 0 {
		return cfg, fmt.Errorf("invalid update-interval: %v", cfg.UpdateInterval)
	}
	if cfg.Interval <= 0 {
		return cfg, fmt.Errorf("invalid interval: %v", cfg.Interval)
	}

	return cfg, nil
}
