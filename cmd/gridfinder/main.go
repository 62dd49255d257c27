package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/gridfinder/internal/socketrpc"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/gridfinder/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("Gridfinder - Detection Grid Service\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	dataDir := filepath.Join(home, ".local", "share", "gridfinder")

	v := viper.New()
	v.SetEnvPrefix("GRIDFINDER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("service-url", defaultServiceURL)
	v.SetDefault("request-name", defaultRequestName)
	v.SetDefault("target", "")
	v.SetDefault("interval", defaultInterval)
	v.SetDefault("request-lifetime", defaultRequestLifetime)
	v.SetDefault("location-offset", defaultLocationOffset)
	v.SetDefault("grid-levels", defaultGridLevels)
	v.SetDefault("autostart", false)
	v.SetDefault("activity-buffer", defaultActivityBuffer)
	v.SetDefault("db-path", filepath.Join(dataDir, "gridfinder.duckdb"))
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("max-concurrent-queries", defaultMaxConcurrentReads)
	v.SetDefault("insert-batch-size", defaultInsertBatchSize)
	v.SetDefault("insert-flush-interval", defaultInsertFlushInterval)
	v.SetDefault("insert-flush-queue-size", defaultInsertFlushQueue)
	v.SetDefault("journal-enabled", true)
	v.SetDefault("journal-path", filepath.Join(dataDir, "detections.journal"))
	v.SetDefault("detection-retention", defaultDetectionRetention)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("socket-path", socketrpc.DefaultSocketPath())
	v.SetDefault("render-text", false)

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
	cfg.ConfigPath = v.ConfigFileUsed()
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}

	// Expand ~ in paths
	cfg.DBPath = expandHome(home, cfg.DBPath)
	cfg.JournalPath = expandHome(home, cfg.JournalPath)

	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(defaultBindHost, strconv.Itoa(cfg.APIPort))
	}

	return cfg, nil
}

func validateConfig(cfg appConfig) error {
	u, err := url.Parse(cfg.ServiceURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("invalid service-url %q: want ws:// or wss://", cfg.ServiceURL)
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("invalid interval: %v", cfg.Interval)
	}
	if cfg.RequestLifetime <= 0 {
		return fmt.Errorf("invalid request-lifetime: %v", cfg.RequestLifetime)
	}
	if cfg.GridLevels < 1 || cfg.GridLevels > maxGridLevels {
		return fmt.Errorf("invalid grid-levels: %d (want 1..%d)", cfg.GridLevels, maxGridLevels)
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	if cfg.Autostart && cfg.Target == "" {
		return errors.New("autostart requires a target")
	}
	if cfg.JournalEnabled && cfg.JournalPath == "" {
		return errors.New("journal-enabled requires journal-path")
	}
	return nil
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
