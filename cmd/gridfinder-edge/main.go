// Command gridfinder-edge emulates the detection service so the grid can be
// driven without cameras.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/gridfinder/internal/edge"
	"github.com/tinytelemetry/gridfinder/internal/model"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

const defaultEdgeAddr = "127.0.0.1:9696"

type edgeConfig struct {
	Addr           string `mapstructure:"edge-addr"`
	Scenario       string `mapstructure:"edge-scenario"`
	Seed           uint64 `mapstructure:"edge-seed"`
	GridLevels     int    `mapstructure:"grid-levels"`
	LocationOffset int64  `mapstructure:"location-offset"`
}

func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/gridfinder/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.String("addr", defaultEdgeAddr, "listen address")
	flag.String("scenario", "", "YAML scenario file (default: one random camera per cell)")
	flag.Uint64("seed", 0, "random seed, 0 seeds from the clock")
	flag.Int("levels", model.DefaultGridLevels, "grid levels for the default scenario")
	flag.Int64("offset", model.DefaultLocationOffset, "location offset for the default scenario")
	flag.Parse()

	if showVersion {
		fmt.Printf("Gridfinder Edge - Detection Service Emulator\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(configPath, flag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers explicitly set flags over env and the shared config file.
func loadConfig(configPath string, fs *flag.FlagSet) (edgeConfig, error) {
	var cfg edgeConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("GRIDFINDER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("edge-addr", defaultEdgeAddr)
	v.SetDefault("edge-scenario", "")
	v.SetDefault("edge-seed", 0)
	v.SetDefault("grid-levels", model.DefaultGridLevels)
	v.SetDefault("location-offset", model.DefaultLocationOffset)

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

	flagKeys := map[string]string{
		"addr":     "edge-addr",
		"scenario": "edge-scenario",
		"seed":     "edge-seed",
		"levels":   "grid-levels",
		"offset":   "location-offset",
	}
	fs.Visit(func(f *flag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			v.Set(key, f.Value.String())
		}
	})

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if strings.HasPrefix(cfg.Scenario, "~/") {
		cfg.Scenario = filepath.Join(home, cfg.Scenario[2:])
	}
	return cfg, nil
}

func run(cfg edgeConfig) error {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		sc  edge.Scenario
		err error
	)
	if cfg.Scenario != "" {
		sc, err = edge.LoadScenario(cfg.Scenario)
	} else {
		sc, err = edge.DefaultScenario(cfg.GridLevels, cfg.LocationOffset)
	}
	if err != nil {
		return err
	}

	srv, err := edge.NewServer(sc, edge.Options{Seed: cfg.Seed})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("edge: serving %d cameras on ws://%s/", len(sc.Cameras), ln.Addr())
	start := time.Now()
	err = edge.Serve(ctx, ln, srv)

	st := srv.Stats()
	log.Printf("edge: stopped after %s: %d requests, %d answered, %d unanswered, %d records",
		time.Since(start).Round(time.Second), st.Requests, st.Responses, st.Unanswered, st.Records)
	return err
}
