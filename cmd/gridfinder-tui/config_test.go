package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinytelemetry/gridfinder/internal/model"
	"github.com/tinytelemetry/gridfinder/internal/socketrpc"
	"github.com/tinytelemetry/gridfinder/internal/tui"
)

var _ tui.Backend = (*socketrpc.Client)(nil)

func TestLoadCLIConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadCLIConfig("")
	if err != nil {
		t.Fatalf("loadCLIConfig: %v", err)
	}
	if cfg.UpdateInterval != model.DefaultUpdateInterval || cfg.Interval != model.DefaultRequestInterval {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.SocketPath == "" {
		t.Error("socket path should have a default")
	}

	path := filepath.Join(t.TempDir(), "config.yml")
	body := "update-interval: 500ms\ninterval: 4s\nskin: contrast\nsocket-path: /tmp/gf-test.sock\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = loadCLIConfig(path)
	if err != nil {
		t.Fatalf("loadCLIConfig(file): %v", err)
	}
	want := cliConfig{UpdateInterval: 500 * time.Millisecond, Interval: 4 * time.Second, Skin: "contrast", SocketPath: "/tmp/gf-test.sock"}
	if cfg != want {
		t.Errorf("cfg = %+v, want %+v", cfg, want)
	}

	t.Setenv("GRIDFINDER_UPDATE_INTERVAL", "0s")
	if _, err := loadCLIConfig(path); err == nil {
		t.Error("expected error for zero update-interval")
	}
}
