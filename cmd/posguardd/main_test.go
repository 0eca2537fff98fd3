package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/posguard/internal/api"
	"github.com/g960059/posguard/internal/appclient"
	"github.com/g960059/posguard/internal/config"
	"github.com/g960059/posguard/internal/testutil"
)

func TestLoadConfigAppliesFlagOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "posguard.yaml")
	raw := "terminal_id: caja-1\ntime_zone: America/La_Paz\nhealth_poll_interval: 30s\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfig(flagOverrides{configPath: path, socket: "/tmp/pg.sock", terminal: "caja-2", logLevel: "debug"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.TerminalID != "caja-2" || cfg.SocketPath != "/tmp/pg.sock" || cfg.LogLevel != "debug" {
		t.Fatalf("flags must win over the file: %+v", cfg)
	}
	if cfg.TimeZone != "America/La_Paz" || cfg.HealthPollInterval != 30*time.Second {
		t.Fatalf("file values lost: %+v", cfg)
	}

	if _, err := loadConfig(flagOverrides{configPath: filepath.Join(dir, "missing.yaml")}); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestNewLoggerLevel(t *testing.T) {
	ctx := context.Background()
	if !newLogger("debug").Enabled(ctx, slog.LevelDebug) {
		t.Fatalf("debug level must enable debug records")
	}
	if newLogger("bogus").Enabled(ctx, slog.LevelDebug) {
		t.Fatalf("unknown level must fall back to info")
	}
}

func TestRunServesLocalAPI(t *testing.T) {
	fake := testutil.NewFakeBackend(t)
	dir, err := os.MkdirTemp("", "pgm")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(dir, "posguardd.sock")
	cfg.DBPath = filepath.Join(dir, "state.db")
	cfg.BackendURL = fake.URL
	cfg.TerminalID = "t1"
	cfg.TimeZone = "UTC"
	cfg.HealthPollInterval = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil))) }()

	client := appclient.New(cfg.SocketPath)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := client.Health(ctx); err == nil {
			break
		}
		select {
		case err := <-errCh:
			t.Fatalf("daemon exited early: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon did not come up")
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, err := client.Activate(ctx, api.ActivateRequest{RequestRef: "boot-1", ClassifierCode: 1})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if resp.State.EventID != 77 || !resp.State.Active {
		t.Fatalf("unexpected activation: %+v", resp.State)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("daemon did not stop")
	}
	if _, err := os.Stat(cfg.SocketPath); !os.IsNotExist(err) {
		t.Fatalf("socket must be removed on shutdown, stat err=%v", err)
	}
}
