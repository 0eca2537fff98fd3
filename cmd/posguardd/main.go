package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/g960059/posguard/internal/backend"
	"github.com/g960059/posguard/internal/bus"
	"github.com/g960059/posguard/internal/config"
	"github.com/g960059/posguard/internal/contingency"
	"github.com/g960059/posguard/internal/daemon"
	"github.com/g960059/posguard/internal/db"
	"github.com/g960059/posguard/internal/scheduler"
	"github.com/g960059/posguard/internal/security"
	"github.com/g960059/posguard/internal/statestore"
)

type flagOverrides struct {
	configPath string
	socket     string
	dbPath     string
	terminal   string
	logLevel   string
}

func main() {
	var flags flagOverrides
	flag.StringVar(&flags.configPath, "config", os.Getenv("POSGUARD_CONFIG"), "YAML config file")
	flag.StringVar(&flags.socket, "socket", "", "UDS path for posguardd")
	flag.StringVar(&flags.dbPath, "db", "", "SQLite path")
	flag.StringVar(&flags.terminal, "terminal", "", "terminal id")
	flag.StringVar(&flags.logLevel, "log-level", "", "debug|info|warn|error")
	flag.Parse()

	cfg, err := loadConfig(flags)
	if err != nil {
		fatal(err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func loadConfig(flags flagOverrides) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if flags.socket != "" {
		cfg.SocketPath = flags.socket
	}
	if flags.dbPath != "" {
		cfg.DBPath = flags.dbPath
	}
	if flags.terminal != "" {
		cfg.TerminalID = flags.terminal
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	records, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer records.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, records.DB()); err != nil {
		return err
	}

	events := bus.New(logger)
	if cfg.RedisAddr != "" {
		relay := bus.NewRedisRelay(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}), cfg.RedisChannel, events, logger)
		relay.Attach()
		defer relay.Close() //nolint:errcheck
		go func() {
			if err := relay.Run(ctx); err != nil {
				logErr("redis relay", err)
			}
		}()
	}

	store := statestore.New(records, cfg.TerminalID, events, statestore.WithLogger(logger))
	watcher := bus.NewStoreWatcher(store.Revision, events, logger)
	defer watcher.Close()

	sched := scheduler.New(ctx, logger)
	defer sched.Close()

	offers := daemon.NewOfferBox(nil, logger)
	coord, err := contingency.New(contingency.Options{
		Config:    cfg,
		Store:     store,
		Records:   records,
		Backend:   backend.New(cfg.BackendURL, cfg.BackendToken, cfg.RequestTimeout),
		Scheduler: sched,
		Watcher:   watcher,
		Prompter:  offers,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer coord.Close()
	if err := coord.Mount(ctx); err != nil {
		return fmt.Errorf("mount coordinator: %w", err)
	}

	logger.Info("posguardd starting",
		"terminal_id", cfg.TerminalID,
		"point_of_sale_id", cfg.PointOfSaleID,
		"branch_id", cfg.BranchID,
		"backend", security.RedactURL(cfg.BackendURL),
		"redis", cfg.RedisAddr != "",
	)
	return daemon.NewServer(cfg, coord, offers, logger).Start(ctx)
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "posguardd: %s: %v\n", scope, err)
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "posguardd: %v\n", err)
	os.Exit(1)
}
