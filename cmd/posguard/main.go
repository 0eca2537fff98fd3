package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/posguard/internal/cli"
	"github.com/g960059/posguard/internal/config"
)

func main() {
	cfg, err := config.Load(os.Getenv("POSGUARD_CONFIG"))
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "posguard: %v (using defaults)\n", err)
		cfg = config.DefaultConfig()
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r := cli.NewRunner(cfg.SocketPath, os.Stdout, os.Stderr).WithConfig(cfg)
	code := r.Run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}
