// Package doctor checks a terminal's posguard setup without changing it.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/g960059/posguard/internal/api"
	"github.com/g960059/posguard/internal/config"
	"github.com/g960059/posguard/internal/model"
	"github.com/g960059/posguard/internal/security"
)

const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// HealthFunc asks the running daemon for its health view.
type HealthFunc func(ctx context.Context) (api.HealthResponse, error)

type Options struct {
	Config config.Config
	Health HealthFunc
}

type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type Result struct {
	OK       bool     `json:"ok"`
	Checks   []Check  `json:"checks"`
	Warnings []string `json:"warnings,omitempty"`
}

func Run(ctx context.Context, opts Options) Result {
	cfg := opts.Config
	out := Result{OK: true}
	add := func(c Check) {
		out.Checks = append(out.Checks, c)
		if c.Status == StatusWarn {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == StatusFail {
			out.OK = false
		}
	}

	add(checkConfig(cfg))
	add(checkIdentity(cfg))
	add(checkTimeZone(cfg))
	add(checkBackendURL(cfg))
	add(checkStateDB(cfg.DBPath))
	daemonCheck, health := checkDaemon(ctx, cfg.SocketPath, opts.Health)
	add(daemonCheck)
	if health != nil {
		add(checkBackendHealth(health.Backend))
	}
	return out
}

func checkConfig(cfg config.Config) Check {
	if err := cfg.Validate(); err != nil {
		return Check{Name: "config", Status: StatusFail, Message: err.Error()}
	}
	return Check{Name: "config", Status: StatusPass, Message: fmt.Sprintf("terminal %s", cfg.TerminalID)}
}

func checkIdentity(cfg config.Config) Check {
	if cfg.PointOfSaleID <= 0 || cfg.BranchID <= 0 {
		return Check{Name: "identity", Status: StatusWarn, Message: "point_of_sale_id and branch_id are not set; the backend will reject events and packages"}
	}
	return Check{Name: "identity", Status: StatusPass, Message: fmt.Sprintf("point of sale %d, branch %d", cfg.PointOfSaleID, cfg.BranchID)}
}

func checkTimeZone(cfg config.Config) Check {
	loc, err := cfg.Location()
	if err != nil {
		return Check{Name: "time_zone", Status: StatusFail, Message: err.Error()}
	}
	if strings.TrimSpace(cfg.TimeZone) == "" || strings.EqualFold(cfg.TimeZone, "local") {
		return Check{Name: "time_zone", Status: StatusWarn, Message: fmt.Sprintf("using host zone %s for range bounds", loc)}
	}
	return Check{Name: "time_zone", Status: StatusPass, Message: loc.String()}
}

func checkBackendURL(cfg config.Config) Check {
	shown := security.RedactURL(cfg.BackendURL)
	u, err := url.Parse(strings.TrimSpace(cfg.BackendURL))
	if err != nil || u.Host == "" {
		return Check{Name: "backend_url", Status: StatusFail, Message: fmt.Sprintf("invalid url %q", shown)}
	}
	switch u.Scheme {
	case "https":
	case "http":
		if cfg.BackendToken != "" && !loopback(u.Hostname()) {
			return Check{Name: "backend_url", Status: StatusWarn, Message: fmt.Sprintf("token is sent over plain http to %s", shown)}
		}
	default:
		return Check{Name: "backend_url", Status: StatusFail, Message: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	return Check{Name: "backend_url", Status: StatusPass, Message: shown}
}

func loopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func checkStateDB(path string) Check {
	info, err := os.Stat(path)
	if err == nil {
		if info.IsDir() {
			return Check{Name: "state_db", Status: StatusFail, Message: "path is a directory", Path: path}
		}
		return Check{Name: "state_db", Status: StatusPass, Message: "present", Path: path}
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Check{Name: "state_db", Status: StatusFail, Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	dir := filepath.Dir(path)
	if dirInfo, dirErr := os.Stat(dir); dirErr != nil || !dirInfo.IsDir() {
		return Check{Name: "state_db", Status: StatusWarn, Message: "not created yet; parent directory missing", Path: path}
	}
	return Check{Name: "state_db", Status: StatusWarn, Message: "not created yet; the daemon creates it on start", Path: path}
}

func checkDaemon(ctx context.Context, socketPath string, health HealthFunc) (Check, *api.HealthResponse) {
	if health == nil {
		return Check{Name: "daemon", Status: StatusWarn, Message: "not checked", Path: socketPath}, nil
	}
	resp, err := health(ctx)
	if err != nil {
		return Check{Name: "daemon", Status: StatusFail, Message: fmt.Sprintf("not reachable: %v", err), Path: socketPath}, nil
	}
	return Check{Name: "daemon", Status: StatusPass, Message: fmt.Sprintf("%s (stream %s)", resp.Status, resp.StreamID), Path: socketPath}, &resp
}

func checkBackendHealth(b *api.BackendHealth) Check {
	if b == nil || b.CheckedAt == nil {
		return Check{Name: "backend_health", Status: StatusWarn, Message: "no health probe has run yet"}
	}
	if model.HealthStatus(b.Last).Failed() {
		return Check{Name: "backend_health", Status: StatusWarn, Message: fmt.Sprintf("last probe %s, indicator %s", b.Last, b.Level)}
	}
	return Check{Name: "backend_health", Status: StatusPass, Message: fmt.Sprintf("last probe %s", b.Last)}
}
