package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "POSGUARD_"

type Config struct {
	SocketPath         string        `yaml:"socket_path"`
	DBPath             string        `yaml:"db_path"`
	TerminalID         string        `yaml:"terminal_id"`
	PointOfSaleID      int64         `yaml:"point_of_sale_id"`
	BranchID           int64         `yaml:"branch_id"`
	BackendURL         string        `yaml:"backend_url"`
	BackendToken       string        `yaml:"backend_token"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	HealthPollInterval time.Duration `yaml:"health_poll_interval"`
	HealthInitialDelay time.Duration `yaml:"health_initial_delay"`
	CountdownTick      time.Duration `yaml:"countdown_tick"`
	OpenEndedWindow    time.Duration `yaml:"open_ended_window"`
	InstantReasonMax   int           `yaml:"instant_reason_max"`
	RangeSuccessMarker string        `yaml:"range_success_marker"`
	TimeZone           string        `yaml:"time_zone"`
	StoreWatchInterval time.Duration `yaml:"store_watch_interval"`
	RedisAddr          string        `yaml:"redis_addr"`
	RedisPassword      string        `yaml:"redis_password"`
	RedisDB            int           `yaml:"redis_db"`
	RedisChannel       string        `yaml:"redis_channel"`
	MutationRate       float64       `yaml:"mutation_rate"`
	MutationBurst      int           `yaml:"mutation_burst"`
	DownFailures       int           `yaml:"down_failures"`
	RecoverSuccesses   int           `yaml:"recover_successes"`
	LogLevel           string        `yaml:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:         defaultSocketPath(),
		DBPath:             defaultDBPath(),
		TerminalID:         "default",
		BackendURL:         "http://127.0.0.1:8080",
		RequestTimeout:     10 * time.Second,
		HealthPollInterval: 5 * time.Minute,
		HealthInitialDelay: 5 * time.Second,
		CountdownTick:      1 * time.Second,
		OpenEndedWindow:    2 * time.Hour,
		InstantReasonMax:   4,
		RangeSuccessMarker: "registrado",
		TimeZone:           "Local",
		StoreWatchInterval: 2 * time.Second,
		RedisChannel:       "posguard:contingency",
		MutationRate:       2,
		MutationBurst:      4,
		DownFailures:       2,
		RecoverSuccesses:   2,
		LogLevel:           "info",
	}
}

// Load builds the effective configuration: defaults, then the optional YAML
// file, then .env and process environment.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	_ = godotenv.Load()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}
	return file.apply(c)
}

// fileConfig mirrors Config with string durations so that YAML files can use
// "5m" style values.
type fileConfig struct {
	SocketPath         *string  `yaml:"socket_path"`
	DBPath             *string  `yaml:"db_path"`
	TerminalID         *string  `yaml:"terminal_id"`
	PointOfSaleID      *int64   `yaml:"point_of_sale_id"`
	BranchID           *int64   `yaml:"branch_id"`
	BackendURL         *string  `yaml:"backend_url"`
	BackendToken       *string  `yaml:"backend_token"`
	RequestTimeout     *string  `yaml:"request_timeout"`
	HealthPollInterval *string  `yaml:"health_poll_interval"`
	HealthInitialDelay *string  `yaml:"health_initial_delay"`
	CountdownTick      *string  `yaml:"countdown_tick"`
	OpenEndedWindow    *string  `yaml:"open_ended_window"`
	InstantReasonMax   *int     `yaml:"instant_reason_max"`
	RangeSuccessMarker *string  `yaml:"range_success_marker"`
	TimeZone           *string  `yaml:"time_zone"`
	StoreWatchInterval *string  `yaml:"store_watch_interval"`
	RedisAddr          *string  `yaml:"redis_addr"`
	RedisPassword      *string  `yaml:"redis_password"`
	RedisDB            *int     `yaml:"redis_db"`
	RedisChannel       *string  `yaml:"redis_channel"`
	MutationRate       *float64 `yaml:"mutation_rate"`
	MutationBurst      *int     `yaml:"mutation_burst"`
	DownFailures       *int     `yaml:"down_failures"`
	RecoverSuccesses   *int     `yaml:"recover_successes"`
	LogLevel           *string  `yaml:"log_level"`
}

func (f fileConfig) apply(c *Config) error {
	setString(&c.SocketPath, f.SocketPath)
	setString(&c.DBPath, f.DBPath)
	setString(&c.TerminalID, f.TerminalID)
	setString(&c.BackendURL, f.BackendURL)
	setString(&c.BackendToken, f.BackendToken)
	setString(&c.RangeSuccessMarker, f.RangeSuccessMarker)
	setString(&c.TimeZone, f.TimeZone)
	setString(&c.RedisAddr, f.RedisAddr)
	setString(&c.RedisPassword, f.RedisPassword)
	setString(&c.RedisChannel, f.RedisChannel)
	setString(&c.LogLevel, f.LogLevel)
	if f.PointOfSaleID != nil {
		c.PointOfSaleID = *f.PointOfSaleID
	}
	if f.BranchID != nil {
		c.BranchID = *f.BranchID
	}
	if f.InstantReasonMax != nil {
		c.InstantReasonMax = *f.InstantReasonMax
	}
	if f.RedisDB != nil {
		c.RedisDB = *f.RedisDB
	}
	if f.MutationRate != nil {
		c.MutationRate = *f.MutationRate
	}
	if f.MutationBurst != nil {
		c.MutationBurst = *f.MutationBurst
	}
	if f.DownFailures != nil {
		c.DownFailures = *f.DownFailures
	}
	if f.RecoverSuccesses != nil {
		c.RecoverSuccesses = *f.RecoverSuccesses
	}
	durations := []struct {
		name string
		raw  *string
		dst  *time.Duration
	}{
		{"request_timeout", f.RequestTimeout, &c.RequestTimeout},
		{"health_poll_interval", f.HealthPollInterval, &c.HealthPollInterval},
		{"health_initial_delay", f.HealthInitialDelay, &c.HealthInitialDelay},
		{"countdown_tick", f.CountdownTick, &c.CountdownTick},
		{"open_ended_window", f.OpenEndedWindow, &c.OpenEndedWindow},
		{"store_watch_interval", f.StoreWatchInterval, &c.StoreWatchInterval},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(*d.raw))
		if err != nil {
			return fmt.Errorf("config %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("SOCKET", &c.SocketPath)
	str("DB", &c.DBPath)
	str("TERMINAL_ID", &c.TerminalID)
	str("BACKEND_URL", &c.BackendURL)
	str("BACKEND_TOKEN", &c.BackendToken)
	str("RANGE_SUCCESS_MARKER", &c.RangeSuccessMarker)
	str("TIME_ZONE", &c.TimeZone)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	str("REDIS_CHANNEL", &c.RedisChannel)
	str("LOG_LEVEL", &c.LogLevel)

	ints := []struct {
		name string
		dst  *int64
	}{
		{"POINT_OF_SALE_ID", &c.PointOfSaleID},
		{"BRANCH_ID", &c.BranchID},
	}
	for _, item := range ints {
		v, ok := lookup(envPrefix + item.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("env %s%s: %w", envPrefix, item.name, err)
		}
		*item.dst = n
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"REQUEST_TIMEOUT", &c.RequestTimeout},
		{"HEALTH_POLL_INTERVAL", &c.HealthPollInterval},
		{"HEALTH_INITIAL_DELAY", &c.HealthInitialDelay},
		{"STORE_WATCH_INTERVAL", &c.StoreWatchInterval},
	}
	for _, item := range durations {
		v, ok := lookup(envPrefix + item.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("env %s%s: %w", envPrefix, item.name, err)
		}
		*item.dst = d
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.TerminalID) == "" {
		return fmt.Errorf("terminal id is required")
	}
	if strings.TrimSpace(c.BackendURL) == "" {
		return fmt.Errorf("backend url is required")
	}
	if c.OpenEndedWindow <= 0 {
		return fmt.Errorf("open ended window must be positive")
	}
	if c.InstantReasonMax < 0 {
		return fmt.Errorf("instant reason max must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves TimeZone; range bounds sent to the backend are formatted in it.
func (c Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.TimeZone)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", name, err)
	}
	return loc, nil
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "posguard", "posguardd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".posguardd.sock"
	}
	return filepath.Join(home, ".local", "state", "posguard", "posguardd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "posguard.db"
	}
	return filepath.Join(home, ".local", "state", "posguard", "state.db")
}
