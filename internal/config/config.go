// Package config loads the engine's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/joshsymonds/inboxrules/internal/gmail"
	"github.com/joshsymonds/inboxrules/internal/rate"
	"github.com/joshsymonds/inboxrules/internal/retry"
)

type GmailConfig struct {
	ClientSecretFile string `toml:"client_secret_file"`
	TokenFile        string `toml:"token_file"`
	UserID           string `toml:"user_id"`
	GetConcurrency   int    `toml:"get_concurrency"` // parallel messages.get calls per batch
}

type QuotaConfig struct {
	UnitsPerWindow int    `toml:"units_per_window"`
	Window         string `toml:"window"`
	DailyLimit     int64  `toml:"daily_limit"` // 0 disables the daily cap
	ThrottleStep   int    `toml:"throttle_step"`
	RecoverAfter   string `toml:"recover_after"`
}

type RetryConfig struct {
	Initial     string  `toml:"initial"`
	Max         string  `toml:"max"`
	Multiplier  float64 `toml:"multiplier"`
	Jitter      bool    `toml:"jitter"`
	MaxAttempts int     `toml:"max_attempts"`
}

type FetchConfig struct {
	PageSize    int `toml:"page_size"`
	GetBatch    int `toml:"get_batch"`
	MaxFullScan int `toml:"max_full_scan"` // 0 means unlimited
}

type ExecuteConfig struct {
	MaxBatchSize int `toml:"max_batch_size"`
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
}

type MetricsConfig struct {
	Addr string `toml:"addr"` // empty disables the endpoint
}

// Config is the whole engine configuration.
type Config struct {
	Gmail   GmailConfig   `toml:"gmail"`
	Quota   QuotaConfig   `toml:"quota"`
	Retry   RetryConfig   `toml:"retry"`
	Fetch   FetchConfig   `toml:"fetch"`
	Execute ExecuteConfig `toml:"execute"`
	History HistoryConfig `toml:"history"`
	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	dir := defaultDir()
	return Config{
		Gmail: GmailConfig{
			ClientSecretFile: filepath.Join(dir, "client_secret.json"),
			TokenFile:        filepath.Join(dir, "token.json"),
			UserID:           gmail.DefaultUserID,
			GetConcurrency:   8,
		},
		Quota: QuotaConfig{
			UnitsPerWindow: 250,
			Window:         "1s",
			ThrottleStep:   50,
			RecoverAfter:   "10s",
		},
		Retry: RetryConfig{
			Initial:     "500ms",
			Max:         "30s",
			Multiplier:  2,
			Jitter:      true,
			MaxAttempts: 5,
		},
		Fetch: FetchConfig{
			PageSize:    gmail.MaxPageSize,
			GetBatch:    gmail.DefaultGetBatch,
			MaxFullScan: 5000,
		},
		Execute: ExecuteConfig{MaxBatchSize: gmail.MaxBatchSize},
		History: HistoryConfig{
			Enabled: true,
			Path:    filepath.Join(dir, "history.db"),
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

func defaultDir() string {
	if d, err := os.UserConfigDir(); err == nil {
		return filepath.Join(d, "inboxrules")
	}
	return ".inboxrules"
}

// Load reads path over the defaults and validates the result. Unknown keys
// are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	md, err := toml.Decode(string(content), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs *multierror.Error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf(format, args...))
		}
	}
	if _, err := c.Quota.GetWindow(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := c.Quota.GetRecoverAfter(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := c.Retry.GetInitial(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := c.Retry.GetMax(); err != nil {
		errs = multierror.Append(errs, err)
	}
	check(c.Quota.UnitsPerWindow >= gmail.CostBatchModify,
		"quota.units_per_window must be at least %d, got %d", gmail.CostBatchModify, c.Quota.UnitsPerWindow)
	check(c.Quota.DailyLimit >= 0, "quota.daily_limit must not be negative")
	check(c.Quota.ThrottleStep >= 0, "quota.throttle_step must not be negative")
	check(c.Retry.Multiplier >= 1, "retry.multiplier must be at least 1, got %g", c.Retry.Multiplier)
	check(c.Retry.MaxAttempts >= 1, "retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	check(c.Fetch.PageSize >= 1 && c.Fetch.PageSize <= gmail.MaxPageSize,
		"fetch.page_size must be in 1..%d, got %d", gmail.MaxPageSize, c.Fetch.PageSize)
	check(c.Fetch.GetBatch >= 1, "fetch.get_batch must be positive, got %d", c.Fetch.GetBatch)
	check(c.Fetch.GetBatch*gmail.CostGetPerID <= c.Quota.UnitsPerWindow,
		"fetch.get_batch %d costs %d units, more than quota.units_per_window %d",
		c.Fetch.GetBatch, c.Fetch.GetBatch*gmail.CostGetPerID, c.Quota.UnitsPerWindow)
	check(c.Fetch.MaxFullScan >= 0, "fetch.max_full_scan must not be negative")
	check(c.Execute.MaxBatchSize >= 1 && c.Execute.MaxBatchSize <= gmail.MaxBatchSize,
		"execute.max_batch_size must be in 1..%d, got %d", gmail.MaxBatchSize, c.Execute.MaxBatchSize)
	check(!c.History.Enabled || c.History.Path != "", "history.path is required when history is enabled")
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = multierror.Append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errs.ErrorOrNil()
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: %w", key, errNonPositive)
	}
	return d, nil
}

var errNonPositive = errors.New("duration must be positive")

func (q QuotaConfig) GetWindow() (time.Duration, error) {
	return parseDuration("quota.window", q.Window)
}

func (q QuotaConfig) GetRecoverAfter() (time.Duration, error) {
	return parseDuration("quota.recover_after", q.RecoverAfter)
}

func (r RetryConfig) GetInitial() (time.Duration, error) {
	return parseDuration("retry.initial", r.Initial)
}

func (r RetryConfig) GetMax() (time.Duration, error) {
	return parseDuration("retry.max", r.Max)
}

// RateConfig converts the quota section for rate.New. Call after Validate.
func (c Config) RateConfig() rate.Config {
	window, _ := c.Quota.GetWindow()
	recoverAfter, _ := c.Quota.GetRecoverAfter()
	return rate.Config{
		Limit:        c.Quota.UnitsPerWindow,
		Window:       window,
		Daily:        c.Quota.DailyLimit,
		ThrottleStep: c.Quota.ThrottleStep,
		RecoverAfter: recoverAfter,
	}
}

// RetryPolicy converts the retry section. Call after Validate.
func (c Config) RetryPolicy() retry.Policy {
	initial, _ := c.Retry.GetInitial()
	maxDelay, _ := c.Retry.GetMax()
	return retry.Policy{
		Initial:     initial,
		Max:         maxDelay,
		Multiplier:  c.Retry.Multiplier,
		Jitter:      c.Retry.Jitter,
		MaxAttempts: c.Retry.MaxAttempts,
	}
}
