// Package config loads the process configuration once at startup. Sources are
// applied in order: defaults, TOML file, .env file, LEDGERSYNC_* environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentworkforce/ledgersync/internal/logging"
)

const (
	ConnectivityNone      = "none"
	ConnectivityHTTP      = "http"
	ConnectivityWebSocket = "websocket"

	RetryManual  = "manual"
	RetryBackoff = "backoff"

	DefaultDataDir     = ".ledgersync"
	DefaultAdminListen = "127.0.0.1:7420"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	API          APIConfig
	Store        StoreConfig
	Connectivity ConnectivityConfig
	Sync         SyncConfig
	Admin        AdminConfig
	Log          LogConfig
}

type APIConfig struct {
	BaseURL  string
	APIKey   string
	Database string
	Timeout  time.Duration
}

type StoreConfig struct {
	DSN             string
	CredentialsPath string
}

type ConnectivityConfig struct {
	Mode     string
	URL      string
	Interval time.Duration
	Jitter   float64
}

type SyncConfig struct {
	// Retention of zero keeps done operations forever.
	Retention        time.Duration
	RetryPolicy      string
	RetryBase        time.Duration
	RetryMax         time.Duration
	RetryMaxAttempts int
	RetryJitter      float64
	// TickInterval paces the daemon's retry and retention sweep.
	TickInterval time.Duration
}

type AdminConfig struct {
	// Listen of "" disables the admin API.
	Listen string
}

type LogConfig struct {
	Level  string
	Format string
}

func Default() Config {
	return Config{
		API: APIConfig{
			Timeout: 30 * time.Second,
		},
		Store: StoreConfig{
			DSN:             "sqlite://" + filepath.Join(DefaultDataDir, "ledgersync.db"),
			CredentialsPath: filepath.Join(DefaultDataDir, "credentials.json"),
		},
		Connectivity: ConnectivityConfig{
			Mode:     ConnectivityNone,
			Interval: 15 * time.Second,
			Jitter:   0.2,
		},
		Sync: SyncConfig{
			RetryPolicy:  RetryManual,
			RetryBase:    time.Second,
			RetryMax:     5 * time.Minute,
			RetryJitter:  0.2,
			TickInterval: 30 * time.Second,
		},
		Admin: AdminConfig{Listen: DefaultAdminListen},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatConsole,
		},
	}
}

type LoadOptions struct {
	// ConfigPath is an optional TOML file.
	ConfigPath string
	// EnvFile is loaded when it exists. It never overrides variables already
	// set in the process environment.
	EnvFile string
}

func Load(opts LoadOptions) (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(opts.ConfigPath); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if envFile := strings.TrimSpace(opts.EnvFile); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	base := strings.TrimSpace(c.API.BaseURL)
	if base == "" {
		return fmt.Errorf("%w: api base URL is required", ErrInvalidConfig)
	}
	if err := validateURL(base, "http", "https"); err != nil {
		return fmt.Errorf("%w: api base URL: %v", ErrInvalidConfig, err)
	}
	if c.API.Timeout < 0 {
		return fmt.Errorf("%w: api timeout must not be negative", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("%w: store DSN is required", ErrInvalidConfig)
	}
	switch c.Connectivity.Mode {
	case ConnectivityNone:
	case ConnectivityHTTP:
		if err := validateURL(c.Connectivity.URL, "http", "https"); err != nil {
			return fmt.Errorf("%w: connectivity URL: %v", ErrInvalidConfig, err)
		}
	case ConnectivityWebSocket:
		if err := validateURL(c.Connectivity.URL, "ws", "wss"); err != nil {
			return fmt.Errorf("%w: connectivity URL: %v", ErrInvalidConfig, err)
		}
	default:
		return fmt.Errorf("%w: unsupported connectivity mode %q", ErrInvalidConfig, c.Connectivity.Mode)
	}
	if c.Connectivity.Jitter < 0 || c.Connectivity.Jitter > 1 || c.Sync.RetryJitter < 0 || c.Sync.RetryJitter > 1 {
		return fmt.Errorf("%w: jitter must be within [0,1]", ErrInvalidConfig)
	}
	if c.Sync.Retention < 0 {
		return fmt.Errorf("%w: retention must not be negative", ErrInvalidConfig)
	}
	switch c.Sync.RetryPolicy {
	case RetryManual:
	case RetryBackoff:
		if c.Sync.RetryBase <= 0 || c.Sync.RetryMax < c.Sync.RetryBase {
			return fmt.Errorf("%w: retry backoff needs 0 < base <= max", ErrInvalidConfig)
		}
		if c.Sync.RetryMaxAttempts < 0 {
			return fmt.Errorf("%w: retry max attempts must not be negative", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported retry policy %q", ErrInvalidConfig, c.Sync.RetryPolicy)
	}
	if c.Sync.TickInterval <= 0 {
		return fmt.Errorf("%w: sync tick interval must be positive", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Log.Level) != "" {
		if _, ok := logging.ParseLevel(c.Log.Level); !ok {
			return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Log.Level)
		}
	}
	switch c.Log.Format {
	case "", logging.FormatConsole, logging.FormatJSON:
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme && parsed.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %s URL", raw, strings.Join(schemes, "/"))
}

func applyEnv(cfg *Config) error {
	stringEnv("LEDGERSYNC_API_URL", &cfg.API.BaseURL)
	stringEnv("LEDGERSYNC_API_KEY", &cfg.API.APIKey)
	stringEnv("LEDGERSYNC_DATABASE", &cfg.API.Database)
	stringEnv("LEDGERSYNC_STORE_DSN", &cfg.Store.DSN)
	stringEnv("LEDGERSYNC_CREDENTIALS_FILE", &cfg.Store.CredentialsPath)
	stringEnv("LEDGERSYNC_CONNECTIVITY_URL", &cfg.Connectivity.URL)
	stringEnv("LEDGERSYNC_RETRY_POLICY", &cfg.Sync.RetryPolicy)
	stringEnv("LEDGERSYNC_ADMIN_ADDR", &cfg.Admin.Listen)
	stringEnv("LEDGERSYNC_LOG_LEVEL", &cfg.Log.Level)
	stringEnv("LEDGERSYNC_LOG_FORMAT", &cfg.Log.Format)
	if raw, ok := lookupEnv("LEDGERSYNC_CONNECTIVITY_MODE"); ok {
		cfg.Connectivity.Mode = strings.ToLower(raw)
	}

	durations := []struct {
		name   string
		target *time.Duration
	}{
		{"LEDGERSYNC_API_TIMEOUT", &cfg.API.Timeout},
		{"LEDGERSYNC_CONNECTIVITY_INTERVAL", &cfg.Connectivity.Interval},
		{"LEDGERSYNC_RETENTION", &cfg.Sync.Retention},
		{"LEDGERSYNC_RETRY_BASE", &cfg.Sync.RetryBase},
		{"LEDGERSYNC_RETRY_MAX", &cfg.Sync.RetryMax},
		{"LEDGERSYNC_SYNC_TICK", &cfg.Sync.TickInterval},
	}
	for _, d := range durations {
		if err := durationEnv(d.name, d.target); err != nil {
			return err
		}
	}
	if raw, ok := lookupEnv("LEDGERSYNC_RETRY_MAX_ATTEMPTS"); ok {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: invalid LEDGERSYNC_RETRY_MAX_ATTEMPTS=%q", ErrInvalidConfig, raw)
		}
		cfg.Sync.RetryMaxAttempts = value
	}
	for name, target := range map[string]*float64{
		"LEDGERSYNC_CONNECTIVITY_JITTER": &cfg.Connectivity.Jitter,
		"LEDGERSYNC_RETRY_JITTER":        &cfg.Sync.RetryJitter,
	} {
		if raw, ok := lookupEnv(name); ok {
			value, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("%w: invalid %s=%q", ErrInvalidConfig, name, raw)
			}
			*target = value
		}
	}
	return nil
}

func lookupEnv(name string) (string, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(raw), true
}

func stringEnv(name string, target *string) {
	if raw, ok := lookupEnv(name); ok {
		*target = raw
	}
}

func durationEnv(name string, target *time.Duration) error {
	raw, ok := lookupEnv(name)
	if !ok || raw == "" {
		return nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid %s=%q", ErrInvalidConfig, name, raw)
	}
	*target = value
	return nil
}
