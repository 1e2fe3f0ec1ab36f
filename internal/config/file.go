package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type fileConfig struct {
	API struct {
		BaseURL  string `toml:"base_url"`
		APIKey   string `toml:"api_key"`
		Database string `toml:"database"`
		Timeout  string `toml:"timeout"`
	} `toml:"api"`
	Store struct {
		DSN         string `toml:"dsn"`
		Credentials string `toml:"credentials"`
	} `toml:"store"`
	Connectivity struct {
		Mode     string  `toml:"mode"`
		URL      string  `toml:"url"`
		Interval string  `toml:"interval"`
		Jitter   float64 `toml:"jitter"`
	} `toml:"connectivity"`
	Sync struct {
		Retention    string `toml:"retention"`
		TickInterval string `toml:"tick_interval"`
		Retry        struct {
			Policy      string  `toml:"policy"`
			Base        string  `toml:"base"`
			Max         string  `toml:"max"`
			MaxAttempts int     `toml:"max_attempts"`
			Jitter      float64 `toml:"jitter"`
		} `toml:"retry"`
	} `toml:"sync"`
	Admin struct {
		Listen string `toml:"listen"`
	} `toml:"admin"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
}

// applyFile overlays only the keys the file defines, so an absent key keeps
// its default and an explicit empty string clears it.
func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %s in %s", ErrInvalidConfig, undecoded[0], path)
	}

	setString := func(target *string, value string, key ...string) {
		if meta.IsDefined(key...) {
			*target = strings.TrimSpace(value)
		}
	}
	setDuration := func(target *time.Duration, value string, key ...string) error {
		if !meta.IsDefined(key...) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, strings.Join(key, "."), err)
		}
		*target = d
		return nil
	}

	setString(&cfg.API.BaseURL, raw.API.BaseURL, "api", "base_url")
	setString(&cfg.API.APIKey, raw.API.APIKey, "api", "api_key")
	setString(&cfg.API.Database, raw.API.Database, "api", "database")
	setString(&cfg.Store.DSN, raw.Store.DSN, "store", "dsn")
	setString(&cfg.Store.CredentialsPath, raw.Store.Credentials, "store", "credentials")
	setString(&cfg.Connectivity.URL, raw.Connectivity.URL, "connectivity", "url")
	setString(&cfg.Admin.Listen, raw.Admin.Listen, "admin", "listen")
	setString(&cfg.Log.Level, raw.Log.Level, "log", "level")
	setString(&cfg.Log.Format, raw.Log.Format, "log", "format")
	if meta.IsDefined("connectivity", "mode") {
		cfg.Connectivity.Mode = strings.ToLower(strings.TrimSpace(raw.Connectivity.Mode))
	}
	if meta.IsDefined("connectivity", "jitter") {
		cfg.Connectivity.Jitter = raw.Connectivity.Jitter
	}
	if meta.IsDefined("sync", "retry", "policy") {
		cfg.Sync.RetryPolicy = strings.ToLower(strings.TrimSpace(raw.Sync.Retry.Policy))
	}
	if meta.IsDefined("sync", "retry", "max_attempts") {
		cfg.Sync.RetryMaxAttempts = raw.Sync.Retry.MaxAttempts
	}
	if meta.IsDefined("sync", "retry", "jitter") {
		cfg.Sync.RetryJitter = raw.Sync.Retry.Jitter
	}

	for _, d := range []struct {
		target *time.Duration
		value  string
		key    []string
	}{
		{&cfg.API.Timeout, raw.API.Timeout, []string{"api", "timeout"}},
		{&cfg.Connectivity.Interval, raw.Connectivity.Interval, []string{"connectivity", "interval"}},
		{&cfg.Sync.Retention, raw.Sync.Retention, []string{"sync", "retention"}},
		{&cfg.Sync.TickInterval, raw.Sync.TickInterval, []string{"sync", "tick_interval"}},
		{&cfg.Sync.RetryBase, raw.Sync.Retry.Base, []string{"sync", "retry", "base"}},
		{&cfg.Sync.RetryMax, raw.Sync.Retry.Max, []string{"sync", "retry", "max"}},
	} {
		if err := setDuration(d.target, d.value, d.key...); err != nil {
			return err
		}
	}
	return nil
}
