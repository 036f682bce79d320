package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultConfigFile = "tokenpool.toml"
	envAppKey         = "TOKENPOOL_APP_KEY"
	envAdminPassword  = "TOKENPOOL_ADMIN_PASSWORD"
)

type fileConfig struct {
	Log      logConfig      `toml:"log"`
	Database databaseConfig `toml:"database"`
	Exchange exchangeConfig `toml:"exchange"`
	Server   serverConfig   `toml:"server"`
	Security securityConfig `toml:"security"`
	Redis    redisConfig    `toml:"redis"`
	// Pool is handed to the service config provider as raw values, keyed the
	// same way as core.Config.
	Pool map[string]any `toml:"pool"`
}

type logConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type databaseConfig struct {
	Driver          string `toml:"driver"`
	DSN             string `toml:"dsn"`
	Debug           bool   `toml:"debug"`
	CacheTTLSeconds int    `toml:"cache_ttl_seconds"`
}

type exchangeConfig struct {
	BaseURL           string  `toml:"base_url"`
	SessionCookie     string  `toml:"session_cookie"`
	ToolName          string  `toml:"tool_name"`
	UserAgent         string  `toml:"user_agent"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
}

type serverConfig struct {
	Addr                   string `toml:"addr"`
	ReadHeaderTimeoutSecs  int    `toml:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
}

type securityConfig struct {
	AppKey            string `toml:"app_key"`
	AdminPassword     string `toml:"admin_password"`
	SessionTTLMinutes int    `toml:"session_ttl_minutes"`
}

type redisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Log: logConfig{Level: "info", Format: "console"},
		Database: databaseConfig{
			Driver:          "sqlite3",
			DSN:             "file:tokenpool.db?_foreign_keys=on",
			CacheTTLSeconds: 30,
		},
		Exchange: exchangeConfig{TimeoutSeconds: 30},
		Server: serverConfig{
			Addr:                   ":8080",
			ReadHeaderTimeoutSecs:  10,
			ShutdownTimeoutSeconds: 15,
		},
		Security: securityConfig{SessionTTLMinutes: 24 * 60},
		Pool:     map[string]any{},
	}
}

// loadFileConfig decodes path over the defaults. An empty path falls back to
// tokenpool.toml in the working directory when present.
func loadFileConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	path = strings.TrimSpace(path)
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return applyEnv(cfg), nil
		}
		return fileConfig{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if cfg.Pool == nil {
		cfg.Pool = map[string]any{}
	}
	return applyEnv(cfg), nil
}

func applyEnv(cfg fileConfig) fileConfig {
	if value := strings.TrimSpace(os.Getenv(envAppKey)); value != "" {
		cfg.Security.AppKey = value
	}
	if value := os.Getenv(envAdminPassword); value != "" {
		cfg.Security.AdminPassword = value
	}
	return cfg
}

func seconds(value int, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return time.Duration(value) * time.Second
}
