// Package config loads worker configuration from an optional TOML file and
// TASKWORKER_* environment variables, and builds the process logger.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultBackend   = "builtin"
	defaultTransport = "stdio"

	envConfigFile  = "TASKWORKER_CONFIG"
	envBackend     = "TASKWORKER_BACKEND"
	envModulePath  = "TASKWORKER_MODULE"
	envTransport   = "TASKWORKER_TRANSPORT"
	envAddress     = "TASKWORKER_ADDRESS"
	envLanes       = "TASKWORKER_LANES"
	envAdminAddr   = "TASKWORKER_ADMIN_ADDR"
	envJournalPath = "TASKWORKER_JOURNAL_PATH"
	envLogLevel    = "TASKWORKER_LOG_LEVEL"
)

// Config holds worker configuration.
type Config struct {
	// Backend selects the computation module kind (builtin, wasm).
	Backend string
	// ModulePath is the compiled module file for file-backed backends.
	ModulePath string
	// Transport is the channel the worker serves on (stdio, unix, tcp, vsock).
	Transport string
	// Address is the listen address for socket transports.
	Address string
	// Lanes is the number of execution lanes; zero selects one per CPU.
	Lanes int
	// AdminAddr enables the admin HTTP server when set.
	AdminAddr string
	// JournalPath enables the SQLite dispatch journal when set.
	JournalPath string
	LogLevel    slog.Level
}

type fileConfig struct {
	Backend     string `toml:"backend"`
	ModulePath  string `toml:"module"`
	Transport   string `toml:"transport"`
	Address     string `toml:"address"`
	Lanes       int    `toml:"lanes"`
	AdminAddr   string `toml:"admin_addr"`
	JournalPath string `toml:"journal_path"`
	LogLevel    string `toml:"log_level"`
}

// Load builds the configuration: defaults, then the TOML file named by
// TASKWORKER_CONFIG if any, then environment variables.
func Load() (Config, error) {
	cfg := Config{
		Backend:   defaultBackend,
		Transport: defaultTransport,
		LogLevel:  slog.LevelInfo,
	}

	if path := os.Getenv(envConfigFile); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if v := os.Getenv(envBackend); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv(envModulePath); v != "" {
		cfg.ModulePath = v
	}
	if v := os.Getenv(envTransport); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv(envAddress); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv(envLanes); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", envLanes, err)
		}
		cfg.Lanes = n
	}
	if v := os.Getenv(envAdminAddr); v != "" {
		cfg.AdminAddr = v
	}
	if v := os.Getenv(envJournalPath); v != "" {
		cfg.JournalPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	if cfg.Lanes < 0 {
		return Config{}, fmt.Errorf("lanes must not be negative, got %d", cfg.Lanes)
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %s: unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("backend") {
		cfg.Backend = strings.TrimSpace(raw.Backend)
	}
	if meta.IsDefined("module") {
		cfg.ModulePath = strings.TrimSpace(raw.ModulePath)
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.TrimSpace(raw.Transport)
	}
	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("lanes") {
		cfg.Lanes = raw.Lanes
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("journal_path") {
		cfg.JournalPath = strings.TrimSpace(raw.JournalPath)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = parseLogLevel(raw.LogLevel)
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
