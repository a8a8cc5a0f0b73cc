package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// SupabaseURL is the project URL serving the data, auth and realtime APIs.
	SupabaseURL string

	// AnonKey is the project's public API key.
	AnonKey string

	// Port is the HTTP relay server port.
	Port int

	// SyncTimeout bounds each remote read and write. Zero disables it.
	SyncTimeout time.Duration

	// ForwardAuth makes the relay pass the caller's Authorization header on
	// to the data API so row level security sees the caller.
	ForwardAuth bool

	// CachePath is the SQLite file holding the client's snapshots and
	// session. Only set by LoadClient.
	CachePath string

	// LogPath is the client's log file. Only set by LoadClient.
	LogPath string

	// UUIDIDs makes the client generate uuid ids for created records instead
	// of leaving them to the table default. Only set by LoadClient.
	UUIDIDs bool
}

// Load reads the relay server configuration from environment variables with
// sensible defaults.
func Load() (*Config, error) {
	supaURL := os.Getenv("SUPA_URL")
	if supaURL == "" {
		return nil, fmt.Errorf("SUPA_URL is required")
	}

	anonKey := os.Getenv("SUPA_ANON_KEY")
	if anonKey == "" {
		return nil, fmt.Errorf("SUPA_ANON_KEY is required")
	}

	port := 3000
	if p := os.Getenv("PORT"); p != "" {
		var err error
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
	}

	timeout := 15 * time.Second
	if t := os.Getenv("SYNC_TIMEOUT"); t != "" {
		var err error
		timeout, err = time.ParseDuration(t)
		if err != nil {
			return nil, fmt.Errorf("invalid SYNC_TIMEOUT: %w", err)
		}
		if timeout < 0 {
			return nil, fmt.Errorf("invalid SYNC_TIMEOUT: must not be negative")
		}
	}

	forwardAuth := true
	if f := os.Getenv("FORWARD_AUTH"); f != "" {
		var err error
		forwardAuth, err = strconv.ParseBool(f)
		if err != nil {
			return nil, fmt.Errorf("invalid FORWARD_AUTH: %w", err)
		}
	}

	return &Config{
		SupabaseURL: supaURL,
		AnonKey:     anonKey,
		Port:        port,
		SyncTimeout: timeout,
		ForwardAuth: forwardAuth,
	}, nil
}

// LoadClient reads the terminal client configuration: everything Load reads
// plus the local cache and log locations.
func LoadClient() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("FEEDCTL_UUID_IDS"); v != "" {
		cfg.UUIDIDs, err = strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid FEEDCTL_UUID_IDS: %w", err)
		}
	}

	cfg.CachePath = os.Getenv("FEEDCTL_CACHE")
	cfg.LogPath = os.Getenv("FEEDCTL_LOG")
	if cfg.CachePath == "" || cfg.LogPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		if cfg.CachePath == "" {
			cfg.CachePath = filepath.Join(home, ".feedctl", "cache.db")
		}
		if cfg.LogPath == "" {
			cfg.LogPath = filepath.Join(home, ".feedctl", "feedctl.log")
		}
	}

	return cfg, nil
}
