// Package config loads the daemon's environment-based configuration.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for dbsync.
type Config struct {
	// Sync server endpoint.
	ServerAddress string `env:"DBSYNC_SERVER_ADDRESS"`
	ServerPort    int    `env:"DBSYNC_SERVER_PORT" envDefault:"7800"`

	// Envelope selects the transport scheme, "ws" or "wss".
	Envelope string `env:"DBSYNC_ENVELOPE" envDefault:"wss"`

	// Path is the server-side virtual path of the database to sync.
	Path string `env:"DBSYNC_PATH"`

	// AccessToken authorizes the BIND handshake.
	AccessToken string `env:"DBSYNC_ACCESS_TOKEN"`

	// StateDir is where local sync state (bootstrap staging, reset
	// markers) is kept. Defaults to ~/.dbsync when empty.
	StateDir string `env:"DBSYNC_STATE_DIR"`

	// DeviceName this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Keepalive and connect tuning. Zero keeps the engine defaults.
	ConnectTimeout time.Duration `env:"DBSYNC_CONNECT_TIMEOUT" envDefault:"2m"`
	PingInterval   time.Duration `env:"DBSYNC_PING_INTERVAL" envDefault:"1m"`
	PongTimeout    time.Duration `env:"DBSYNC_PONG_TIMEOUT" envDefault:"2m"`

	// OneConnectionPerSession disables connection multiplexing.
	OneConnectionPerSession bool `env:"DBSYNC_ONE_CONNECTION_PER_SESSION" envDefault:"false"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	LogLevel string `env:"DBSYNC_LOG_LEVEL" envDefault:"info"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the access token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "dbsync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StateDir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return nil, err
		}

		cfg.StateDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve StateDir to an absolute path at startup so the bbolt
	// file lands in a stable place regardless of the working directory.
	absDir, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
	}

	cfg.StateDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerAddress == "" {
		return fmt.Errorf("DBSYNC_SERVER_ADDRESS is required")
	}

	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("DBSYNC_SERVER_PORT must be between 1 and 65535, got %d", c.ServerPort)
	}

	if c.Envelope != "ws" && c.Envelope != "wss" {
		return fmt.Errorf("DBSYNC_ENVELOPE must be \"ws\" or \"wss\", got %q", c.Envelope)
	}

	if c.Path == "" {
		return fmt.Errorf("DBSYNC_PATH is required")
	}

	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("DBSYNC_PATH must start with '/', got %q", c.Path)
	}

	if c.AccessToken == "" {
		return fmt.Errorf("DBSYNC_ACCESS_TOKEN is required")
	}

	return nil
}

// DefaultStateDir returns the default local state directory: ~/.dbsync/
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".dbsync"), nil
}

// StateFile returns the path of the bbolt state database.
func (c *Config) StateFile() string {
	return filepath.Join(c.StateDir, "state.db")
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
