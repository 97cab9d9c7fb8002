package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Backend   BackendConfig
	Workspace WorkspaceConfig
	Couch     CouchConfig
	Store     StoreConfig
	Ledger    LedgerConfig
	Device    DeviceConfig
	Sync      SyncConfig
	Auth      AuthConfig
	Logging   LoggingConfig
}

type BackendConfig struct {
	BaseURL string        `validate:"required,url"`
	Timeout time.Duration `validate:"required"`
}

// WorkspaceConfig selects the sync mode. "personal" talks to the user's own
// prompt space over REST, "shared" to a role-gated team workspace over REST,
// "couch" to a self-hosted CouchDB backend.
type WorkspaceConfig struct {
	ID       string `validate:"required_if=Mode shared"`
	Mode     string `validate:"required,oneof=personal shared couch"`
	Register bool
}

type CouchConfig struct {
	URL      string `validate:"required_if=Mode couch,omitempty,url"`
	Database string
	Mode     string
}

type StoreConfig struct {
	Path string `validate:"required"`
}

type LedgerConfig struct {
	Path string `validate:"required"`
}

type DeviceConfig struct {
	ID   string `validate:"required"`
	Name string
}

type SyncConfig struct {
	Interval       time.Duration
	LocalDebounce  time.Duration
	RemoteDebounce time.Duration
}

type AuthConfig struct {
	TokenPath   string `validate:"required"`
	RefreshSkew time.Duration
}

type LoggingConfig struct {
	Level string
}

func Load() (*Config, error) {
	godotenv.Load()

	dataDir := getEnv("PROMPTDECK_DATA_DIR", defaultDataDir())

	timeout, err := time.ParseDuration(getEnv("BACKEND_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid BACKEND_TIMEOUT: %w", err)
	}

	interval, err := time.ParseDuration(getEnv("SYNC_INTERVAL", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_INTERVAL: %w", err)
	}

	skew, err := time.ParseDuration(getEnv("AUTH_REFRESH_SKEW", "1m"))
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH_REFRESH_SKEW: %w", err)
	}

	hostname, _ := os.Hostname()

	cfg := &Config{
		Backend: BackendConfig{
			BaseURL: getEnv("BACKEND_URL", "https://sync.promptdeck.app"),
			Timeout: timeout,
		},
		Workspace: WorkspaceConfig{
			ID:       getEnv("WORKSPACE_ID", ""),
			Mode:     getEnv("WORKSPACE_MODE", "personal"),
			Register: getEnvAsBool("WORKSPACE_REGISTER", false),
		},
		Couch: CouchConfig{
			URL:      getEnv("COUCH_URL", ""),
			Database: getEnv("COUCH_DATABASE", "promptdeck"),
		},
		Store: StoreConfig{
			Path: getEnv("STORE_PATH", filepath.Join(dataDir, "prompts.db")),
		},
		Ledger: LedgerConfig{
			Path: getEnv("LEDGER_PATH", filepath.Join(dataDir, "sync-ledger.json")),
		},
		Device: DeviceConfig{
			ID:   getEnv("DEVICE_ID", hostname),
			Name: getEnv("DEVICE_NAME", hostname),
		},
		Sync: SyncConfig{
			Interval:       interval,
			LocalDebounce:  time.Duration(getEnvAsInt("SYNC_LOCAL_DEBOUNCE_MS", 2000)) * time.Millisecond,
			RemoteDebounce: time.Duration(getEnvAsInt("SYNC_REMOTE_DEBOUNCE_MS", 5000)) * time.Millisecond,
		},
		Auth: AuthConfig{
			TokenPath:   getEnv("AUTH_TOKEN_PATH", filepath.Join(dataDir, "session.json")),
			RefreshSkew: skew,
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	// Couch mode shares the workspace mode for cross-field validation.
	cfg.Couch.Mode = cfg.Workspace.Mode

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".promptdeck"
	}
	return filepath.Join(home, ".promptdeck")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
