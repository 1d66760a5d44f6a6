package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

const (
	// EnvGithubToken is the environment variable name for the GitHub API token
	EnvGithubToken = "PULLSYNC_GITHUB_TOKEN"

	// DefaultPageSize bounds per-call cost so retries stay cheap.
	DefaultPageSize = 50

	// DefaultPauseThreshold is the remaining-quota floor, in
	// request-equivalents, below which a run suspends itself.
	DefaultPauseThreshold = 100
)

// SyncConfig is the sync engine's behavior surface. Protocol choice is
// configuration, never a call-site decision.
type SyncConfig struct {
	// UseGraphQL is the master enable flag for the batched protocol.
	UseGraphQL bool `json:"use_graphql"`

	// Per-operation enable flags for the batched protocol. Ignored
	// when UseGraphQL is false.
	GraphQLHistorical  bool `json:"graphql_historical"`
	GraphQLIncremental bool `json:"graphql_incremental"`
	GraphQLRefresh     bool `json:"graphql_refresh"`
	GraphQLMembers     bool `json:"graphql_members"`

	// FallbackToREST retries a failed batched operation over the
	// per-resource protocol.
	FallbackToREST bool `json:"fallback_to_rest"`

	// PauseThreshold is the remaining-quota floor before pausing.
	PauseThreshold int `json:"pause_threshold"`

	// LookbackDays bounds historical sync; 0 means full history.
	LookbackDays int `json:"lookback_days"`

	// PageSize is the page size for both protocols, clamped to 1-100.
	PageSize int `json:"page_size"`
}

// Config represents the application configuration
type Config struct {
	// GitHub API token for authentication (optional, can be set via
	// PULLSYNC_GITHUB_TOKEN env var)
	GitHubToken string `json:"github_token"`

	// Path to the SQLite database file
	DatabasePath string `json:"database_path"`

	// Tenant scopes every stored record; a single-user deployment can
	// leave it at the default.
	Tenant string `json:"tenant"`

	// Organization for member sync (optional)
	Organization string `json:"organization"`

	// List of repositories to sync in the format "owner/name"
	Repositories []string `json:"repositories"`

	Sync SyncConfig `json:"sync"`
}

// LoadConfig loads the configuration from a JSON file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// A .env file next to the binary is optional.
	_ = godotenv.Load()

	// Check for GitHub token in environment variable
	if envToken := os.Getenv(EnvGithubToken); envToken != "" {
		config.GitHubToken = envToken
	}

	config.applyDefaults()

	// Make database path absolute if it's relative
	if !filepath.IsAbs(config.DatabasePath) {
		configDir := filepath.Dir(path)
		config.DatabasePath = filepath.Join(configDir, config.DatabasePath)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.DatabasePath == "" {
		c.DatabasePath = "pullsync.db"
	}
	if c.Tenant == "" {
		c.Tenant = "default"
	}
	if c.Sync.PauseThreshold <= 0 {
		c.Sync.PauseThreshold = DefaultPauseThreshold
	}
	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = DefaultPageSize
	}
	if c.Sync.PageSize > 100 {
		c.Sync.PageSize = 100
	}
	if c.Sync.LookbackDays < 0 {
		c.Sync.LookbackDays = 0
	}
}

// SaveConfig saves the configuration to a JSON file
func SaveConfig(config *Config, path string) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CreateDefaultConfig creates a default configuration file if it doesn't exist
func CreateDefaultConfig(path string) error {
	// Check if the file already exists
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, don't overwrite
	}

	// Create default config
	config := &Config{
		GitHubToken:  "",
		DatabasePath: "pullsync.db",
		Tenant:       "default",
		Repositories: []string{"example/repo"},
		Sync: SyncConfig{
			UseGraphQL:         true,
			GraphQLHistorical:  true,
			GraphQLIncremental: true,
			GraphQLRefresh:     true,
			GraphQLMembers:     true,
			FallbackToREST:     true,
			PauseThreshold:     DefaultPauseThreshold,
			PageSize:           DefaultPageSize,
		},
	}

	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Save the config
	return SaveConfig(config, path)
}
