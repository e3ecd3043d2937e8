// Package config loads server configuration from the environment and the
// projects registry from its JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/agentdeck/agentdeck/model"
)

// Config holds all configuration for the AgentDeck server.
type Config struct {
	// TelegramBotToken is the token from @BotFather.
	TelegramBotToken string

	// OwnerUserID is the only Telegram user the bot obeys.
	OwnerUserID int64

	// DataDir holds the SQLite database and the upload inbox.
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// ProjectsConfigPath is the JSON file listing the project directories.
	ProjectsConfigPath string

	// DashboardBindHost/DashboardPort form the HTTP API listen address.
	DashboardBindHost string
	DashboardPort     int

	// Optional basic auth guarding /api on the dashboard.
	DashboardBasicAuthUser string
	DashboardBasicAuthPass string

	// KillSwitchDisableRuns blocks all new runs while set.
	KillSwitchDisableRuns bool

	// MaxUploadBytes caps document uploads from the chat.
	MaxUploadBytes int64

	// ClaudeBin/OpenCodeBin override the engine CLI paths.
	ClaudeBin   string
	OpenCodeBin string

	// LogLevel is zap's level string; LogFormat is "json" or "console".
	LogLevel  string
	LogFormat string
}

// Load creates a Config from environment variables with sensible defaults.
func Load() (*Config, error) {
	dataDir := envOr("DATA_DIR", "./data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	ownerID, err := strconv.ParseInt(os.Getenv("TELEGRAM_OWNER_USER_ID"), 10, 64)
	if err != nil && os.Getenv("TELEGRAM_OWNER_USER_ID") != "" {
		return nil, fmt.Errorf("TELEGRAM_OWNER_USER_ID must be a numeric Telegram user id")
	}

	cfg := &Config{
		TelegramBotToken:       os.Getenv("TELEGRAM_BOT_TOKEN"),
		OwnerUserID:            ownerID,
		DataDir:                dataDir,
		DatabasePath:           filepath.Join(dataDir, "agentdeck.db"),
		ProjectsConfigPath:     envOr("PROJECTS_CONFIG_PATH", "./config/projects.json"),
		DashboardBindHost:      envOr("DASHBOARD_BIND_HOST", "127.0.0.1"),
		DashboardPort:          envOrInt("DASHBOARD_PORT", 4312),
		DashboardBasicAuthUser: os.Getenv("DASHBOARD_BASIC_AUTH_USER"),
		DashboardBasicAuthPass: os.Getenv("DASHBOARD_BASIC_AUTH_PASS"),
		KillSwitchDisableRuns:  envOrBool("KILL_SWITCH_DISABLE_RUNS", false),
		MaxUploadBytes:         envOrInt64("MAX_UPLOAD_BYTES", 25*1024*1024),
		ClaudeBin:              envOr("CLAUDE_BIN", "claude"),
		OpenCodeBin:            envOr("OPENCODE_BIN", "opencode"),
		LogLevel:               envOr("LOG_LEVEL", "info"),
		LogFormat:              envOr("LOG_FORMAT", "console"),
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if c.OwnerUserID == 0 {
		return fmt.Errorf("TELEGRAM_OWNER_USER_ID is required")
	}
	return nil
}

// DashboardAddr returns the HTTP listen address.
func (c *Config) DashboardAddr() string {
	return fmt.Sprintf("%s:%d", c.DashboardBindHost, c.DashboardPort)
}

// projectEntry is one record of the projects JSON file.
type projectEntry struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	RootPath          string `json:"rootPath"`
	DefaultEngine     string `json:"defaultEngine"`
	OpenCodeAttachURL string `json:"opencodeAttachUrl"`
}

// LoadProjects reads and validates the projects registry. Entries with a
// missing id, name, or root path are rejected rather than skipped so a typo
// cannot silently drop a project.
func LoadProjects(path string) ([]*model.Project, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading projects config: %w", err)
	}
	var entries []projectEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parsing projects config: %w", err)
	}

	seen := make(map[string]bool)
	projects := make([]*model.Project, 0, len(entries))
	for i, e := range entries {
		if e.ID == "" || e.Name == "" || e.RootPath == "" {
			return nil, fmt.Errorf("project %d: id, name and rootPath are required", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("project %d: duplicate id %q", i, e.ID)
		}
		seen[e.ID] = true

		engine := model.EngineClaude
		if e.DefaultEngine != "" {
			if !model.ValidEngine(e.DefaultEngine) {
				return nil, fmt.Errorf("project %q: unknown engine %q", e.ID, e.DefaultEngine)
			}
			engine = model.Engine(e.DefaultEngine)
		}
		projects = append(projects, &model.Project{
			ID:                e.ID,
			Name:              e.Name,
			RootPath:          e.RootPath,
			DefaultEngine:     engine,
			OpenCodeAttachURL: e.OpenCodeAttachURL,
		})
	}
	return projects, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
