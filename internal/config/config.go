// Package config defines the Carapace configuration model and the loader
// that reads it from the data directory. The data directory is the root of
// everything Carapace persists: config.yaml, rules.yaml, the bearer token,
// and the per-session state under sessions/.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// EnvDataDir is the environment variable that overrides the data root.
const EnvDataDir = "CARAPACE_DATA_DIR"

// Config is the top-level Carapace configuration.
type Config struct {
	Carapace CarapaceConfig `yaml:"carapace"`
	Server   ServerConfig   `yaml:"server"`
	Agent    AgentConfig    `yaml:"agent"`
	Security SecurityConfig `yaml:"security"`
	Sessions SessionsConfig `yaml:"sessions"`
	Audit    AuditConfig    `yaml:"audit"`
}

// CarapaceConfig holds process-wide settings.
type CarapaceConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ServerConfig holds the HTTP/WebSocket bind settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	CORS bool   `yaml:"cors"`
}

// AgentConfig names the models used by the agent loop and the security
// pipeline. The classifier model should be fast and cheap; it is called
// once per tool invocation plus once per dormant rule trigger.
type AgentConfig struct {
	Model           string `yaml:"model"`
	ClassifierModel string `yaml:"classifier_model"`
	MaxTurnSteps    int    `yaml:"max_turn_steps"`
}

// SecurityConfig tunes the security pipeline.
type SecurityConfig struct {
	// ApprovalTimeout bounds how long a needs_approval decision waits for
	// the user before converting to cancelled.
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
	// ArgsBudget caps how many bytes of tool arguments are included in
	// classifier prompts.
	ArgsBudget int `yaml:"args_budget"`
}

// SessionsConfig controls session retention.
type SessionsConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// AuditConfig controls the sqlite audit trail.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // relative paths resolve under the data dir
}

// DefaultConfig returns a config with sensible defaults for zero-config
// startup.
func DefaultConfig() *Config {
	return &Config{
		Carapace: CarapaceConfig{
			LogLevel: "info",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8321,
			CORS: false,
		},
		Agent: AgentConfig{
			Model:           "gpt-4o-mini",
			ClassifierModel: "gpt-4o-mini",
			MaxTurnSteps:    25,
		},
		Security: SecurityConfig{
			ApprovalTimeout: 10 * time.Minute,
			ArgsBudget:      2048,
		},
		Sessions: SessionsConfig{
			RetentionDays: 90,
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    "audit.db",
		},
	}
}

// DataDir resolves the data root from CARAPACE_DATA_DIR, defaulting to
// ./data. The returned path is absolute.
func DataDir() string {
	dir := os.Getenv(EnvDataDir)
	if dir == "" {
		dir = "./data"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	return abs
}
