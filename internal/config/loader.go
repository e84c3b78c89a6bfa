package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader reads config.yaml from the data directory and keeps the parsed
// result behind a lock so it can be re-read at runtime. A malformed file
// never replaces the running config.
type Loader struct {
	mu      sync.RWMutex
	path    string
	current *Config
	logger  *slog.Logger
}

// NewLoader creates a Loader for config.yaml under dataDir.
func NewLoader(dataDir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		path:   filepath.Join(dataDir, "config.yaml"),
		logger: logger.With("component", "config.Loader"),
	}
}

// Load reads and parses the config file. A missing file yields defaults;
// a malformed file is an error and leaves any previously loaded config in
// place.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()

	l.logger.Info("config loaded", "path", l.path)
	return cfg, nil
}

// Reload re-reads the config file. On error the running config is preserved.
func (l *Loader) Reload() error {
	cfg, err := l.read()
	if err != nil {
		l.logger.Error("config reload failed, keeping running config", "error", err)
		return err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()

	l.logger.Info("config reloaded", "path", l.path)
	return nil
}

// Get returns the currently loaded config, or defaults if Load was never
// called.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.current == nil {
		return DefaultConfig()
	}
	return l.current
}

// FilePath returns the path of the config file.
func (l *Loader) FilePath() string {
	return l.path
}

func (l *Loader) read() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", l.path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", l.path, err)
	}
	return cfg, nil
}
