package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const seedConfig = `carapace:
  log_level: info

server:
  host: 127.0.0.1
  port: 8321

agent:
  model: gpt-4o-mini
  classifier_model: gpt-4o-mini

security:
  approval_timeout: 10m

sessions:
  retention_days: 90

audit:
  enabled: true
  path: audit.db
`

const seedRules = `rules:
  - id: no-write-after-web
    trigger: "the agent has read content from the internet"
    effect: "local or external write operations require approval"
    mode: approve
    description: "After reading from the web, writes need your approval."

  - id: skill-modification
    trigger: always
    effect: "creating, editing, or deleting skill files requires approval"
    mode: approve
    description: "Changes to skills always need your approval."

  - id: credential-access
    trigger: always
    effect: "fetching or using credentials requires approval"
    mode: approve
    description: "Credential access always needs your approval."
`

// EnsureDataDir creates the data directory and seeds config.yaml and
// rules.yaml on first start. Returns the relative paths it created.
func EnsureDataDir(dataDir string) ([]string, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	seeds := []struct {
		name    string
		content string
	}{
		{"config.yaml", seedConfig},
		{"rules.yaml", seedRules},
	}

	var created []string
	for _, seed := range seeds {
		path := filepath.Join(dataDir, seed.name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(seed.content), 0o644); err != nil {
			return created, fmt.Errorf("failed to seed %s: %w", seed.name, err)
		}
		created = append(created, seed.name)
	}
	return created, nil
}
