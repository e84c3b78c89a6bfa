package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// toolDefs declares the agent's tool surface to the model.
func toolDefs() []map[string]any {
	return []map[string]any{
		{
			"name":        "read",
			"description": "Read a file from the data directory. Directories return a listing.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "Path relative to the data directory"},
				},
				"required": []string{"path"},
			},
		},
		{
			"name":        "write",
			"description": "Write content to a file in the data directory. Creates parent directories as needed.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []string{"path", "content"},
			},
		},
		{
			"name":        "edit",
			"description": "Edit a file by replacing old_string with new_string. old_string must appear exactly once.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":       map[string]any{"type": "string"},
					"old_string": map[string]any{"type": "string"},
					"new_string": map[string]any{"type": "string"},
				},
				"required": []string{"path", "old_string", "new_string"},
			},
		},
		{
			"name":        "exec",
			"description": "Run a shell command in the data directory and return its output.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string"},
				},
				"required": []string{"command"},
			},
		},
	}
}

const execTimeout = 30 * time.Second

// executor runs tool bodies confined to the data directory.
type executor struct {
	dataDir string
}

// resolve maps a user-supplied path into the data directory, rejecting
// escapes.
func (e *executor) resolve(path string) (string, error) {
	root, err := filepath.Abs(e.dataDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve data dir: %w", err)
	}
	full := filepath.Clean(filepath.Join(root, path))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes data directory: %s", path)
	}
	return full, nil
}

// Execute runs one tool body and returns its textual result. Tool
// errors are returned as result text so the model can react to them;
// only unknown tools are an error.
func (e *executor) Execute(ctx context.Context, tool string, args map[string]any) (string, error) {
	switch tool {
	case "read":
		return e.read(stringArg(args, "path")), nil
	case "write":
		return e.write(stringArg(args, "path"), stringArg(args, "content")), nil
	case "edit":
		return e.edit(stringArg(args, "path"), stringArg(args, "old_string"), stringArg(args, "new_string")), nil
	case "exec":
		return e.exec(ctx, stringArg(args, "command")), nil
	default:
		return "", fmt.Errorf("unknown tool %q", tool)
	}
}

func (e *executor) read(path string) string {
	full, err := e.resolve(path)
	if err != nil {
		return "Error: " + err.Error()
	}
	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return fmt.Sprintf("File not found: %s", path)
	}
	if err != nil {
		return "Error: " + err.Error()
	}

	if info.IsDir() {
		entries, err := os.ReadDir(full)
		if err != nil {
			return "Error: " + err.Error()
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() {
				name += "/"
			}
			names = append(names, "  "+name)
		}
		sort.Strings(names)
		return fmt.Sprintf("Directory listing of %s/:\n%s", path, strings.Join(names, "\n"))
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return "Error: " + err.Error()
	}
	return string(data)
}

func (e *executor) write(path, content string) string {
	full, err := e.resolve(path)
	if err != nil {
		return "Error: " + err.Error()
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "Error: " + err.Error()
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return "Error: " + err.Error()
	}
	return fmt.Sprintf("Written to %s", path)
}

func (e *executor) edit(path, oldString, newString string) string {
	full, err := e.resolve(path)
	if err != nil {
		return "Error: " + err.Error()
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return fmt.Sprintf("File not found: %s", path)
	}
	if err != nil {
		return "Error: " + err.Error()
	}

	original := string(data)
	count := strings.Count(original, oldString)
	if count == 0 {
		return fmt.Sprintf("Error: old_string not found in %s", path)
	}
	if count > 1 {
		return fmt.Sprintf("Error: old_string appears %d times in %s (must be unique)", count, path)
	}

	updated := strings.Replace(original, oldString, newString, 1)
	if err := os.WriteFile(full, []byte(updated), 0o644); err != nil {
		return "Error: " + err.Error()
	}
	return fmt.Sprintf("Edited %s", path)
}

func (e *executor) exec(ctx context.Context, command string) string {
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = e.dataDir
	out, err := cmd.CombinedOutput()

	result := strings.TrimRight(string(out), "\n")
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("Error: command timed out (%s)", execTimeout)
	}
	if err != nil {
		if result == "" {
			return "Error: " + err.Error()
		}
		return fmt.Sprintf("%s\n[%s]", result, err)
	}
	if result == "" {
		return "(no output)"
	}
	return result
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
