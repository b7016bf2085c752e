package logging

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultLogDir returns the default log directory (~/.needle/logs/).
// Falls back to temp directory if home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".needle", "logs")
	}
	return filepath.Join(home, ".needle", "logs")
}

// DefaultLogPath returns the default core service log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "needle.log")
}

// LogSource represents the source of logs to view.
type LogSource string

// LogSourceCore is the only log source the core service emits; kept as a
// named type rather than a bare path so FindLogFileBySource's signature
// stays stable if a second source is ever added.
const LogSourceCore LogSource = "core"

// FindLogFile attempts to find the log file for viewing.
// Priority:
// 1. Explicit path (if provided)
// 2. ~/.needle/logs/needle.log (global)
//
// Returns an error if no log file is found.
func FindLogFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit, nil
		}
		return "", fmt.Errorf("log file not found: %s", explicit)
	}

	globalPath := DefaultLogPath()
	if _, err := os.Stat(globalPath); err == nil {
		return globalPath, nil
	}

	return "", fmt.Errorf("no log file found. Service may not have run with logging enabled yet.\nExpected at: %s", globalPath)
}

// FindLogFileBySource finds log files based on the source type.
// Returns a list of log file paths that exist.
func FindLogFileBySource(source LogSource, explicit string) ([]string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return []string{explicit}, nil
		}
		return nil, fmt.Errorf("log file not found: %s", explicit)
	}

	if source != LogSourceCore {
		return nil, fmt.Errorf("unknown log source: %s (use: core)", source)
	}

	corePath := DefaultLogPath()
	if _, err := os.Stat(corePath); err != nil {
		return nil, fmt.Errorf("no log files found for source '%s'.\nChecked: %v\n\n%s", source, []string{corePath}, getLogHint(source))
	}
	return []string{corePath}, nil
}

// ParseLogSource parses a string into a LogSource.
func ParseLogSource(s string) LogSource {
	return LogSourceCore
}

// EnsureLogDir creates the log directory if it doesn't exist.
func EnsureLogDir() error {
	dir := DefaultLogDir()
	return os.MkdirAll(dir, 0o755)
}

// getLogHint returns a helpful message on how to generate logs for the given source.
func getLogHint(source LogSource) string {
	return "To generate logs:\n  needle serve --log-level debug"
}
