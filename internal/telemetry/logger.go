// Package telemetry wraps log/slog the way the rest of this codebase expects
// to use it: JSON to stdout, optionally tee'd to a log file, with a
// SecretToken value type that redacts itself everywhere a bot token could
// otherwise leak into a log line.
package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SecretToken is a string type that redacts itself in logs and string output.
// Use this for bot tokens, webhook secrets, and any other sensitive value
// that might otherwise end up in a log line or error message.
type SecretToken string

// LogValue implements slog.LogValuer so slog never prints the raw value.
func (SecretToken) LogValue() slog.Value {
	return slog.StringValue("[REDACTED]")
}

// String returns "[REDACTED]" to prevent accidental exposure via fmt.
func (SecretToken) String() string {
	return "[REDACTED]"
}

// Value returns the actual secret. Use sparingly and never log the result.
func (t SecretToken) Value() string {
	return string(t)
}

// Logger wraps slog.Logger and owns the underlying log file handle, if any.
type Logger struct {
	*slog.Logger
	file *os.File
}

// Close releases the log file handle. Safe to call multiple times or on a
// Logger that was never given a file path.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// New creates a structured JSON logger. Logs always go to stdout; if
// logFilePath is non-empty they are also written there. The caller must call
// Close when done to release the file handle.
func New(level slog.Level, logFilePath string) (*Logger, error) {
	var out io.Writer = os.Stdout
	var file *os.File

	if logFilePath != "" {
		if err := validateLogPath(logFilePath); err != nil {
			return nil, err
		}
		if err := EnsureLogDir(logFilePath); err != nil {
			return nil, err
		}
		var err error
		file, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, file)
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(handler), file: file}, nil
}

// EnsureLogDir creates the parent directory of path with owner-only
// permissions.
func EnsureLogDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o700)
}

// validateLogPath rejects path traversal and writes into sensitive system
// directories.
func validateLogPath(path string) error {
	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") {
		return fmt.Errorf("log path: path traversal not allowed")
	}
	for _, root := range []string{"/etc", "/bin", "/sbin", "/usr", "/var/log", "/root", "/home"} {
		if clean == root || strings.HasPrefix(clean, root+"/") {
			return fmt.Errorf("log path: cannot write to system directory %s", root)
		}
	}
	return nil
}
