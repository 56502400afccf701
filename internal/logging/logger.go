package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/coldbell/idlctl/internal/config"
)

// New builds the logger for a command. Console output goes to stderr because
// stdout carries command results such as fetched IDL JSON.
func New(serviceName string, cfg config.LogConfig) (*slog.Logger, func() error, error) {
	return newWithConsole(serviceName, cfg, os.Stderr)
}

func newWithConsole(serviceName string, cfg config.LogConfig, console io.Writer) (*slog.Logger, func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	writer, closeWriter, err := openWriter(serviceName, cfg, console)
	if err != nil {
		return nil, nil, err
	}

	handlerOptions := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch format := strings.ToLower(strings.TrimSpace(cfg.Format)); format {
	case "", "text":
		handler = slog.NewTextHandler(writer, handlerOptions)
	case "json":
		handler = slog.NewJSONHandler(writer, handlerOptions)
	default:
		_ = closeWriter()
		return nil, nil, fmt.Errorf("invalid log format %q (expected text|json)", cfg.Format)
	}

	return slog.New(handler).With("service", serviceName), closeWriter, nil
}

func openWriter(serviceName string, cfg config.LogConfig, console io.Writer) (io.Writer, func() error, error) {
	noop := func() error { return nil }

	switch output := strings.ToLower(strings.TrimSpace(cfg.Output)); output {
	case "", "console":
		return console, noop, nil
	case "none":
		return io.Discard, noop, nil
	case "file", "both":
		file, err := openLogFile(serviceName, cfg.FilePath)
		if err != nil {
			return nil, nil, err
		}
		if output == "file" {
			return file, file.Close, nil
		}
		return io.MultiWriter(console, file), file.Close, nil
	default:
		return nil, nil, fmt.Errorf("invalid log output %q (expected console|file|both|none)", cfg.Output)
	}
}

func openLogFile(serviceName string, configuredPath string) (*os.File, error) {
	logPath := strings.TrimSpace(configuredPath)
	if logPath == "" {
		logPath = filepath.Join(".idlctl", "logs", serviceName+".log")
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %q: %w", logPath, err)
	}
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", logPath, err)
	}
	return file, nil
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", raw)
	}
}
