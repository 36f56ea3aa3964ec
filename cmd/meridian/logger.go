package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/meridianhq/meridian/pkg/config"
)

// initLogger installs the default slog logger. CLI flags override the
// config file. Returns a cleanup that closes the log file, if any.
func initLogger(cfg *config.LoggerConfig, cli *CLI) (func(), error) {
	level := cfg.Level
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	format := cfg.Format
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}
	output := cfg.Output
	if cli.LogFile != "" {
		output = cli.LogFile
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level '%s' (debug, info, warn, error)", level)
	}

	var w io.Writer = os.Stderr
	var cleanup func()
	if output != "" {
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = file
		cleanup = func() { _ = file.Close() }
	}

	opts := &slog.HandlerOptions{Level: slogLevel}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		if cleanup != nil {
			cleanup()
		}
		return nil, fmt.Errorf("invalid log format '%s' (text, json)", format)
	}

	slog.SetDefault(slog.New(handler))
	return cleanup, nil
}

func logError(msg string, err error) {
	slog.Error(msg, "error", err)
}
