package applog

import (
	"log/slog"
	"os"
)

// Logger is a thin wrapper so callers depend on one place for handler setup.
type Logger struct {
	*slog.Logger
}

// Config mirrors the [log] section of the engine config.
type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New builds a Logger from cfg; a nil cfg yields info-level JSON output.
func New(cfg *Config) *Logger {
	level := slog.LevelInfo
	if cfg != nil {
		switch cfg.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg != nil && cfg.Format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return &Logger{Logger: slog.New(h)}
}
