// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tablesync/tablesync/internal/config"
)

var level = new(slog.LevelVar)

// Setup installs the default slog logger described by cfg. When cfg.File is
// set, output rotates through lumberjack and the returned logger must be
// closed on shutdown; otherwise it is nil and output goes to stdout.
func Setup(cfg config.LoggingConfig) *lumberjack.Logger {
	return setup(cfg, os.Stdout)
}

func setup(cfg config.LoggingConfig, stdout io.Writer) *lumberjack.Logger {
	w := stdout
	var lj *lumberjack.Logger

	if cfg.File != "" {
		lj = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w = lj
	}

	level.Set(parseLevel(cfg.Level))

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler).With("service", "tablesync"))
	return lj
}

// SetLevel changes the level of the installed logger in place.
func SetLevel(l string) {
	level.Set(parseLevel(l))
}

// Room returns a logger scoped to one room.
func Room(roomID string) *slog.Logger {
	return slog.Default().With("room_id", roomID)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
