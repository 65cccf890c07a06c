package xesstesting

import (
	"log/slog"
	"os"
)

// NewLogger returns a test logger. Logs are suppressed unless DEBUG=1
// (info) or DEBUG=2 (debug) is set in the environment.
func NewLogger() *slog.Logger {
	debugLevel := os.Getenv("DEBUG")
	var level slog.Level
	switch debugLevel {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
