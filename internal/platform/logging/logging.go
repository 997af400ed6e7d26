// Package logging builds the structured logger daglight services share.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// Config selects logger verbosity and output encoding. Fields carry env
// tags so service configs can embed it directly.
type Config struct {
	Level  string `env:"DAGLIGHT_LOG_LEVEL" envDefault:"info"`
	Format string `env:"DAGLIGHT_LOG_FORMAT" envDefault:"text"`
}

// New builds a logger writing to w. Unknown levels fall back to info,
// unknown formats to text.
func New(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps a level name to its slog level. Unknown names map to
// info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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
