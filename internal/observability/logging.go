package observability

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/efebarandurmaz/imagesearch/internal/vector"
)

// LogConfig selects the slog handler and minimum level.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text or json
}

// NewLogger builds a slog.Logger writing to w (stderr when nil).
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StoreErrorAttrs returns the attributes logged for a failed store or ranker
// call: error, plus kind and op when err is a *vector.Error.
func StoreErrorAttrs(err error) []any {
	attrs := []any{"error", err}
	var se *vector.Error
	if errors.As(err, &se) {
		attrs = append(attrs, "kind", se.Kind.String(), "op", se.Op)
	}
	return attrs
}
