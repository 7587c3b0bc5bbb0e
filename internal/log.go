package internal

import (
	"context"
	"log/slog"
)

// LevelTrace is a level below slog.LevelDebug for segment-by-segment
// tracing of the packet pipeline without enabling full debug logging.
const LevelTrace slog.Level = slog.LevelDebug - 4

// LogEnabled reports whether l would emit a record at lvl. A nil
// logger is always disabled.
func LogEnabled(l *slog.Logger, lvl slog.Level) bool {
	return l != nil && l.Handler().Enabled(context.Background(), lvl)
}

// LogAttrs is the helper used by every package-local logger wrapper
// in this module. Centralizing it here means a nil *slog.Logger is a
// silent no-op everywhere instead of every call site needing a nil
// check.
func LogAttrs(l *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if l != nil {
		l.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
