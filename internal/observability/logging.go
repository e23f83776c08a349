// Package observability provides structured logging setup with secret
// redaction, Prometheus metrics, and OpenTelemetry trace helpers for the
// codexd core.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
)

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" or "text". JSON is recommended for production.
	Format string

	// Output defaults to os.Stderr so protocol traffic on stdout stays
	// clean.
	Output io.Writer
}

// defaultRedactPatterns cover common secret shapes in log values.
var defaultRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[-_]?key|token|secret|password|authorization)(["':=\s]+)\S+`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`Bearer\s+\S+`),
}

// NewLogger builds a slog.Logger per the config with redaction applied to
// string attribute values.
func NewLogger(cfg LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindString {
				a.Value = slog.StringValue(Redact(a.Value.String()))
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// Redact replaces secret-looking substrings with a placeholder.
func Redact(s string) string {
	for _, pattern := range defaultRedactPatterns {
		s = pattern.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// SetDefault installs the configured logger process-wide.
func SetDefault(cfg LogConfig) *slog.Logger {
	logger := NewLogger(cfg)
	slog.SetDefault(logger)
	return logger
}

// contextKey is the type for context keys used by this package.
type contextKey string

const conversationKey contextKey = "conversation_id"

// WithConversation tags a context with the conversation id for log
// correlation.
func WithConversation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationKey, id)
}

// ConversationFrom returns the conversation id stored in ctx, if any.
func ConversationFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(conversationKey).(string)
	return id, ok
}
