package logging

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// sensitiveKeyPatterns lists substrings that indicate a log attribute key
// holds a secret value. Values logged under these keys are fully redacted.
var sensitiveKeyPatterns = []string{
	"password",
	"secret",
	"private_key",
	"credential",
	"mnemonic",
}

// providerKeyPattern matches project keys embedded in RPC provider URLs
// (https://.../v2/<key> and friends). The key segment is the secret.
var providerKeyPattern = regexp.MustCompile(`(https?://[^\s"]+/v[0-9]/)([A-Za-z0-9_-]{16,})`)

// apiKeyQueryPattern matches api keys passed as URL query parameters.
var apiKeyQueryPattern = regexp.MustCompile(`([?&](?:api_?key|token|auth)=)([^&\s"]+)`)

// ethPrivateKeyPattern matches Ethereum-style private keys (0x followed by 64
// hex chars). Addresses are 40 hex chars and never match.
var ethPrivateKeyPattern = regexp.MustCompile(`\b0x[0-9a-fA-F]{64}\b`)

// RedactingHandler wraps an slog.Handler and redacts sensitive values before
// they are passed to the inner handler.
type RedactingHandler struct {
	inner slog.Handler
}

// NewRedactingHandler creates a RedactingHandler that wraps the given inner handler.
func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

// Enabled reports whether the inner handler handles records at the given level.
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle redacts sensitive attribute values and forwards the record to the inner handler.
func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	var redacted []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		redacted = append(redacted, redactAttr(a))
		return true
	})

	newRecord := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	newRecord.AddAttrs(redacted...)

	return h.inner.Handle(ctx, newRecord)
}

// WithAttrs returns a new handler with the given attributes redacted.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(redacted)}
}

// WithGroup returns a new handler with the given group name.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

// redactAttr returns a copy of the attribute with its value redacted if necessary.
func redactAttr(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)

	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(key, pattern) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}

	if a.Value.Kind() == slog.KindString {
		val := a.Value.String()
		redacted := RedactString(val)
		if redacted != val {
			return slog.String(a.Key, redacted)
		}
	}

	return a
}

// RedactString scans a string value and masks known secret patterns. RPC URLs
// are logged frequently (endpoint selection, failover) so provider keys in
// their paths must never reach the log stream whole.
func RedactString(val string) string {
	val = providerKeyPattern.ReplaceAllStringFunc(val, func(match string) string {
		parts := providerKeyPattern.FindStringSubmatch(match)
		key := parts[2]
		if len(key) <= 6 {
			return parts[1] + "..."
		}
		return parts[1] + key[:6] + "..."
	})

	val = apiKeyQueryPattern.ReplaceAllString(val, "${1}[REDACTED]")

	val = ethPrivateKeyPattern.ReplaceAllStringFunc(val, func(match string) string {
		return match[:6] + "..." + match[len(match)-4:]
	})

	return val
}

// EnableRedaction wraps the current global logger with a RedactingHandler.
// After calling this, all log output through the global logging functions
// will have sensitive values automatically redacted.
func EnableRedaction() {
	mu.Lock()
	defer mu.Unlock()

	handler := defaultLogger.Handler()

	// Avoid double-wrapping if already a RedactingHandler
	if _, ok := handler.(*RedactingHandler); ok {
		return
	}

	defaultLogger = slog.New(NewRedactingHandler(handler))
}

// NewRedactingLogger creates a new slog.Logger with redaction enabled.
func NewRedactingLogger(inner slog.Handler) *slog.Logger {
	return slog.New(NewRedactingHandler(inner))
}
