// Package pipelog wraps go.uber.org/zap the way the teacher project's
// internal/logger does: a thin Logger around a SugaredLogger, component
// scoping via With, and key/value redaction before anything sensitive
// reaches a log sink. Redaction here is extended to cover the arbitrary
// seed.data/seed.context payloads this system logs verbatim at several
// points, since seeds are user-supplied and may carry credential-shaped
// fields.
package pipelog

import (
	"strings"

	"go.uber.org/zap"
)

// Logger is a structured, component-scoped logger.
type Logger struct {
	sugar *zap.SugaredLogger
}

// New builds a Logger. mode "prod"/"production" selects zap's production
// config (JSON, info+); anything else selects development config
// (console, debug+), matching the teacher's New(mode).
func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{sugar: z.Sugar()}, nil
}

// Sync flushes buffered log entries; call before process exit.
func (l *Logger) Sync() {
	if l == nil || l.sugar == nil {
		return
	}
	_ = l.sugar.Sync()
}

func (l *Logger) Debug(msg string, kv ...any) { l.sugar.Debugw(msg, sanitize(kv)...) }
func (l *Logger) Info(msg string, kv ...any)  { l.sugar.Infow(msg, sanitize(kv)...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.sugar.Warnw(msg, sanitize(kv)...) }
func (l *Logger) Error(msg string, kv ...any) { l.sugar.Errorw(msg, sanitize(kv)...) }

// With returns a child Logger carrying kv on every subsequent call,
// typically used to scope a logger to a component or jobId.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{sugar: l.sugar.With(sanitize(kv)...)}
}

func sanitize(kv []any) []any {
	if len(kv) == 0 {
		return kv
	}
	out := make([]any, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if i == len(kv)-1 {
			out = append(out, kv[i])
			break
		}
		key := strings.ToLower(strings.TrimSpace(toString(kv[i])))
		out = append(out, kv[i], sanitizeValue(key, kv[i+1]))
	}
	return out
}

func sanitizeValue(key string, val any) any {
	if isSensitiveKey(key) {
		return "[REDACTED]"
	}
	switch v := val.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, vv := range v {
			m[k] = sanitizeValue(strings.ToLower(k), vv)
		}
		return m
	default:
		return val
	}
}

func isSensitiveKey(key string) bool {
	for _, marker := range []string{"token", "password", "secret", "authorization", "apikey", "api_key", "cookie"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
