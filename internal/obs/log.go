package obs

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig selects level and output format of the process logger.
type LogConfig struct {
	Level  string
	Format string
	Output io.Writer
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

var (
	logMu  sync.RWMutex
	logger = newLogger(LogConfig{})
)

// InitLogger reconfigures the shared logger. Safe to call more than once.
func InitLogger(cfg LogConfig) {
	l := newLogger(cfg)
	logMu.Lock()
	logger = l
	logMu.Unlock()
}

func newLogger(cfg LogConfig) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(out).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Logger returns the shared structured logger used across the service.
func Logger() *zerolog.Logger {
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	return &l
}

// SetOutput redirects the shared logger (JSON format) and returns a function restoring the previous one.
func SetOutput(w io.Writer) func() {
	logMu.Lock()
	prev := logger
	logger = newLogger(LogConfig{Level: "debug", Output: w})
	logMu.Unlock()
	return func() {
		logMu.Lock()
		logger = prev
		logMu.Unlock()
	}
}

// ContextWithRequestID attaches the request identifier used by Ctx and the audit trail.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request identifier or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// Ctx returns the shared logger enriched with request-scoped fields.
func Ctx(ctx context.Context) *zerolog.Logger {
	l := Logger()
	if rid := RequestIDFromContext(ctx); rid != "" {
		child := l.With().Str("request_id", rid).Logger()
		return &child
	}
	return l
}

// LogRequest emits a structured access log line with common HTTP fields.
func LogRequest(fields map[string]any) {
	Logger().Info().Fields(fields).Msg("request_complete")
}
