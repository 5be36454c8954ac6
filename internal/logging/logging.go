package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ServiceName is attached to every log record
const ServiceName = "aegisflux-guardian"

// Logger is the service logger with a level that can change at runtime
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// New creates a JSON logger. Under systemd it writes to stderr for the
// journal; otherwise to stdout.
func New(level, hostID string) *Logger {
	var output io.Writer = os.Stdout
	if IsSystemd() {
		output = os.Stderr
	}
	return NewWithWriter(output, level, hostID)
}

// NewWithWriter creates a JSON logger writing to w
func NewWithWriter(w io.Writer, level, hostID string) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(ParseLevel(level))

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     lv,
		AddSource: !IsSystemd(),
	})

	return &Logger{
		Logger: slog.New(handler).With(
			"service", ServiceName,
			"host_id", hostID,
		),
		level: lv,
	}
}

// SetLevel changes the minimum level of every logger derived from l
func (l *Logger) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
	l.Info("Log level changed", "level", l.level.Level().String())
}

// ParseLevel parses a log level name, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// IsSystemd reports whether the process runs as a systemd service
func IsSystemd() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("NOTIFY_SOCKET") != "" || os.Getpid() == 1
}
