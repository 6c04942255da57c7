package logger

import (
	"os"
	"unicode/utf8"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with additional functionality
type Logger struct {
	*zap.Logger
}

// Config contains logger configuration
type Config struct {
	Level  string
	Format string // json or console
	Output string // stdout (default) or stderr
	File   *FileConfig
}

// FileConfig contains file logging configuration
type FileConfig struct {
	Enabled bool
	Path    string
}

// New creates a new logger instance
func New(config Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	var encoderConfig zapcore.EncoderConfig
	if config.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
	}
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if config.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	out := os.Stdout
	if config.Output == "stderr" {
		out = os.Stderr
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(out), level),
	}

	if config.File != nil && config.File.Enabled {
		file, err := os.OpenFile(config.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, err
		}

		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(file),
			level,
		))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return &Logger{Logger: logger}, nil
}

// NewNop returns a logger that discards everything. Used by tests and by
// components constructed without a logger.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// WithRequestID adds a request ID to the logger context
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("request_id", requestID))}
}

// WithComponent adds a component name to the logger context
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("component", component))}
}

// LogRejection logs a parameter name or value that failed the allow/deny check.
func (l *Logger) LogRejection(source, parameter, candidate, remoteAddr string) {
	l.Warn("Request rejected by input filter",
		zap.String("source", source),
		zap.String("parameter", parameter),
		zap.String("candidate", truncate(candidate, 256)),
		zap.String("remote_addr", remoteAddr),
	)
}

// LogSubstitution logs a parameter name or value rewritten by an escape rule.
func (l *Logger) LogSubstitution(field, parameter, pattern, before, after, remoteAddr string) {
	l.Info("Parameter matched escape pattern",
		zap.String("field", field),
		zap.String("parameter", parameter),
		zap.String("pattern", pattern),
		zap.String("before", truncate(before, 256)),
		zap.String("after", truncate(after, 256)),
		zap.String("remote_addr", remoteAddr),
	)
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
