// Package logging builds zap loggers whose JSON output Cloud Logging parses
// natively (severity, message, trace) and carries request-scoped loggers in
// contexts.
package logging

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// TraceKey is the structured field Cloud Logging uses to correlate
	// entries with a Cloud Trace trace.
	TraceKey = "logging.googleapis.com/trace"
	// SpanKey correlates an entry with a span inside the trace.
	SpanKey = "logging.googleapis.com/spanId"

	traceHeader = "X-Cloud-Trace-Context"
)

// Options configures New.
type Options struct {
	Level string `yaml:"level"`
	// Development switches to a human-readable console encoder.
	Development bool `yaml:"development"`
}

// New creates a structured logger. Production output is JSON with Cloud
// Logging field names.
func New(opts Options) (*zap.Logger, error) {
	level := zap.InfoLevel
	if opts.Level != "" {
		parsed, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "json"
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.LevelKey = "severity"
		cfg.EncoderConfig.EncodeLevel = severityEncoder
		cfg.EncoderConfig.MessageKey = "message"
		cfg.EncoderConfig.StacktraceKey = "stacktrace"
		cfg.DisableStacktrace = false
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// severityEncoder maps zap levels onto Cloud Logging severities.
func severityEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch l {
	case zapcore.DebugLevel:
		enc.AppendString("DEBUG")
	case zapcore.InfoLevel:
		enc.AppendString("INFO")
	case zapcore.WarnLevel:
		enc.AppendString("WARNING")
	case zapcore.ErrorLevel:
		enc.AppendString("ERROR")
	case zapcore.DPanicLevel, zapcore.PanicLevel:
		enc.AppendString("CRITICAL")
	case zapcore.FatalLevel:
		enc.AppendString("ALERT")
	default:
		enc.AppendString("DEFAULT")
	}
}

type loggerKey struct{}

// NewContext returns ctx carrying logger.
func NewContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the request logger or fallback when none is set.
func FromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return fallback
}

// TraceFields parses X-Cloud-Trace-Context ("TRACE_ID/SPAN_ID;o=1") into the
// fields Cloud Logging uses for correlation. It returns nil when the header
// is absent or the project is unknown.
func TraceFields(r *http.Request, projectID string) []zap.Field {
	header := r.Header.Get(traceHeader)
	if header == "" || projectID == "" {
		return nil
	}

	traceID, rest, _ := strings.Cut(header, "/")
	if traceID == "" {
		return nil
	}
	fields := []zap.Field{zap.String(TraceKey, fmt.Sprintf("projects/%s/traces/%s", projectID, traceID))}

	spanID, _, _ := strings.Cut(rest, ";")
	if spanID != "" {
		fields = append(fields, zap.String(SpanKey, spanID))
	}
	return fields
}
