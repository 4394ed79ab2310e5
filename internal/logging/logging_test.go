package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func TestNew(t *testing.T) {
	logger, err := New(Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger == nil {
		t.Fatalf("expected logger instance")
	}
	_ = logger.Sync()
}

func TestNewDevelopmentWithLevel(t *testing.T) {
	logger, err := New(Options{Level: "debug", Development: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug level to be enabled")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

type recordingEncoder struct {
	zapcore.PrimitiveArrayEncoder
	values []string
}

func (r *recordingEncoder) AppendString(s string) {
	r.values = append(r.values, s)
}

func TestSeverityEncoder(t *testing.T) {
	tests := map[zapcore.Level]string{
		zapcore.DebugLevel: "DEBUG",
		zapcore.InfoLevel:  "INFO",
		zapcore.WarnLevel:  "WARNING",
		zapcore.ErrorLevel: "ERROR",
		zapcore.PanicLevel: "CRITICAL",
		zapcore.FatalLevel: "ALERT",
	}
	for level, want := range tests {
		enc := &recordingEncoder{}
		severityEncoder(level, enc)
		if len(enc.values) != 1 || enc.values[0] != want {
			t.Fatalf("level %s: expected %s, got %v", level, want, enc.values)
		}
	}
}

func TestContextRoundTrip(t *testing.T) {
	fallback := zaptest.NewLogger(t)
	if got := FromContext(context.Background(), fallback); got != fallback {
		t.Fatalf("expected fallback logger")
	}

	scoped := fallback.With(zap.String("request_id", "abc"))
	ctx := NewContext(context.Background(), scoped)
	if got := FromContext(ctx, fallback); got != scoped {
		t.Fatalf("expected scoped logger from context")
	}
}

func TestTraceFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if fields := TraceFields(req, "demo"); fields != nil {
		t.Fatalf("expected no fields without header, got %v", fields)
	}

	req.Header.Set("X-Cloud-Trace-Context", "105445aa7843bc8bf206b12000100000/1;o=1")
	fields := TraceFields(req, "demo")
	if len(fields) != 2 {
		t.Fatalf("expected trace and span fields, got %v", fields)
	}
	if fields[0].Key != TraceKey || fields[0].String != "projects/demo/traces/105445aa7843bc8bf206b12000100000" {
		t.Fatalf("unexpected trace field %+v", fields[0])
	}
	if fields[1].Key != SpanKey || fields[1].String != "1" {
		t.Fatalf("unexpected span field %+v", fields[1])
	}

	if fields := TraceFields(req, ""); fields != nil {
		t.Fatalf("expected no fields without project id")
	}
}
