package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/waypoint/internal/config"
	"github.com/pitabwire/waypoint/model"
)

func bufferLogger(buf *bytes.Buffer) *zap.Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{MessageKey: "msg"})
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(buf), zapcore.DebugLevel))
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse log entry %q: %v", buf.String(), err)
	}
	return entry
}

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		level      string
		enabled    zapcore.Level
		suppressed zapcore.Level
	}{
		{"info", zapcore.InfoLevel, zapcore.DebugLevel},
		{"debug", zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{"error", zapcore.ErrorLevel, zapcore.WarnLevel},
		{"bogus", zapcore.InfoLevel, zapcore.DebugLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.level})
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			if !logger.Core().Enabled(tt.enabled) {
				t.Errorf("%v should be enabled", tt.enabled)
			}
			if logger.Core().Enabled(tt.suppressed) {
				t.Errorf("%v should be suppressed", tt.suppressed)
			}
		})
	}
}

func TestRequestLogger_deviceRequest(t *testing.T) {
	var buf bytes.Buffer
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID:     "dev-7",
		DeviceID:      "dev-7",
		CorrelationID: "corr-abc",
		TraceID:       "trace-xyz",
	})

	RequestLogger(ctx, bufferLogger(&buf)).Info("fix recorded")

	entry := lastEntry(t, &buf)
	for k, want := range map[string]string{
		"subject_id":     "dev-7",
		"device_id":      "dev-7",
		"correlation_id": "corr-abc",
		"trace_id":       "trace-xyz",
	} {
		if entry[k] != want {
			t.Errorf("%s = %v, want %q", k, entry[k], want)
		}
	}
}

func TestRequestLogger_operatorOmitsDevice(t *testing.T) {
	var buf bytes.Buffer
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID: "ops-1", Roles: []string{"operator"}, CorrelationID: "c1",
	})

	RequestLogger(ctx, bufferLogger(&buf)).Info("refresh")

	entry := lastEntry(t, &buf)
	if _, ok := entry["device_id"]; ok {
		t.Error("device_id should be absent for an operator")
	}
	if _, ok := entry["trace_id"]; ok {
		t.Error("trace_id should be absent when the request has none")
	}
}

func TestRequestLogger_unauthenticatedUsesSpanTrace(t *testing.T) {
	var buf bytes.Buffer
	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled,
	}))

	RequestLogger(ctx, bufferLogger(&buf)).Warn("missing token")

	if got := lastEntry(t, &buf)["trace_id"]; got != tid.String() {
		t.Errorf("trace_id = %v, want %s", got, tid)
	}
}
