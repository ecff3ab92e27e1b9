package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/waypoint/internal/config"
	"github.com/pitabwire/waypoint/model"
)

// NewLogger builds the JSON stdout logger. Every entry carries the build
// version and commit. An unknown level falls back to info.
//
// Levels: error for failures that lose state or answer 5xx, warn for 4xx
// and degraded operation (stale regions, undelivered events), info for
// transitions, workflow progress and refreshes, debug for debounce and
// retry detail.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "json",
		EncoderConfig:    enc,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]any{"version": Version, "commit": Commit},
	}
	return zapCfg.Build()
}

// RequestLogger adds the caller's identity and trace to logger. Requests
// that have not been authenticated yet only get the trace id.
func RequestLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		if id := TraceIDFromContext(ctx); id != "" {
			return logger.With(zap.String("trace_id", id))
		}
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.DeviceID != "" {
		fields = append(fields, zap.String("device_id", rctx.DeviceID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}
