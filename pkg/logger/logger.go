package logger

import (
	"context"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/instill-ai/execution-backend/config"
	"github.com/instill-ai/execution-backend/pkg/types"
)

var once sync.Once
var core zapcore.Core

// GetZapLogger returns an instance of zap logger. Debug mode enables debug
// logs and the development encoder. Warnings and errors go to stderr, the
// rest to stdout. Every entry is also recorded as an event on the span
// carried by ctx.
func GetZapLogger(ctx context.Context) (*zap.Logger, error) {
	var err error
	once.Do(func() {
		stdoutLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
			if config.Config.Server.Debug {
				return level == zapcore.DebugLevel || level == zapcore.InfoLevel
			}
			return level == zapcore.InfoLevel
		})
		stderrLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
			return level >= zapcore.WarnLevel
		})

		encoderConfig := zap.NewProductionEncoderConfig()
		if config.Config.Server.Debug {
			encoderConfig = zap.NewDevelopmentEncoderConfig()
		}

		core = zapcore.NewTee(
			zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.Lock(os.Stdout), stdoutLevel),
			zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.Lock(os.Stderr), stderrLevel),
		)
	})

	logger := zap.New(core).WithOptions(
		zap.Hooks(func(entry zapcore.Entry) error {
			span := trace.SpanFromContext(ctx)
			if !span.IsRecording() {
				return nil
			}

			span.AddEvent("log", trace.WithAttributes(
				attribute.String("log.severity", entry.Level.String()),
				attribute.String("log.message", entry.Message),
			))

			if entry.Level >= zap.ErrorLevel {
				span.SetStatus(codes.Error, entry.Message)
			} else {
				span.SetStatus(codes.Ok, "")
			}

			return nil
		}),
		zap.AddCaller(),
	)

	return logger, err
}

// ExecutionFields returns the fields every orchestration log line carries.
func ExecutionFields(executionUID types.ExecutionUIDType, orgID string) []zap.Field {
	return []zap.Field{
		zap.String("executionUID", executionUID.String()),
		zap.String("organizationID", orgID),
	}
}
