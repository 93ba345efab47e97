package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type zapLogger struct {
	logger *zap.Logger
}

// New builds the process logger: JSON in every environment but development, which
// gets a console encoder. LOG_LEVEL applies everywhere.
func New(config Config) (Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.TimeKey = "timestamp"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.MessageKey = "message"
	zapConfig.Level = zap.NewAtomicLevelAt(toZapLevel(config.Level))
	// consumers log every ack and nack; sampling would drop dispositions
	zapConfig.Sampling = nil

	if config.Environment == "development" {
		zapConfig.Development = true
		zapConfig.Encoding = "console"
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := zapConfig.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return newLogger(logger.With(
		zap.String("service", config.ServiceName),
		zap.String("environment", config.Environment),
	)), nil
}

func NewNopLogger() Logger {
	return newLogger(zap.NewNop())
}

func newLogger(l *zap.Logger) *zapLogger {
	return &zapLogger{logger: l}
}

func toZapLevel(level Level) zapcore.Level {
	switch level {
	case DebugLevel:
		return zap.DebugLevel
	case WarnLevel:
		return zap.WarnLevel
	case ErrorLevel:
		return zap.ErrorLevel
	case FatalLevel:
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

func (l *zapLogger) Info(msg string, fields ...Field) {
	l.logger.Info(msg, toZapFields(fields)...)
}

func (l *zapLogger) Debug(msg string, fields ...Field) {
	l.logger.Debug(msg, toZapFields(fields)...)
}

func (l *zapLogger) Warn(msg string, fields ...Field) {
	l.logger.Warn(msg, toZapFields(fields)...)
}

func (l *zapLogger) Error(msg string, fields ...Field) {
	l.logger.Error(msg, toZapFields(fields)...)
}

func (l *zapLogger) Fatal(msg string, fields ...Field) {
	l.logger.Fatal(msg, toZapFields(fields)...)
}

// WithContext attaches the request id and the message in flight, if any.
func (l *zapLogger) WithContext(ctx context.Context) Logger {
	fields := contextFields(ctx)
	if len(fields) == 0 {
		return l
	}
	return newLogger(l.logger.With(fields...))
}

func contextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if requestID := GetRequestID(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}

	d, ok := DeliveryFrom(ctx)
	if !ok {
		return fields
	}
	if d.Exchange != "" {
		fields = append(fields, zap.String("messaging.destination", d.Exchange))
	}
	if d.Queue != "" {
		fields = append(fields, zap.String("messaging.source", d.Queue))
	}
	if d.RoutingKey != "" {
		fields = append(fields, zap.String("messaging.routing_key", d.RoutingKey))
	}
	if d.EventID != "" {
		fields = append(fields, zap.String("event_id", d.EventID))
	}
	if d.Tag != 0 {
		fields = append(fields, zap.Uint64("messaging.delivery_tag", d.Tag))
	}
	return fields
}

func (l *zapLogger) With(fields ...Field) Logger {
	return newLogger(l.logger.With(toZapFields(fields)...))
}

func (l *zapLogger) InfoCtx(ctx context.Context, msg string, fields ...Field) {
	l.WithContext(ctx).Info(msg, fields...)
}

func (l *zapLogger) DebugCtx(ctx context.Context, msg string, fields ...Field) {
	l.WithContext(ctx).Debug(msg, fields...)
}

func (l *zapLogger) WarnCtx(ctx context.Context, msg string, fields ...Field) {
	l.WithContext(ctx).Warn(msg, fields...)
}

func (l *zapLogger) ErrorCtx(ctx context.Context, msg string, fields ...Field) {
	l.WithContext(ctx).Error(msg, fields...)
}

func (l *zapLogger) Sync() error {
	return l.logger.Sync()
}
