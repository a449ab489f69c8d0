package shared

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LoggerAdapter interface {
	Error(msg string, err error, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Trace(msg string, fields ...zap.Field)
	With(fields ...zap.Field) LoggerAdapter
}

type zapLogger struct {
	logger *zap.Logger
}

var _ LoggerAdapter = (*zapLogger)(nil)

func (l *zapLogger) Error(msg string, err error, fields ...zap.Field) {
	l.logger.Error(msg, append(fields, zap.Error(err))...)
}

func (l *zapLogger) Warn(msg string, fields ...zap.Field) {
	l.logger.Warn(msg, fields...)
}

func (l *zapLogger) Info(msg string, fields ...zap.Field) {
	l.logger.Info(msg, fields...)
}

func (l *zapLogger) Debug(msg string, fields ...zap.Field) {
	l.logger.Debug(msg, fields...)
}

// Trace maps to zap's debug level; zap has nothing finer.
func (l *zapLogger) Trace(msg string, fields ...zap.Field) {
	l.logger.Debug(msg, fields...)
}

func (l *zapLogger) With(fields ...zap.Field) LoggerAdapter {
	return &zapLogger{logger: l.logger.With(fields...)}
}

// NewLogger wraps an existing zap logger.
func NewLogger(logger *zap.Logger) LoggerAdapter {
	return &zapLogger{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func NewStdLogger() LoggerAdapter {
	logger, err := zap.NewProduction(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	return &zapLogger{logger: logger}
}

func NewNopLogger() LoggerAdapter {
	return &zapLogger{logger: zap.NewNop()}
}

func NewFileLogger(filename string, maxSizeMB int, maxBackups int, maxAgeDays int, compress bool) LoggerAdapter {
	hook := lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   compress,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(&hook),
		zapcore.DebugLevel,
	)

	logger := zap.New(core, zap.AddCallerSkip(1))
	return &zapLogger{logger: logger}
}
