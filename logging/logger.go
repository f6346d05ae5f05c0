// Package logging provides the structured logger used across PicGo.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger and redacts sensitive data from every entry.
//
// Output is teed to the console and a rotated JSON log file. Components that
// only need a *zap.Logger take Zap().
//
// Example:
//
//	logger, err := NewLogger(true, "picgo.log")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("model loaded", zap.String("family", "large"))
type Logger struct {
	zap           *zap.Logger
	sugar         *zap.SugaredLogger
	isDevelopment bool
	logFilePath   string
}

// NewLogger creates a Logger writing to stdout and to logFilePath.
//
// Development mode logs at debug level with a colored console encoder;
// otherwise info level and JSON on both outputs. The file is rotated by
// lumberjack using DefaultFileWriterConfig.
func NewLogger(isDevelopment bool, logFilePath string) (*Logger, error) {
	return NewLoggerWithConfig(isDevelopment, logFilePath, DefaultFileWriterConfig())
}

// NewLoggerWithConfig creates a Logger with custom file rotation settings.
func NewLoggerWithConfig(isDevelopment bool, logFilePath string, fileConfig FileWriterConfig) (*Logger, error) {
	if logFilePath == "" {
		return nil, fmt.Errorf("log file path is required")
	}
	fileWriter := NewFileWriterWithConfig(logFilePath, fileConfig)
	core := NewMultiCoreWithWriters(levelFor(isDevelopment), zapcore.Lock(os.Stdout), fileWriter, isDevelopment)
	return newLogger(core, isDevelopment, logFilePath), nil
}

// NewLoggerAtLevel is NewLogger with an explicit level name such as "warn".
// An empty name keeps the mode default.
func NewLoggerAtLevel(isDevelopment bool, logFilePath, level string) (*Logger, error) {
	if logFilePath == "" {
		return nil, fmt.Errorf("log file path is required")
	}
	lvl := levelFor(isDevelopment)
	if level != "" {
		lvl = ParseLevel(level)
	}
	fileWriter := NewFileWriterWithConfig(logFilePath, DefaultFileWriterConfig())
	core := NewMultiCoreWithWriters(lvl, zapcore.Lock(os.Stdout), fileWriter, isDevelopment)
	return newLogger(core, isDevelopment, logFilePath), nil
}

// NewLoggerWithWriters builds a Logger over arbitrary sinks. Tests use it with buffers.
func NewLoggerWithWriters(isDevelopment bool, consoleWriter, fileWriter zapcore.WriteSyncer) *Logger {
	core := NewMultiCoreWithWriters(levelFor(isDevelopment), consoleWriter, fileWriter, isDevelopment)
	return newLogger(core, isDevelopment, "")
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	z := zap.NewNop()
	return &Logger{zap: z, sugar: z.Sugar()}
}

func newLogger(core zapcore.Core, isDevelopment bool, path string) *Logger {
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	return &Logger{
		zap:           z,
		sugar:         z.Sugar(),
		isDevelopment: isDevelopment,
		logFilePath:   path,
	}
}

func levelFor(isDevelopment bool) zapcore.Level {
	if isDevelopment {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	if l == nil || l.zap == nil {
		return nil
	}
	return l.zap.Sync()
}

func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.zap.Debug(msg, redactFields(fields)...)
}

func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.zap.Info(msg, redactFields(fields)...)
}

func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.zap.Warn(msg, redactFields(fields)...)
}

func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.zap.Error(msg, redactFields(fields)...)
}

// Infow logs with loosely-typed key-value pairs.
func (l *Logger) Infow(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, redactKeysAndValues(keysAndValues)...)
}

// Warnw logs with loosely-typed key-value pairs.
func (l *Logger) Warnw(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, redactKeysAndValues(keysAndValues)...)
}

// Errorw logs with loosely-typed key-value pairs.
func (l *Logger) Errorw(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, redactKeysAndValues(keysAndValues)...)
}

// With creates a child logger that adds fields to every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	z := l.zap.With(redactFields(fields)...)
	return &Logger{zap: z, sugar: z.Sugar(), isDevelopment: l.isDevelopment, logFilePath: l.logFilePath}
}

// Named adds a sub-logger name, shown in the "source" field.
func (l *Logger) Named(name string) *Logger {
	z := l.zap.Named(name)
	return &Logger{zap: z, sugar: z.Sugar(), isDevelopment: l.isDevelopment, logFilePath: l.logFilePath}
}

// Zap returns the underlying zap.Logger without the caller-skip wrapper
// adjustment, for components that accept *zap.Logger directly.
func (l *Logger) Zap() *zap.Logger {
	return l.zap.WithOptions(zap.AddCallerSkip(-1))
}

func (l *Logger) IsDevelopment() bool { return l.isDevelopment }

func (l *Logger) LogFilePath() string { return l.logFilePath }

func redactFields(fields []zap.Field) []zap.Field {
	if len(fields) == 0 {
		return fields
	}
	result := make([]zap.Field, len(fields))
	for i, field := range fields {
		result[i] = redactField(field)
	}
	return result
}

func redactField(field zap.Field) zap.Field {
	if IsSensitiveField(field.Key) {
		return zap.String(field.Key, RedactedPlaceholder)
	}
	switch field.Type {
	case zapcore.StringType:
		if redacted := RedactSensitiveData(field.String); redacted != field.String {
			return zap.String(field.Key, redacted)
		}
	case zapcore.ErrorType:
		if err, ok := field.Interface.(error); ok && err != nil {
			if redacted := RedactSensitiveData(err.Error()); redacted != err.Error() {
				return zap.String(field.Key, redacted)
			}
		}
	}
	return field
}

// Even indices are keys, odd indices are values.
func redactKeysAndValues(keysAndValues []interface{}) []interface{} {
	if len(keysAndValues) == 0 {
		return keysAndValues
	}
	result := make([]interface{}, len(keysAndValues))
	copy(result, keysAndValues)
	for i := 0; i < len(result)-1; i += 2 {
		key, ok := result[i].(string)
		if !ok {
			continue
		}
		if IsSensitiveField(key) {
			result[i+1] = RedactedPlaceholder
			continue
		}
		if value, ok := result[i+1].(string); ok {
			result[i+1] = RedactSensitiveData(value)
		}
	}
	return result
}
