// Package log holds the process wide structured logger.
//
// Logging goes through logr so that packages only depend on the interface,
// zap does the actual encoding.
package log

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const TimeFormat = "2006-01-02 15:04:05.999"

// AtomicLevel can be changed at runtime to switch the level of every logger.
var AtomicLevel = zap.NewAtomicLevel()

var GlobalLogger, LogrLogger = MustNewLogger()

// SetLevel parses level (debug, info, error...) and applies it.
// Unknown levels are ignored.
func SetLevel(level string) {
	if err := AtomicLevel.UnmarshalText([]byte(level)); err != nil {
		LogrLogger.Error(err, "invalid log level", "level", level)
		return
	}
	LogrLogger.Info("logger level updated", "level", level)
}

func MustNewLogger() (*zap.Logger, logr.Logger) {
	config := zap.NewProductionConfig()
	config.Encoding = "console"
	config.Level = AtomicLevel
	// level from env
	_ = AtomicLevel.UnmarshalText([]byte(os.Getenv("LOG_LEVEL")))
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(TimeFormat)
	config.DisableStacktrace = true
	config.Sampling = nil
	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger, zapr.NewLogger(logger)
}

var NewContext = logr.NewContext

var FromContextOrDiscard = logr.FromContextOrDiscard

func Error(err error, msg string, keysAndValues ...interface{}) {
	LogrLogger.WithCallDepth(1).Error(err, msg, keysAndValues...)
}

func Info(msg string, keysAndValues ...interface{}) {
	LogrLogger.WithCallDepth(1).Info(msg, keysAndValues...)
}

func V(level int) logr.Logger {
	return LogrLogger.V(level)
}

func WithName(name string) logr.Logger {
	return LogrLogger.WithName(name)
}

func WithValues(keysAndValues ...interface{}) logr.Logger {
	return LogrLogger.WithValues(keysAndValues...)
}

// Sync flushes buffered entries. Call it before the process exits.
func Sync() {
	_ = GlobalLogger.Sync()
}

// NewFileLogger creates a logger appending to the file at path.
// The returned func flushes and closes the file.
func NewFileLogger(path string) (logr.Logger, func(), error) {
	sink, closeSink, err := zap.Open(path)
	if err != nil {
		return logr.Discard(), func() {}, err
	}
	encoder := zap.NewProductionEncoderConfig()
	encoder.EncodeTime = zapcore.TimeEncoderOfLayout(TimeFormat)
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoder), sink, zapcore.DebugLevel)
	logger := zap.New(core)
	return zapr.NewLogger(logger), func() {
		_ = logger.Sync()
		closeSink()
	}, nil
}
