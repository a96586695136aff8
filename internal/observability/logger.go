// Package observability owns the relay's process logger. Components take a
// *zap.Logger and name it after themselves (agent_channel, surface_hub, ...),
// so every line says which side of the relay produced it.
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/xkilldash9x/agentxen/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger atomic.Pointer[zap.Logger]
	once         sync.Once
)

const colorReset = "\x1b[0m"

// colorMap holds the color names accepted under logger.colors.
var colorMap = map[string]string{
	"black":   "\x1b[30m",
	"red":     "\x1b[31m",
	"green":   "\x1b[32m",
	"yellow":  "\x1b[33m",
	"blue":    "\x1b[34m",
	"magenta": "\x1b[35m",
	"cyan":    "\x1b[36m",
	"white":   "\x1b[37m",
}

// Initialize builds the process logger on the first call; later calls are
// ignored until ResetForTest. Console lines go to consoleWriter. When
// cfg.LogFile is set, a rotated JSON file receives the same entries, which
// is where agent payloads logged at debug end up for post-mortems.
func Initialize(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer) {
	initialize(cfg, consoleWriter, zapcore.DebugLevel)
}

// InitializeLogger logs to stderr. The relay's stdout stays free for the
// version and token commands, whose output is meant to be piped.
func InitializeLogger(cfg config.LoggerConfig) {
	initialize(cfg, zapcore.Lock(os.Stderr), zapcore.DebugLevel)
}

// InitializeChatLogger is InitializeLogger for the chat command. The terminal
// is shared with the transcript, so the console only shows warnings and
// worse. The log file still records everything at cfg.Level.
func InitializeChatLogger(cfg config.LoggerConfig) {
	initialize(cfg, zapcore.Lock(os.Stderr), zapcore.WarnLevel)
}

func initialize(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer, consoleFloor zapcore.Level) {
	once.Do(func() {
		level := zap.NewAtomicLevel()
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}
		console := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= consoleFloor && level.Enabled(l)
		})

		cores := []zapcore.Core{zapcore.NewCore(newEncoder(cfg), consoleWriter, console)}
		if cfg.LogFile != "" {
			rotated := zapcore.AddSync(&lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			})
			cores = append(cores, zapcore.NewCore(newEncoder(config.LoggerConfig{Format: "json"}), rotated, level))
		}

		options := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
		if cfg.AddSource {
			options = append(options, zap.AddCaller())
		}

		logger := zap.New(zapcore.NewTee(cores...), options...).Named(cfg.ServiceName)
		globalLogger.Store(logger)

		// chromedp and net/http report through the standard log package.
		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

// ResetForTest forgets the process logger.
func ResetForTest() {
	globalLogger.Store(nil)
	once = sync.Once{}
}

func newColorizedLevelEncoder(colors config.ColorConfig) zapcore.LevelEncoder {
	byLevel := map[zapcore.Level]string{
		zapcore.DebugLevel:  colors.Debug,
		zapcore.InfoLevel:   colors.Info,
		zapcore.WarnLevel:   colors.Warn,
		zapcore.ErrorLevel:  colors.Error,
		zapcore.DPanicLevel: colors.DPanic,
		zapcore.PanicLevel:  colors.Panic,
		zapcore.FatalLevel:  colors.Fatal,
	}
	return func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		name := strings.ToUpper(level.String())
		if color, ok := colorMap[byLevel[level]]; ok {
			enc.AppendString(color + name + colorReset)
			return
		}
		enc.AppendString(name)
	}
}

// newEncoder picks the console encoder for "console" and JSON for anything
// else. Console lines print the component name as "agentxen.surface_hub.".
func newEncoder(cfg config.LoggerConfig) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")

	if cfg.Format == "console" {
		ec.EncodeLevel = newColorizedLevelEncoder(cfg.Colors)
		ec.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(name + ".")
		}
		return zapcore.NewConsoleEncoder(ec)
	}

	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(ec)
}

// GetLogger returns the process logger. Before initialization it hands out
// an unstored development logger so early failures still get printed.
func GetLogger() *zap.Logger {
	if logger := globalLogger.Load(); logger != nil {
		return logger
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	l.Warn("Logger used before configuration was loaded.")
	return l.Named("fallback")
}

// Sync flushes the process logger. main calls it on the way out.
func Sync() {
	logger := globalLogger.Load()
	if logger == nil {
		return
	}
	if err := logger.Sync(); err != nil {
		// stderr is usually a terminal or a pipe, and those reject fsync.
		msg := err.Error()
		if !strings.Contains(msg, "sync /dev/std") &&
			!strings.Contains(msg, "invalid argument") &&
			!strings.Contains(msg, "inappropriate ioctl") &&
			!strings.Contains(msg, "operation not supported") {
			fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
		}
	}
}
