package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names for structured logging across the validator.
const (
	FieldPath       = "path"
	FieldSize       = "size"
	FieldError      = "error"
	FieldAction     = "action"
	FieldVerdictID  = "verdict_id"
	FieldDueAt      = "due_at"
	FieldPending    = "pending"
	FieldDurationMS = "duration_ms"
	FieldAddress    = "address"
)

// Logger is the global logger instance.
var Logger *zap.SugaredLogger

func init() {
	// Safe no-op logger until Initialize is called.
	Logger = zap.NewNop().Sugar()
}

// Options controls how Initialize builds the global logger.
type Options struct {
	JSON  bool
	Debug bool
	// File is an optional log file appended to in addition to stdout.
	File string
}

// Initialize sets up the global logger.
func Initialize(opts Options) error {
	level := zap.InfoLevel
	if opts.Debug {
		level = zap.DebugLevel
	}

	var config zap.Config
	if opts.JSON {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		config.DisableStacktrace = true
	}
	config.Level = zap.NewAtomicLevelAt(level)
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}
	if opts.File != "" {
		// zap opens file sinks in append mode.
		config.OutputPaths = append(config.OutputPaths, opts.File)
	}

	zapLogger, err := config.Build()
	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// ComponentLogger returns a named logger for a specific component.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// Cleanup flushes any buffered log entries.
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}
