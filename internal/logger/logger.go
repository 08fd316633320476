// Package logger wires the module's structured logging, following the
// teacher's component-named zap logger: a package-level global initialized
// once, with per-component accessors via For.
package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component names used as zap logger names throughout the module.
const (
	ComponentScheduler   = "scheduler"
	ComponentTopology    = "topology"
	ComponentDCResolver  = "dcresolver"
	ComponentStatsParser = "statsparser"
	ComponentGroupMeta   = "groupmeta"
	ComponentQuery       = "query"
	ComponentCore        = "core"
)

// Format selects the console encoding; JSON is used in production.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

var (
	once        sync.Once
	initialized bool
)

// New builds a zap.Logger at the given level ("debug", "info", "warn",
// "error") and format.
func New(level string, format Format) *zap.Logger {
	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = zapcore.InfoLevel
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
	}

	var encoder zapcore.Encoder
	if format == FormatConsole {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.NewAtomicLevelAt(lvl))
	return zap.New(core, zap.AddCaller())
}

// Initialize sets up the global logger exactly once.
func Initialize(level string, format Format) {
	once.Do(func() {
		zap.ReplaceGlobals(New(level, format))
		initialized = true
	})
}

// For returns a named logger for a component, initializing a default global
// logger first if nothing has called Initialize yet.
func For(component string) *zap.SugaredLogger {
	if !initialized {
		Initialize("info", FormatJSON)
	}
	return zap.S().Named(component)
}

// Sync flushes any buffered log entries.
func Sync() error {
	return zap.L().Sync()
}
