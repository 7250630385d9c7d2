// Package logging constructs the zap logger used for engine diagnostics.
// Human-facing terminal output (tables, spinners) does not go through zap;
// this logger is for structured debug and operational records only.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	// Debug lowers the level to DebugLevel.
	Debug bool
	// JSON forces JSON encoding regardless of Debug.
	JSON bool
}

// New builds a logger writing to stderr. Stdout is reserved for step results
// and scan documents, which downstream tools parse as JSON.
func New(opts Options) *zap.Logger {
	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if opts.JSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		devCfg := zap.NewDevelopmentEncoderConfig()
		devCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(devCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

// Nop returns a no-op logger for tests and for callers that have not set one.
func Nop() *zap.Logger {
	return zap.NewNop()
}
