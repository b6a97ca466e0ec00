// Package obslog constructs the daemon's structured logger.
//
// The teacher logs with fmt.Fprintf to stderr (see internal/util/safego.go);
// this daemon carries the ambient stack a production Go service actually
// uses, per SPEC_FULL.md, so it builds a zap.Logger instead and threads it
// through corectx.Core rather than relying on a package-level logger.
package obslog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// JSON selects JSON encoding (production) vs console encoding (dev).
	JSON bool
}

// New builds a *zap.Logger from Config. Falls back to zap's production
// defaults on an unrecognized level rather than failing startup.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(cfg.Level); err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.JSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	return zap.New(core, zap.AddCaller()), nil
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.Logger { return zap.NewNop() }
