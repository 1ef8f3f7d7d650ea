// Package calog provides the Logger/Helper surface the rest of this module
// logs through. The shape mirrors saferwall/pe's file.go and cmd/dump.go,
// which consume a github.com/saferwall/pe/log package of the same name
// (NewStdLogger, NewHelper, NewFilter, FilterLevel, Errorf/Warnf/Debugf).
// That subpackage itself isn't part of the retrieved pack, but its public
// surface matches github.com/go-kratos/kratos/v2/log exactly, so we build on
// the real thing and back it with zap for structured output.
package calog

import (
	"os"

	kratoslog "github.com/go-kratos/kratos/v2/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger adapts a *zap.SugaredLogger to kratos' log.Logger interface.
type zapLogger struct {
	z *zap.SugaredLogger
}

func (l *zapLogger) Log(level kratoslog.Level, keyvals ...interface{}) error {
	switch level {
	case kratoslog.LevelDebug:
		l.z.Debugw("", keyvals...)
	case kratoslog.LevelInfo:
		l.z.Infow("", keyvals...)
	case kratoslog.LevelWarn:
		l.z.Warnw("", keyvals...)
	case kratoslog.LevelError:
		l.z.Errorw("", keyvals...)
	case kratoslog.LevelFatal:
		l.z.Fatalw("", keyvals...)
	}
	return nil
}

// New builds the Helper every package in this module logs through. verbose
// mirrors spec.md §6's verbose flag: by default the filter passes Warn and
// above; verbose widens it to Debug.
func New(verbose bool) *kratoslog.Helper {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.OutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.TimeKey = ""

	z, err := cfg.Build()
	if err != nil {
		z = zap.NewNop()
	}

	level := kratoslog.LevelWarn
	if verbose {
		level = kratoslog.LevelDebug
	}

	backend := &zapLogger{z: z.Sugar()}
	filtered := kratoslog.NewFilter(backend, kratoslog.FilterLevel(level))
	return kratoslog.NewHelper(filtered)
}

// NewStd is a minimal fallback logger with no external backend, used by
// tests that don't want to pull in zap's console encoder.
func NewStd() *kratoslog.Helper {
	return kratoslog.NewHelper(kratoslog.NewStdLogger(os.Stderr))
}
