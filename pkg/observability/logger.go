// Package observability builds the process logger from configuration.
package observability

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"ttpacket/pkg/config"
)

// Logger is a configured zap logger plus the files it writes to.
type Logger struct {
	*zap.Logger
	Level zap.AtomicLevel

	closers []io.Closer
	restore func()
}

// SetupLogger builds a logger from c, installs it as the zap global and
// redirects the stdlib log package. Close undoes both and releases files.
func SetupLogger(c config.LogConfig) (*Logger, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	l := &Logger{Level: zap.NewAtomicLevelAt(level)}

	encoder := newEncoder(c)
	var cores []zapcore.Core
	for _, out := range c.Outputs {
		ws, err := l.sink(out, c)
		if err != nil {
			_ = l.closeFiles()
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, l.Level))
	}

	opts := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	}
	if c.Development {
		opts = append(opts, zap.Development())
	}
	l.Logger = zap.New(zapcore.NewTee(cores...), opts...)

	undoGlobals := zap.ReplaceGlobals(l.Logger)
	undoStd, err := zap.RedirectStdLogAt(l.Logger, zap.InfoLevel)
	if err != nil {
		undoGlobals()
		_ = l.closeFiles()
		return nil, errors.Wrap(err, "redirect std log")
	}
	l.restore = func() {
		undoStd()
		undoGlobals()
	}
	return l, nil
}

// ParseLevel maps a config level name onto a zap level. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zap.DebugLevel, nil
	case "", "info":
		return zap.InfoLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	}
	return zap.InfoLevel, errors.Errorf("unknown log level %q", s)
}

// Close flushes the logger, restores the previous globals and closes any
// log files.
func (l *Logger) Close() error {
	err := l.Logger.Sync()
	// syncing a terminal fails on some platforms
	if err != nil && isStdSyncErr(err) {
		err = nil
	}
	if l.restore != nil {
		l.restore()
		l.restore = nil
	}
	return multierr.Append(err, l.closeFiles())
}

func (l *Logger) closeFiles() error {
	var err error
	for _, c := range l.closers {
		err = multierr.Append(err, c.Close())
	}
	l.closers = nil
	return err
}

func (l *Logger) sink(out string, c config.LogConfig) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	if c.Rotation.Enable {
		lj := &lumberjack.Logger{
			Filename:   chooseFilename(out, c),
			MaxSize:    max(c.Rotation.MaxSizeMB, 10),
			MaxBackups: max(c.Rotation.MaxBackups, 1),
			MaxAge:     max(c.Rotation.MaxAgeDays, 7),
			Compress:   c.Rotation.Compress,
		}
		l.closers = append(l.closers, lj)
		return zapcore.AddSync(lj), nil
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "log dir %s", dir)
		}
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open log %s", out)
	}
	l.closers = append(l.closers, f)
	return zapcore.AddSync(f), nil
}

func newEncoder(c config.LogConfig) zapcore.Encoder {
	var encCfg zapcore.EncoderConfig
	if c.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if strings.EqualFold(c.Format, "json") {
		// no color codes in json
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		return zapcore.NewJSONEncoder(encCfg)
	}
	return zapcore.NewConsoleEncoder(encCfg)
}

// chooseFilename prefers the rotation filename when one is configured.
func chooseFilename(out string, c config.LogConfig) string {
	if strings.TrimSpace(c.Rotation.Filename) != "" {
		return c.Rotation.Filename
	}
	return out
}

func isStdSyncErr(err error) bool {
	var pe *os.PathError
	return errors.As(err, &pe) && (pe.Path == "/dev/stdout" || pe.Path == "/dev/stderr")
}
