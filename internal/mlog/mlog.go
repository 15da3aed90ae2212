// Package mlog provides the structured logger used throughout this module:
// a named, leveled logger (Logger{Name: ...}, Debugln, Println, DebugMsg,
// Error) backed by zap.
package mlog

import (
	"fmt"
	"io"
	stdlog "log"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
)

// Logger is a named, leveled logger. The zero value is usable and logs
// through a process-wide production zap core; set Debug to enable
// debug-level output for this particular named logger.
type Logger struct {
	Name  string
	Debug bool
}

var base = newBase()

// newBase builds the production core at debug level, so that the per-logger
// Debug field alone decides whether debug output is written.
func newBase() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	return zap.Must(cfg.Build()).Sugar()
}

// Replace swaps the process-wide zap core. Intended for tests that want to
// capture log output or silence it.
func Replace(l *zap.Logger) {
	base = l.Sugar()
}

func (l Logger) named() *zap.SugaredLogger {
	if l.Name == "" {
		return base
	}
	return base.Named(l.Name)
}

// Println logs an informational line, analogous to log.Println.
func (l Logger) Println(args ...interface{}) {
	l.named().Info(fmt.Sprint(args...))
}

// Msg logs a single informational message with no extra fields.
func (l Logger) Msg(msg string) {
	l.named().Info(msg)
}

// Debugln logs at debug level when the logger's Debug flag is set.
func (l Logger) Debugln(args ...interface{}) {
	if !l.Debug {
		return
	}
	l.named().Debug(fmt.Sprint(args...))
}

// DebugMsg logs a structured debug message with key/value pairs, only when
// Debug is enabled on this logger.
func (l Logger) DebugMsg(msg string, kv ...interface{}) {
	if !l.Debug {
		return
	}
	l.named().Debugw(msg, kv...)
}

// Error logs a message with its associated error and optional key/value
// pairs. Errors logged here are advisory diagnostics; they never alter
// control flow on their own.
func (l Logger) Error(msg string, err error, kv ...interface{}) {
	args := append([]interface{}{"error", err}, kv...)
	l.named().Errorw(msg, args...)
}

// AsHCLog adapts this Logger to the hclog.Logger interface, for host
// processes that standardized on hashicorp/go-hclog for their own plumbing
// and want to capture this module's log stream without running two
// independent logging pipelines.
func (l Logger) AsHCLog() hclog.Logger {
	return &hclogAdapter{l: l}
}

type hclogAdapter struct {
	l Logger
}

func (h *hclogAdapter) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Debug, hclog.Trace:
		h.l.DebugMsg(msg, args...)
	case hclog.Error:
		h.l.named().Errorw(msg, args...)
	default:
		h.l.named().Infow(msg, args...)
	}
}

func (h *hclogAdapter) Trace(msg string, args ...interface{}) { h.Log(hclog.Trace, msg, args...) }
func (h *hclogAdapter) Debug(msg string, args ...interface{}) { h.Log(hclog.Debug, msg, args...) }
func (h *hclogAdapter) Info(msg string, args ...interface{})  { h.Log(hclog.Info, msg, args...) }
func (h *hclogAdapter) Warn(msg string, args ...interface{})  { h.Log(hclog.Warn, msg, args...) }
func (h *hclogAdapter) Error(msg string, args ...interface{}) { h.Log(hclog.Error, msg, args...) }

func (h *hclogAdapter) IsTrace() bool { return h.l.Debug }
func (h *hclogAdapter) IsDebug() bool { return h.l.Debug }
func (h *hclogAdapter) IsInfo() bool  { return true }
func (h *hclogAdapter) IsWarn() bool  { return true }
func (h *hclogAdapter) IsError() bool { return true }

func (h *hclogAdapter) ImpliedArgs() []interface{} { return nil }

func (h *hclogAdapter) With(args ...interface{}) hclog.Logger {
	return h
}

func (h *hclogAdapter) Name() string { return h.l.Name }

func (h *hclogAdapter) Named(name string) hclog.Logger {
	return hclogAdapter{l: Logger{Name: h.l.Name + "." + name, Debug: h.l.Debug}}.ptr()
}

func (a hclogAdapter) ptr() hclog.Logger { return &a }

func (h *hclogAdapter) ResetNamed(name string) hclog.Logger {
	return hclogAdapter{l: Logger{Name: name, Debug: h.l.Debug}}.ptr()
}

func (h *hclogAdapter) SetLevel(hclog.Level) {}

func (h *hclogAdapter) GetLevel() hclog.Level {
	if h.l.Debug {
		return hclog.Debug
	}
	return hclog.Info
}

func (h *hclogAdapter) StandardLogger(*hclog.StandardLoggerOptions) *stdlog.Logger {
	return stdlog.New(io.Discard, "", 0)
}

func (h *hclogAdapter) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return io.Discard
}
