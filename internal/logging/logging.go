// Package logging configures the process-wide slog logger and hands out
// component loggers.
//
// Packages declare their logger at init time:
//
//	var log = logging.Component("filesync")
//
// and main configures the output once flags and config are known:
//
//	closer, err := logging.InitFile(slog.LevelInfo, false, "~/daqd/logs")
//
// Task code tags its context with ContextWithInstrument and ContextWithTask
// and logs through log.Ctx(ctx), so every line names the task it came from.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/mitchellh/go-homedir"
)

var current atomic.Pointer[slog.Logger]

// Init logs to stdout, as JSON or as text.
func Init(level slog.Level, jsonFormat bool) {
	InitWithHandler(newHandler(os.Stdout, level, jsonFormat))
}

// InitFile logs to stdout and appends to dir/YYYYMMDD.log, where the date
// is the start date of the process. The returned closer closes the file.
func InitFile(level slog.Level, jsonFormat bool, dir string) (io.Closer, error) {
	dir, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("expand log dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	name := filepath.Join(dir, time.Now().Format("20060102")+".log")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	InitWithHandler(newHandler(io.MultiWriter(os.Stdout, f), level, jsonFormat))
	return f, nil
}

func newHandler(w io.Writer, level slog.Level, jsonFormat bool) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}
	if jsonFormat {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// InitWithHandler installs handler as the process logger. Tests use it to
// capture output.
func InitWithHandler(handler slog.Handler) {
	l := slog.New(handler)
	current.Store(l)
	slog.SetDefault(l)
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("parse log level %q: %w", s, err)
	}
	return level, nil
}

// get returns the process logger, falling back to info-level text on
// stdout when nothing was configured.
func get() *slog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	Init(slog.LevelInfo, false)
	return current.Load()
}

// =============================================================================
// Component loggers
// =============================================================================

// ComponentLogger tags every record with component=name. It resolves the
// process logger on each call, so it may be created before Init.
type ComponentLogger struct {
	name string
}

// Component returns the logger for a package or subsystem.
func Component(name string) *ComponentLogger {
	return &ComponentLogger{name: name}
}

func (c *ComponentLogger) logger() *slog.Logger {
	return get().With("component", c.name)
}

// With returns the component logger with extra attributes bound.
func (c *ComponentLogger) With(args ...any) *slog.Logger {
	return c.logger().With(args...)
}

func (c *ComponentLogger) Debug(msg string, args ...any) { c.logger().Debug(msg, args...) }
func (c *ComponentLogger) Info(msg string, args ...any)  { c.logger().Info(msg, args...) }
func (c *ComponentLogger) Warn(msg string, args ...any)  { c.logger().Warn(msg, args...) }
func (c *ComponentLogger) Error(msg string, args ...any) { c.logger().Error(msg, args...) }

// Ctx returns the component logger with the task attributes found in ctx.
func (c *ComponentLogger) Ctx(ctx context.Context) *slog.Logger {
	l := c.logger()
	if v, ok := ctx.Value(keyInstrument).(string); ok {
		l = l.With("instrument", v)
	}
	if v, ok := ctx.Value(keyTask).(string); ok {
		l = l.With("task", v)
	}
	if v, ok := ctx.Value(keyCycleID).(string); ok {
		l = l.With("cycle_id", v)
	}
	return l
}

type ctxKey int

const (
	keyInstrument ctxKey = iota
	keyTask
	keyCycleID
)

// ContextWithInstrument tags ctx with an instrument name.
func ContextWithInstrument(ctx context.Context, instrument string) context.Context {
	return context.WithValue(ctx, keyInstrument, instrument)
}

// ContextWithTask tags ctx with a task kind (poll, sync, drain).
func ContextWithTask(ctx context.Context, task string) context.Context {
	return context.WithValue(ctx, keyTask, task)
}

// ContextWithCycleID tags ctx with the id of one sync or drain cycle.
func ContextWithCycleID(ctx context.Context, cycleID string) context.Context {
	return context.WithValue(ctx, keyCycleID, cycleID)
}

// =============================================================================
// Process-level logging
// =============================================================================

// Info logs at info level without a component.
func Info(msg string, args ...any) { get().Info(msg, args...) }

// Warn logs at warn level without a component.
func Warn(msg string, args ...any) { get().Warn(msg, args...) }

// Error logs at error level without a component.
func Error(msg string, args ...any) { get().Error(msg, args...) }
