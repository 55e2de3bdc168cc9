// Package logger provides the process-wide structured logger used by
// every LazyCopy component. Severity vocabulary and text/json dual
// format follow the conventions of other Google filesystem-interposer
// tooling: TRACE, DEBUG, INFO, WARNING, ERROR, with %f-style helpers.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	levelTrace   = slog.Level(-8)
	levelWarning = slog.LevelWarn
)

var severityNames = map[slog.Leveler]string{
	levelTrace:         "TRACE",
	slog.LevelDebug:    "DEBUG",
	slog.LevelInfo:     "INFO",
	levelWarning:       "WARNING",
	slog.LevelError:    "ERROR",
}

// Config controls where and how logs are written. The zero value logs
// text-formatted INFO-and-above output to stderr.
type Config struct {
	// Format is "text" or "json".
	Format string `yaml:"format"`

	// Filename, if non-empty, routes output through a rotating file
	// instead of stderr.
	Filename string `yaml:"file-path"`

	// MaxSizeMB is the rotation threshold in megabytes.
	MaxSizeMB int `yaml:"max-size-mb"`

	// Severity is the minimum level emitted: trace, debug, info,
	// warning or error.
	Severity string `yaml:"severity"`
}

type factory struct {
	format string
	writer io.Writer
}

func (f *factory) handler(level *slog.LevelVar) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.LevelKey:
				lvl := a.Value.Any().(slog.Level)
				name, ok := severityNames[lvl]
				if !ok {
					name = lvl.String()
				}
				a.Key = "severity"
				a.Value = slog.StringValue(name)
			case slog.MessageKey:
				a.Key = "message"
			}
			return a
		},
	}

	if f.format == "json" {
		return slog.NewJSONHandler(f.writer, opts)
	}
	return slog.NewTextHandler(f.writer, opts)
}

var (
	defaultFactory = &factory{format: "text", writer: os.Stderr}
	level          = &slog.LevelVar{}
	defaultLogger  = slog.New(defaultFactory.handler(level))
)

// Init reconfigures the default logger per cfg. Safe to call once at
// process startup, before any component has logged.
func Init(cfg Config) error {
	defaultFactory.format = cfg.Format

	var w io.Writer = os.Stderr
	if cfg.Filename != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize == 0 {
			maxSize = 100
		}
		w = &lumberjack.Logger{
			Filename: cfg.Filename,
			MaxSize:  maxSize,
			Compress: true,
		}
	}
	defaultFactory.writer = w

	setLevel(cfg.Severity)
	defaultLogger = slog.New(defaultFactory.handler(level))
	return nil
}

func setLevel(severity string) {
	switch severity {
	case "trace":
		level.Set(levelTrace)
	case "debug":
		level.Set(slog.LevelDebug)
	case "warning":
		level.Set(levelWarning)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

func Tracef(format string, args ...any) {
	defaultLogger.Log(context.Background(), levelTrace, fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	defaultLogger.Debug(fmt.Sprintf(format, args...))
}

func Infof(format string, args ...any) {
	defaultLogger.Info(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...any) {
	defaultLogger.Error(fmt.Sprintf(format, args...))
}
