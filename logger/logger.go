// Package logger - Structured logging for the detection pipeline.
package logger

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger *logrus.Logger
	once   sync.Once
)

// Fields is an alias so callers do not need to import logrus directly.
type Fields = logrus.Fields

// Options configures the process logger.
type Options struct {
	// Level is a logrus level name ("debug", "info", "warn", "error").
	Level string `json:"level" yaml:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
	// File, when set, receives a rotated copy of every log line.
	File string `json:"file" yaml:"file"`
	// NoColors disables ANSI colors in the console output.
	NoColors bool `json:"no_colors" yaml:"no_colors"`
}

// New builds the process logger on first use; later calls return the same instance.
//
// Arguments:
//   - opts: Logger options. Only the first call's options take effect.
//
// Returns:
//   - *logrus.Logger: The shared logger.
func New(opts Options) *logrus.Logger {
	once.Do(func() {
		logger = build(opts)
	})

	return logger
}

func build(opts Options) *logrus.Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	l.SetFormatter(&formatter.Formatter{
		NoColors:        opts.NoColors,
		TimestampFormat: "02 Jan 06 - 15:04:05",
		HideKeys:        false,
		CallerFirst:     true,
		CustomCallerFormatter: func(f *runtime.Frame) string {
			s := strings.Split(f.Function, ".")
			funcName := s[len(s)-1]
			return fmt.Sprintf(" [%s:%d][%s()]", path.Base(f.File), f.Line, funcName)
		},
	})

	writers := []io.Writer{os.Stderr}
	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			LocalTime:  true,
			Compress:   true,
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
		})
	}

	l.SetOutput(io.MultiWriter(writers...))
	l.SetReportCaller(true)

	return l
}

// Discard returns a logger that drops everything. Library types default to it.
func Discard() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return Discard()
	}
	return l
}
