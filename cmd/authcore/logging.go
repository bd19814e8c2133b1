package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type logOptions struct {
	Level  string
	Format string
	File   string
	Out    io.Writer
}

// newLogger builds the process logger. The returned closer flushes the
// rotating file, if any.
func newLogger(opts logOptions) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.Logger{}, nil, fmt.Errorf("invalid log level %q", opts.Level)
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	var writers []io.Writer
	switch opts.Format {
	case "", "console":
		writers = append(writers, zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"})
	case "json":
		writers = append(writers, out)
	default:
		return zerolog.Logger{}, nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("create log directory: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		writers = append(writers, file)
		closer = file
	}

	var w io.Writer = writers[0]
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}
	zerolog.DurationFieldUnit = time.Millisecond
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
