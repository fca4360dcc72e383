// Package logging configures zerolog loggers for nodes and tools.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// logger fields
const (
	NODE    = "node"
	SUBJECT = "subject"
	PEER    = "peer"
	EVENT   = "event"
	TYPE    = "type"
	ADDR    = "addr"
	UUID    = "uuid"
	COMP    = "comp"
)

// Options controls where a logger writes and at which level.
type Options struct {
	// File is the log file path. Empty means console output on stderr.
	File string
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Console forces human readable output even when File is set.
	Console bool
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) (zerolog.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

// New builds a logger from opts. The returned closer releases the log file,
// if one was opened.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}

	var (
		out    io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		if dir := filepath.Dir(opts.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return zerolog.Nop(), closer, fmt.Errorf("failed to create log dir: %w", err)
			}
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("failed to open log file: %w", err)
		}
		closer = f
		out = f
		if opts.Console {
			out = zerolog.MultiLevelWriter(f, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
		}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), closer, nil
}

// Component returns a child logger tagged with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str(COMP, name).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
