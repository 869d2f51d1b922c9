package studiosync

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const logFilePermission = 0644

// LogBuild assembles the engine logger. Output goes to stderr unless a
// writer or a log file path is given.
type LogBuild struct {
	writer io.Writer
	path   string
	level  zerolog.Level
}

// NewLogBuild starts a logger builder at info level.
func NewLogBuild() *LogBuild {
	return &LogBuild{level: zerolog.InfoLevel}
}

// FromPath appends log lines to the file at path.
func (b *LogBuild) FromPath(path string) *LogBuild {
	b.path = path
	return b
}

// FromWriter writes log lines to w.
func (b *LogBuild) FromWriter(w io.Writer) *LogBuild {
	b.writer = w
	return b
}

// Level sets the minimum level. Unknown names keep the current level.
func (b *LogBuild) Level(name string) *LogBuild {
	if name == "" {
		return b
	}
	if lvl, err := zerolog.ParseLevel(strings.ToLower(name)); err == nil {
		b.level = lvl
	}
	return b
}

// Debug lowers the level to debug when enabled.
func (b *LogBuild) Debug(enabled bool) *LogBuild {
	if enabled {
		b.level = zerolog.DebugLevel
	}
	return b
}

// Make builds the logger. The returned closer releases the log file, if any.
func (b *LogBuild) Make() (zerolog.Logger, io.Closer, error) {
	var (
		w      io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
		closer io.Closer = nopCloser{}
	)
	if b.writer != nil {
		w = b.writer
	}
	if b.path != "" {
		f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, logFilePermission)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("open log file: %w", err)
		}
		w = zerolog.SyncWriter(f)
		closer = f
	}
	logger := zerolog.New(w).Level(b.level).With().Timestamp().Str("app", "studiosync").Logger()
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
