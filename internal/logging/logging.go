package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

const timeLayout = "2006-01-02 15:04:05"

// Setup returns a logger that writes each record as one timestamped line to
// stdout and to the append-only log file. If the file cannot be opened the
// logger still works on stdout and the returned closer is a no-op.
func Setup(stdout io.Writer, path string, debug bool) (*slog.Logger, io.Closer) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	var (
		out    = stdout
		closer io.Closer = nopCloser{}
		ferr   error
	)
	if path != "" {
		var f *os.File
		f, ferr = openAppend(path)
		if ferr == nil {
			out = io.MultiWriter(stdout, f)
			closer = f
		}
	}

	logger := New(out, level)
	if ferr != nil {
		logger.Warn("log file unavailable, logging to stdout only", "path", path, "error", ferr)
	}
	return logger, closer
}

// New builds the text logger used throughout the guard.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format(timeLayout))
			}
			return a
		},
	}))
}

// Discard is a logger for tests and dry runs.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openAppend(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
