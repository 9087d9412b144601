package debug

import (
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with the field names used across the
// filesystem packages.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler. A nil handler
// means a text handler on stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs to w.
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable logs to w.
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(1000),
		})),
	}
}

// WithDevice tags every record with the device (image) name.
func (l *Logger) WithDevice(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("device", name),
	}
}

// WithInode tags every record with an inode number.
func (l *Logger) WithInode(inum uint32) *Logger {
	return &Logger{
		Logger: l.Logger.With("inode", inum),
	}
}

// LogSync logs the outcome of a filesystem sync.
func (l *Logger) LogSync(inodes, blocks int, err error) {
	if err != nil {
		l.Error("sync failed",
			"inodes", inodes,
			"error", err,
		)
	} else {
		l.Debug("sync completed",
			"inodes", inodes,
			"blocks", blocks,
		)
	}
}
