package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
)

var Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	FilePermission = 0644
	TimeFormat     = "2006-01-02 15:04:05"
)

func SetupLogger(w io.Writer, verbose bool) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	opts := &tint.Options{
		Level:      logLevel,
		TimeFormat: TimeFormat,
		NoColor:    !isTerminal(w),
	}

	Logger = slog.New(tint.NewHandler(w, opts))
}

// Discard silences all logging. Used by tests.
func Discard() {
	Logger = slog.New(tint.NewHandler(io.Discard, nil))
}

func SetupLogWriter(logPath string) (io.Writer, *os.File, error) {
	if logPath == "" {
		return os.Stdout, nil, nil
	}

	logDir := filepath.Dir(logPath)
	if logDir != "." && logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, FilePermission)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// stdout keeps colours, the file gets the same records
	return io.MultiWriter(os.Stdout, logFile), logFile, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
