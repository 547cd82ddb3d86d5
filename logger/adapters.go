package logger

import (
	"context"
	"fmt"
	"log/slog"
)

// PahoLogger forwards MQTT client diagnostics to the global logger.
// It satisfies the paho.golang log.Logger interface.
type PahoLogger struct {
	Level  slog.Level
	Prefix string
}

func (l PahoLogger) Println(v ...interface{}) {
	Logger.Log(context.Background(), l.Level, l.Prefix+fmt.Sprint(v...))
}

func (l PahoLogger) Printf(format string, v ...interface{}) {
	Logger.Log(context.Background(), l.Level, l.Prefix+fmt.Sprintf(format, v...))
}

// Leveled returns the logger in the shape go-retryablehttp expects from a LeveledLogger.
func Leveled() *slog.Logger {
	return Logger.With("component", "http")
}
