package utils

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// ParseLevel преобразует строку уровня логирования (debug, info, warn, error)
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger настраивает цветной структурированный логгер по умолчанию
func SetupLogger(level string) {
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      ParseLevel(level),
			TimeFormat: time.DateTime,
			AddSource:  true,
		}),
	))
}

// LogOperation логирует длительность и результат операции
func LogOperation(operation string, startTime time.Time, err error, attrs ...any) {
	duration := time.Since(startTime)
	attrs = append(attrs, "operation", operation, "duration", duration)
	if err != nil {
		slog.Error("Операция завершилась с ошибкой", append(attrs, "error", err)...)
		return
	}
	slog.Info("Операция выполнена", attrs...)
}
