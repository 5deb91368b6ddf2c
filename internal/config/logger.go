package config

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
// Если задан FD_LOG_FILE, логи дублируются в файл с ротацией по размеру.
// Возвращённый io.Closer закрывает лог-файл (no-op без FD_LOG_FILE).
func SetupLogger(cfg *Config) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closer = rotator
	}

	logger := slog.New(newHandler(out, cfg))
	slog.SetDefault(logger)
	return logger, closer
}

func newHandler(out io.Writer, cfg *Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}
	if cfg.LogFormat == "json" {
		return slog.NewJSONHandler(out, opts)
	}
	return slog.NewTextHandler(out, opts)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
