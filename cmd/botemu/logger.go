package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/botemu/internal/config"
)

func parseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// newLogger builds the process logger. The returned closer releases LOG_FILE
// if one was opened.
func newLogger(cfg *config.Config, stdout io.Writer) (zerolog.Logger, func() error, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var out io.Writer = stdout
	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: stdout}
	}

	closer := func() error { return nil }
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("opening log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, f)
		closer = f.Close
	}

	logger := zerolog.New(out).Level(parseLevel(cfg.LogLevel)).With().Timestamp().Logger()
	if cfg.IsDevelopment() {
		logger = logger.With().Caller().Logger()
	}
	log.Logger = logger
	return logger, closer, nil
}
