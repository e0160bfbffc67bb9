package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/config"
)

// Setup builds the root logger. The returned closer releases the log file
// when one is configured.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, io.Closer, error) {
	if err := SetLevel(cfg.Level); err != nil {
		return zerolog.Nop(), nil, err
	}

	var output io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(nil)
	if cfg.Path != "" {
		file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		output = file
		closer = file
	}
	return New(output, cfg.Format), closer, nil
}

func New(output io.Writer, format string) zerolog.Logger {
	if strings.EqualFold(format, "console") {
		noColor := output != io.Writer(os.Stdout) && output != io.Writer(os.Stderr)
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339, NoColor: noColor}
	}
	return zerolog.New(output).With().Timestamp().Str("service", "relaysync").Logger()
}

// SetLevel changes the process-wide minimum level. An empty level means info.
func SetLevel(level string) error {
	level = strings.TrimSpace(level)
	if level == "" {
		level = "info"
	}
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}

// GooseLogger adapts a zerolog logger to the goose.Logger interface.
type GooseLogger struct {
	Logger zerolog.Logger
}

func (g GooseLogger) Printf(format string, v ...any) {
	g.Logger.Info().Str("component", "migration").Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (g GooseLogger) Fatalf(format string, v ...any) {
	g.Logger.Fatal().Str("component", "migration").Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
