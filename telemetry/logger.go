package telemetry

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds a zerolog.Logger per LoggingConfig: "console" for a
// human-readable TTY writer, anything else for plain JSON to stdout.
func NewLogger(cfg LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writer = os.Stdout
	logger := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	if strings.EqualFold(cfg.Format, "console") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}).Level(level).With().Timestamp().Logger()
	}
	return logger
}

// WithComponent returns a child logger tagging every event with the
// given component name, used to scope log lines to a package (e.g.
// "hoststream", "clientstream", "reassembler") without threading a
// prefix string through every call site.
func WithComponent(log zerolog.Logger, component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
