package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init initializes the global logger with configuration from environment variables.
// PUBLISHER_LOG_LEVEL controls the log level: debug, info, warn, error (default: info).
// PUBLISHER_LOG_FORMAT selects console (default) or json output.
func Init() {
	zerolog.SetGlobalLevel(parseLevel(os.Getenv("PUBLISHER_LOG_LEVEL")))

	if strings.EqualFold(os.Getenv("PUBLISHER_LOG_FORMAT"), "json") {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
