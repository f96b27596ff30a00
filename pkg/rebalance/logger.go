package rebalance

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the logging type used throughout the rebalance package: an
// alias for zerolog.Logger. Tests can inject zerolog.Nop() to silence
// output.
type Logger = zerolog.Logger

var logSink Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// SetLogger allows callers/tests to replace the package-wide logger.
func SetLogger(l Logger) {
	logSink = l
}
