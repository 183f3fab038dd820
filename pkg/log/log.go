package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Everything a node emits hangs
// off it; the helpers below derive the vat, turn, and guest children the
// rest of the code uses.
var Logger zerolog.Logger

// Options selects how the root logger writes. They mirror the node
// configuration (node.yaml's log_level / log_json); the CLI passes its
// flag values through the same struct.
type Options struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// Init builds the root logger. An unrecognized or empty level falls back
// to info; a nil output goes to stdout. The level is carried on the
// logger itself, so tests can re-Init without fighting global state.
func Init(opts Options) {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	output := opts.Output
	if output == nil {
		output = os.Stdout
	}
	if !opts.JSON {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// WithComponent creates a child logger for a node subsystem (transport,
// web, ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// ForVat creates the child logger a vat's turn engine runs under.
func ForVat(vatID string) zerolog.Logger {
	return Logger.With().Str("vat_id", vatID).Logger()
}

// ForTurn derives a turn-scoped child from a vat logger, so one
// delivery's lines can be followed from dequeue to commit.
func ForTurn(vat zerolog.Logger, turnID string) zerolog.Logger {
	return vat.With().Str("turn_id", turnID).Logger()
}

// ForGuest derives the sink for guest log() calls from a turn logger.
// Guest lines are the one side effect of a turn that survives a
// rollback, so they stay distinguishable from the host's own output.
func ForGuest(turn zerolog.Logger) zerolog.Logger {
	return turn.With().Str("component", "guest").Logger()
}
