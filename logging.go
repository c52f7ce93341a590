package sandboxloop

import (
	"io"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Log message categories, used as the "category" field.
const (
	logCategoryLoop     = "loop"
	logCategoryPoll     = "poll"
	logCategoryTimer    = "timer"
	logCategoryCallback = "callback"
	logCategoryBackend  = "backend"
)

// logRateLimits caps messages logged via Builder.Limit, per call site.
// The poll path runs every tick, so its warnings must not flood output.
var logRateLimits = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

// NewLogger returns a JSON logger (via stumpy) writing to w, suitable for
// [WithLogger]. Messages below level are discarded.
func NewLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
		stumpy.L.WithCategoryRateLimits(logRateLimits),
	).Logger()
}

// ParseLogLevel parses the names used by the CLI, e.g. "info" or "debug".
func ParseLogLevel(s string) (logiface.Level, bool) {
	switch s {
	case "trace":
		return logiface.LevelTrace, true
	case "debug":
		return logiface.LevelDebug, true
	case "info", "":
		return logiface.LevelInformational, true
	case "notice":
		return logiface.LevelNotice, true
	case "warning", "warn":
		return logiface.LevelWarning, true
	case "error", "err":
		return logiface.LevelError, true
	case "disabled", "off":
		return logiface.LevelDisabled, true
	default:
		return 0, false
	}
}
