package logging

import (
	"strconv"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/xerrors"
)

// Logging level. Higher values indicate more verbosity.
type Level int

const (
	Error Level = iota - 2
	Warn
	Info
	Debug

	// Allow numeric logging levels up to 9, e.g. for per-buffer traces.
	MaxLevel Level = 9
)

// Default level can be changed by environment variable.
var defaultLevel = Info

// ParseLevel accepts a level name ("error", "warn", "info", "debug",
// "trace"), its first letter, or a number between -2 and 9.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "E", "ERROR":
		return Error, nil
	case "W", "WARN":
		return Warn, nil
	case "I", "INFO":
		return Info, nil
	case "D", "DEBUG":
		return Debug, nil
	case "T", "TRACE":
		return MaxLevel, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, xerrors.Errorf("invalid logging level %q", s)
	}
	level := Level(n)
	if level < Error || level > MaxLevel {
		return 0, xerrors.Errorf("numeric level out of range: %d", n)
	}
	return level, nil
}

func (l Level) String() string {
	switch l {
	case Error:
		return "Error"
	case Warn:
		return "Warn"
	case Info:
		return "Info"
	case Debug:
		return "Debug"
	default:
		return strconv.Itoa(int(l))
	}
}

func (l Level) letter() byte {
	if l <= Debug {
		return "EWID"[l-Error]
	}
	return byte('0' + l)
}

var levelColors = map[Level]*color.Color{
	Error: color.New(color.FgRed, color.Bold),
	Warn:  color.New(color.FgRed),
	Info:  color.New(color.Reset),
	Debug: color.New(color.FgGreen),
}

var traceColor = color.New(color.FgYellow)

func (l Level) color() *color.Color {
	if c, ok := levelColors[l]; ok {
		return c
	}
	return traceColor
}
