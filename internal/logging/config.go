package logging

import (
	"fmt"
	"os"
	"strings"
)

const envVar = "LOGLEVEL"

type tagLevel struct {
	tag   string
	level Level
}

var tagLevels []tagLevel

func init() {
	if err := Configure(os.Getenv(envVar)); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid %s: %s\n", envVar, err)
	}
}

// Configure parses comma-separated "tag=level" directives. A directive
// without "tag=" sets the default level. Loggers derived afterwards pick up
// the new levels; DefaultLogger is updated immediately.
func Configure(directives string) error {
	var firstErr error
	for _, d := range strings.Split(directives, ",") {
		if d == "" {
			continue
		}
		v := strings.SplitN(d, "=", 2)
		level, err := ParseLevel(v[len(v)-1])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(v) == 1 {
			defaultLevel = level
		} else {
			tagLevels = append(tagLevels, tagLevel{v[0], level})
		}
	}

	DefaultLogger.Level = defaultLevel
	return firstErr
}

func determineLevel(tag string, fallback Level) Level {
	// Later directives win.
	for i := len(tagLevels) - 1; i >= 0; i-- {
		if tagLevels[i].tag == tag {
			return tagLevels[i].level
		}
	}
	return fallback
}
