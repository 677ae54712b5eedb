package logging

import (
	"fmt"
	"os"
)

// These ease migrations away from the standard 'log' package, mostly for
// command line tools. Prefer the explicitly leveled API, e.g. log.Error().

func (log *Logger) Fatalf(format string, v ...interface{}) {
	log.Log(Error, 1, format, v...)
	os.Exit(1)
}

func (log *Logger) Panicf(format string, v ...interface{}) {
	s := fmt.Sprintf(format, v...)
	log.Log(Error, 1, s)
	panic(s)
}

func (log *Logger) Printf(format string, v ...interface{}) {
	log.Log(Info, 1, format, v...)
}
