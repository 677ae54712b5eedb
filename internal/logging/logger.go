package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/fatih/color"
)

const timestampFormat = "2006-01-02 15:04:05.000"

type Logger struct {
	// The level at which this logger logs. Any log messages intended for a higher
	// (more verbose) log level are ignored.
	Level

	// Tag used to filter and classify log messages, e.g. "omx" or "softomx".
	Tag string

	out io.Writer

	// Mutex to prevent messages from different goroutines from interleaving.
	// Shared by all derived loggers, since component callbacks and consumer
	// calls log from different goroutines.
	mu *sync.Mutex
}

// Write to stderr by default.
var DefaultLogger = &Logger{defaultLevel, "", os.Stderr, new(sync.Mutex)}

// Override the destination for this logger.
func (log *Logger) SetDestination(out io.Writer) {
	log.mu.Lock()
	log.out = out
	log.mu.Unlock()
}

// Derive a new logger with the given tag. Look up the level based on the tag.
func (log *Logger) WithTag(tag string) *Logger {
	return &Logger{determineLevel(tag, log.Level), tag, log.out, log.mu}
}

// Derive a new logger with the given default level. This can still be overridden at
// runtime through LOGLEVEL.
func (log *Logger) WithDefaultLevel(level Level) *Logger {
	return &Logger{determineLevel(log.Tag, level), log.Tag, log.out, log.mu}
}

// Enabled reports whether a message at the given level would be written.
func (log *Logger) Enabled(level Level) bool {
	return level <= log.Level
}

// Wrapper for []byte that implements io.Writer. Simpler and cheaper than
// bytes.Buffer.
type buffer []byte

func (b *buffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}

func (b *buffer) writeString(s string) {
	*b = append(*b, s...)
}

func (b *buffer) writeByte(c byte) {
	*b = append(*b, c)
}

// A global buffer pool, shared across all loggers.
var bufPool = sync.Pool{
	New: func() interface{} {
		return make(buffer, 0, 256)
	},
}

var (
	timestampColor = color.New(color.FgWhite)
	locationColor  = color.New(color.Faint)
)

// Log a message at the given level. Include the file and line number from
// 'calldepth' steps up the call stack.
func (log *Logger) Log(level Level, calldepth int, format string, a ...interface{}) {
	if level > log.Level {
		// Message is too verbose for this logger.
		return
	}

	buf := bufPool.Get().(buffer)
	defer func() { bufPool.Put(buf[:0]) }()

	buf.writeString(timestampColor.Sprint(time.Now().Format(timestampFormat)))
	buf.writeByte(' ')
	buf.writeString(level.color().Sprintf("%c/%s", level.letter(), log.Tag))

	// Get the caller of Error()/Warn()/Info()/etc.
	_, file, line, ok := runtime.Caller(calldepth + 1)
	if !ok {
		file = "?"
	}
	buf.writeString(locationColor.Sprintf("[%s:%d] ", filepath.Base(file), line))

	fmt.Fprintf(&buf, format, a...)

	// Append newline if necessary.
	if n := len(buf); n == 0 || buf[n-1] != '\n' {
		buf.writeByte('\n')
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if _, err := log.out.Write(buf); err != nil {
		panic(fmt.Sprintf("Failed to log to %v: %v", log.out, err))
	}
}

func (log *Logger) Error(format string, a ...interface{}) {
	log.Log(Error, 1, format, a...)
}

func (log *Logger) Warn(format string, a ...interface{}) {
	log.Log(Warn, 1, format, a...)
}

func (log *Logger) Info(format string, a ...interface{}) {
	log.Log(Info, 1, format, a...)
}

func (log *Logger) Debug(format string, a ...interface{}) {
	log.Log(Debug, 1, format, a...)
}

func (log *Logger) Trace(n int, format string, a ...interface{}) {
	log.Log(Level(n), 1, format, a...)
}
