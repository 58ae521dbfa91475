// Package logging provides the leveled, redaction-aware logger used
// throughout blobkv. Every component takes a *Logger rather than reaching
// for the log package directly, so that a caller embedding the store in a
// larger service can redirect or structure the output.
package logging

import (
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/redact"
)

// Logger writes leveled, prefixed, redactable log lines to an underlying
// writer. The zero value is not usable; construct with New.
type Logger struct {
	prefix string
	out    *os.File
}

// New returns a Logger that tags every line with prefix and writes to
// stderr.
func New(prefix string) *Logger {
	return &Logger{prefix: prefix, out: os.Stderr}
}

// Infof logs an informational line.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.emit("INFO", format, args...)
}

// Errorf logs a recoverable error.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.emit("ERROR", format, args...)
}

// Fatalf logs and terminates the process. It is reserved for conditions the
// module documents as fatal to the process, such as a short read or write
// against the backing file.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.emit("FATAL", format, args...)
	os.Exit(1)
}

func (l *Logger) emit(level, format string, args ...interface{}) {
	msg := redact.Sprintf(format, args...)
	fmt.Fprintf(l.out, "%s [%s] %s: %s\n",
		time.Now().UTC().Format(time.RFC3339Nano), level, l.prefix, msg.StripMarkers())
}
