// Package logging provides the small logger interface shared by the
// device runtime, the UAPI server, and the daemon entrypoint.
package logging

import (
	"io"
	"log"
	"os"
)

// Logger is the minimal logging contract the device runtime depends on.
// Production code never calls the standard "log" package directly; it
// takes a Logger so tests can inject a silent or buffering one.
type Logger interface {
	Verbosef(format string, v ...any)
	Errorf(format string, v ...any)
}

// stdLogger wraps two *log.Logger instances, one per severity, following
// the same prefix-per-level convention wireguard-go's own Logger does.
type stdLogger struct {
	verbose *log.Logger
	errs    *log.Logger
}

// NewStd returns a Logger that writes verbose lines to out and error
// lines to errOut, both prefixed and timestamped.
func NewStd(out, errOut io.Writer) Logger {
	return &stdLogger{
		verbose: log.New(out, "(wgtun) ", log.Ldate|log.Ltime),
		errs:    log.New(errOut, "(wgtun) ERR: ", log.Ldate|log.Ltime),
	}
}

// NewDefault returns a Logger writing verbose lines to stdout and errors
// to stderr.
func NewDefault() Logger {
	return NewStd(os.Stdout, os.Stderr)
}

func (l *stdLogger) Verbosef(format string, v ...any) { l.verbose.Printf(format, v...) }
func (l *stdLogger) Errorf(format string, v ...any)   { l.errs.Printf(format, v...) }

type discard struct{}

// Discard is a Logger that drops everything, for tests and for callers
// that want no output. It is not the default: a Config without a Logger
// gets NewDefault.
var Discard Logger = discard{}

func (discard) Verbosef(string, ...any) {}
func (discard) Errorf(string, ...any)   {}
