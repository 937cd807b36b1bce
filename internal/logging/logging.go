// Package logging provides the scheduler's verbosity switches.
//
// There is no structured logging framework here by design: output is either
// the in-place status line the scheduling loop rewrites every tick, or a
// handful of diagnostic lines gated behind --verbose. This mirrors the
// teacher's own internal/debug package rather than reaching for slog/zap.
package logging

import (
	"fmt"
	"os"
	"sync"
)

var (
	mu          sync.Mutex
	verboseMode bool
	simpleMode  bool
)

// SetVerbose toggles emission of per-statement SQL logging from the executor.
func SetVerbose(v bool) {
	mu.Lock()
	defer mu.Unlock()
	verboseMode = v
}

// Verbose reports whether verbose logging is enabled.
func Verbose() bool {
	mu.Lock()
	defer mu.Unlock()
	return verboseMode
}

// SetSimple toggles simple-output mode: the scheduling loop prints no
// per-tick status summary, and Statusf prints plain lines instead of
// rewriting the current line in place.
func SetSimple(s bool) {
	mu.Lock()
	defer mu.Unlock()
	simpleMode = s
}

// Simple reports whether simple-output mode is enabled.
func Simple() bool {
	mu.Lock()
	defer mu.Unlock()
	return simpleMode
}

// Statusf prints the scheduler's per-tick status summary. In simple mode it
// is a plain line; otherwise it rewrites the current terminal line in place.
func Statusf(format string, args ...interface{}) {
	if Simple() {
		fmt.Printf(format+"\n", args...)
		return
	}
	fmt.Print("\x1b[2K\r")
	fmt.Printf(format, args...)
}

// Logf emits a diagnostic line to stderr, gated behind --verbose.
func Logf(format string, args ...interface{}) {
	if !Verbose() {
		return
	}
	fmt.Fprintf(os.Stderr, format, args...)
}

// Println always prints a user-facing line to stdout.
func Println(args ...interface{}) {
	fmt.Println(args...)
}

// Printf always prints a user-facing line to stdout.
func Printf(format string, args ...interface{}) {
	fmt.Printf(format, args...)
}
