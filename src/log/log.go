/*
 * jcvmcore - a Java Card virtual machine runtime core
 * Adapted from the Jacobin VM project. Licensed under Mozilla Public License 2.0 (MPL 2.0)
 */

// Package log provides the leveled logging call shape the rest of this
// module uses (Log(msg, level)), matching the teacher's jacobin/log
// package, backed here by zerolog rather than a hand-rolled writer so
// that trace output from the interpreter loop is structured and cheap
// to filter on a constrained target.
package log

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"jcvmcore/src/globals"
)

var (
	mu     sync.RWMutex
	logger zerolog.Logger
	level  = globals.WARNING
)

// levelNames mirrors the teacher's level constants for readable output.
var levelNames = map[int]string{
	globals.SEVERE:     "SEVERE",
	globals.WARNING:    "WARNING",
	globals.CONFIG:     "CONFIG",
	globals.INFO:       "INFO",
	globals.FINE:       "FINE",
	globals.TRACE_INST: "TRACE_INST",
	globals.FINEST:     "FINEST",
}

func init() {
	Init()
}

// Init (re)configures the logger to write to stderr. Safe to call more
// than once (tests call it per-case, as the teacher's tests do).
func Init() {
	SetWriter(os.Stderr)
}

// SetWriter points the logger at an arbitrary writer, used by tests that
// capture output instead of writing to the real stderr.
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = zerolog.New(w).With().Timestamp().Logger()
}

// SetLogLevel changes the minimum level that will be emitted.
func SetLogLevel(l int) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// CurrentLevel returns the active minimum log level.
func CurrentLevel() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// Log emits msg if lvl is at or below the current verbosity threshold
// (lower constant value = more severe = always shown). Returns an error
// only if logging itself could not be performed, mirroring the teacher's
// signature of `_ = log.Log(msg, log.SEVERE)` call sites.
func Log(msg string, lvl int) error {
	mu.RLock()
	cur := level
	l := logger
	mu.RUnlock()

	if lvl > cur {
		return nil
	}

	name, ok := levelNames[lvl]
	if !ok {
		name = "INFO"
	}

	var ev *zerolog.Event
	switch {
	case lvl <= globals.SEVERE:
		ev = l.Error()
	case lvl <= globals.WARNING:
		ev = l.Warn()
	default:
		ev = l.Info()
	}
	ev.Str("level", name).Msg(msg)
	return nil
}
