// File: internal/logging/logging.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Structured JSON logging shared by every component. A nil *Logger is valid
// and discards everything.

package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the logger type passed through the server.
type Logger = logiface.Logger[logiface.Event]

// Level is re-exported so callers need not import logiface.
type Level = logiface.Level

var levels = []logiface.Level{
	logiface.LevelDisabled,
	logiface.LevelEmergency,
	logiface.LevelAlert,
	logiface.LevelCritical,
	logiface.LevelError,
	logiface.LevelWarning,
	logiface.LevelNotice,
	logiface.LevelInformational,
	logiface.LevelDebug,
	logiface.LevelTrace,
}

// ParseLevel accepts the syslog keywords used by logiface ("err", "info",
// ...) plus the common aliases "error", "warn" and "information".
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "information":
		return logiface.LevelInformational, nil
	case "error":
		return logiface.LevelError, nil
	case "warn":
		return logiface.LevelWarning, nil
	case "fatal", "critical":
		return logiface.LevelCritical, nil
	}
	for _, l := range levels {
		if l.String() == s {
			return l, nil
		}
	}
	return logiface.LevelDisabled, fmt.Errorf("unknown log level %q", s)
}

// New builds a logger writing JSON lines to w (stderr when nil).
func New(w io.Writer, level Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	return New(io.Discard, logiface.LevelDisabled)
}
