// Package walletlog provides the logging surface shared by every component
// of the wallet core: a Logger alias over decred/slog plus a LoggerMaker
// that hands out leveled, named sub-loggers per subsystem.
package walletlog

import (
	"fmt"

	"github.com/decred/slog"
)

// Logger is the logging interface accepted by every wallet core component.
// All logging takes place through a Logger; components never write to
// stdout/stderr directly.
type Logger = slog.Logger

// Disabled is a Logger that drops everything, useful as a zero-value
// default so components never need a nil check before logging.
var Disabled = slog.Disabled

// LoggerMaker creates per-subsystem loggers with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// SubLogger creates a Logger named "parent[name]", using any known level for
// the parent subsystem, defaulting to DefaultLevel otherwise.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	level, ok := lm.Levels[parent]
	if !ok {
		level = lm.DefaultLevel
	}
	logger := lm.Backend.Logger(fmt.Sprintf("%s[%s]", parent, name))
	logger.SetLevel(level)
	return logger
}

// NewLogger creates a Logger for the named subsystem, using level if
// provided, else DefaultLevel.
func (lm *LoggerMaker) NewLogger(name string, level ...slog.Level) Logger {
	lvl := lm.DefaultLevel
	if len(level) > 0 {
		lvl = level[0]
	}
	logger := lm.Backend.Logger(name)
	logger.SetLevel(lvl)
	return logger
}
