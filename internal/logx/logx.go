// Package logx provides the leveled logging backend shared by the relay's
// packages, built on go-logging with per-module loggers.
package logx

import (
	"fmt"
	"io"
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

// Backend owns the log sink and hands out per-module loggers.
type Backend struct {
	w       io.Writer
	backend logging.LeveledBackend
}

// New initializes a backend writing to file (stdout if empty) at the given
// level. Levels: off, error, warn, info, debug, trace. "trace" maps to
// go-logging's DEBUG; "off" discards everything.
func New(file, level string) (*Backend, error) {
	b := new(Backend)

	lvl, disable, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	switch {
	case disable:
		b.w = io.Discard
	case file == "":
		b.w = os.Stdout
	default:
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("logx: open log file: %w", err)
		}
		b.w = f
	}

	format := logging.MustStringFormatter("%{time:15:04:05.000} %{level:.4s} %{module}: %{message}")
	base := logging.NewLogBackend(b.w, "", 0)
	b.backend = logging.AddModuleLevel(logging.NewBackendFormatter(base, format))
	b.backend.SetLevel(lvl, "")
	return b, nil
}

// GetLogger returns a logger for the named module, bound to this backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}

func parseLevel(level string) (logging.Level, bool, error) {
	switch level {
	case "off":
		return logging.CRITICAL, true, nil
	case "error":
		return logging.ERROR, false, nil
	case "warn":
		return logging.WARNING, false, nil
	case "", "info":
		return logging.INFO, false, nil
	case "debug", "trace":
		return logging.DEBUG, false, nil
	default:
		return logging.CRITICAL, false, fmt.Errorf("logx: invalid level %q", level)
	}
}
