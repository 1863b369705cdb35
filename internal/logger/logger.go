// Package logger configures github.com/cenkalti/log for the whole process.
// All loggers share one handler so the level can be changed in a single place.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cenkalti/log"
)

var handler log.Handler

func init() {
	SetHandler(log.NewFileHandler(os.Stderr))
}

// Logger is the logging interface used by every package of the engine.
type Logger log.Logger

// New returns a Logger whose messages are prefixed with name.
func New(name string) Logger {
	l := log.NewLogger(name)
	// Filtering is done by the shared handler.
	l.SetLevel(log.DEBUG)
	l.SetHandler(handler)
	return l
}

// SetHandler replaces the shared handler. Loggers created before keep the old one.
func SetHandler(h log.Handler) {
	h.SetFormatter(formatter{})
	handler = h
}

// SetLevel sets the level of the shared handler.
func SetLevel(l log.Level) {
	handler.SetLevel(l)
}

var levels = map[string]log.Level{
	"":         log.INFO,
	"debug":    log.DEBUG,
	"info":     log.INFO,
	"notice":   log.NOTICE,
	"warn":     log.WARNING,
	"warning":  log.WARNING,
	"error":    log.ERROR,
	"critical": log.CRITICAL,
}

// ParseLevel converts a level name from config or command line into a log.Level.
func ParseLevel(s string) (log.Level, error) {
	if l, ok := levels[strings.ToLower(s)]; ok {
		return l, nil
	}
	return log.INFO, fmt.Errorf("unknown log level: %q", s)
}

type formatter struct{}

// Format writes lines like:
//
//	2024-02-28 18:15:57 INFO     [torrent 3b24] torrent_run.go:42 started
func (formatter) Format(rec *log.Record) string {
	return fmt.Sprintf("%s %-8s [%s] %s:%d %s",
		rec.Time.Format("2006-01-02 15:04:05"),
		rec.Level,
		rec.LoggerName,
		filepath.Base(rec.Filename),
		rec.Line,
		rec.Message)
}
