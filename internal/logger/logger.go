// Package logger is a small leveled wrapper around the standard log package.
// All output goes through one global logger so packages can log without
// having one threaded through their constructors.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Level is the verbosity threshold. Lower values are more verbose.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return fmt.Sprintf("LEVEL(%d)", int32(l))
}

var (
	std   = log.New(os.Stderr, "", log.LstdFlags)
	level atomic.Int32
)

func init() {
	level.Store(int32(LevelInfo))
}

// ParseLevel parses debug, info, warn (or warning) and error, in any case.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", raw)
}

func SetLevel(l Level) {
	level.Store(int32(l))
}

func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

func SetFlags(flags int) {
	std.SetFlags(flags)
}

// Enabled reports whether a message at l would be written.
func Enabled(l Level) bool {
	return int32(l) >= level.Load()
}

func logf(l Level, format string, args ...any) {
	if !Enabled(l) {
		return
	}
	std.Output(3, l.String()+" "+fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	logf(LevelDebug, format, args...)
}

func Infof(format string, args ...any) {
	logf(LevelInfo, format, args...)
}

func Warnf(format string, args ...any) {
	logf(LevelWarn, format, args...)
}

func Errorf(format string, args ...any) {
	logf(LevelError, format, args...)
}
