// Package logging provides the SDK logging surface: console output via Go's
// slog package, an application callback sink, and a rotating log file sink.
//
// Every message carries a domain (which subsystem produced it) and a level.
// The three sinks are filtered independently: console by SetConsoleLevel,
// the callback by SetCallbackLevel, and the file by its FileConfig level.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Domain identifies the subsystem a log message originates from.
type Domain string

const (
	// DomainDatabase covers database, collection and document operations.
	DomainDatabase Domain = "DB"
	// DomainQuery covers index and query operations.
	DomainQuery Domain = "Query"
	// DomainReplicator covers replicator lifecycle and progress.
	DomainReplicator Domain = "Sync"
	// DomainNetwork covers websocket and listener traffic.
	DomainNetwork Domain = "Network"
)

// Level represents a log level.
type Level int

const (
	// LevelDebug is for debug messages.
	LevelDebug Level = iota
	// LevelVerbose is for detailed operational messages.
	LevelVerbose
	// LevelInfo is for informational messages.
	LevelInfo
	// LevelWarning is for warning messages.
	LevelWarning
	// LevelError is for error messages.
	LevelError
	// LevelNone disables a sink entirely.
	LevelNone
)

// String returns the level name used in plaintext log output.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelVerbose:
		return "verbose"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelNone:
		return "none"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Callback receives every log message at or above the callback level.
type Callback func(domain Domain, level Level, message string)

type state struct {
	mu            sync.Mutex
	console       *slog.Logger
	consoleLevel  Level
	callback      Callback
	callbackLevel Level
	file          *fileSink
}

var global = &state{
	console:       slog.New(slog.NewTextHandler(os.Stderr, nil)),
	consoleLevel:  LevelInfo,
	callbackLevel: LevelInfo,
}

// SetConsoleLevel sets the minimum level written to the console.
func SetConsoleLevel(level Level) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.consoleLevel = level
}

// ConsoleLevel returns the current console level.
func ConsoleLevel() Level {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.consoleLevel
}

// SetCallback registers an application log callback. Passing nil removes the
// current callback.
func SetCallback(cb Callback) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.callback = cb
}

// SetCallbackLevel sets the minimum level delivered to the callback.
func SetCallbackLevel(level Level) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.callbackLevel = level
}

// slogLevel maps a Level onto the console handler's levels.
func slogLevel(l Level) slog.Level {
	switch l {
	case LevelDebug, LevelVerbose:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Logf logs a formatted message to every sink whose level admits it.
func Logf(domain Domain, level Level, format string, args ...any) {
	if level >= LevelNone {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}

	global.mu.Lock()
	console := global.console
	consoleOK := level >= global.consoleLevel && global.consoleLevel != LevelNone
	cb := global.callback
	cbOK := cb != nil && level >= global.callbackLevel && global.callbackLevel != LevelNone
	file := global.file
	global.mu.Unlock()

	if consoleOK {
		console.Log(context.Background(), slogLevel(level), msg, "domain", string(domain))
	}
	if cbOK {
		cb(domain, level, msg)
	}
	if file != nil {
		file.write(time.Now(), domain, level, msg)
	}
}

// Convenience wrappers used throughout the SDK.

// Debug logs a debug message for the given domain.
func Debug(domain Domain, format string, args ...any) {
	Logf(domain, LevelDebug, format, args...)
}

// Verbose logs a verbose message for the given domain.
func Verbose(domain Domain, format string, args ...any) {
	Logf(domain, LevelVerbose, format, args...)
}

// Info logs an informational message for the given domain.
func Info(domain Domain, format string, args ...any) {
	Logf(domain, LevelInfo, format, args...)
}

// Warn logs a warning for the given domain.
func Warn(domain Domain, format string, args ...any) {
	Logf(domain, LevelWarning, format, args...)
}

// Error logs an error for the given domain.
func Error(domain Domain, format string, args ...any) {
	Logf(domain, LevelError, format, args...)
}

// SetConsoleLogger replaces the console slog logger. Intended for tests and
// for applications that already configure slog themselves.
func SetConsoleLogger(logger *slog.Logger) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.console = logger
}
