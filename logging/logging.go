// Package logging provides real-time console output for the bus.
// Every context (background, content, panel) logs under its own component
// name; the minimum level is shared so a settings change applies everywhere.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel accepts "debug", "info", "warn", "error" in any case.
func ParseLevel(s string) (Level, error) {
	lvl := Level(strings.ToUpper(strings.TrimSpace(s)))
	if lvl == "WARNING" {
		lvl = LevelWarn
	}
	if _, ok := levelPriority[lvl]; !ok {
		return "", fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// sink is shared between a logger and everything derived from it.
type sink struct {
	mu     sync.Mutex
	output io.Writer
	level  atomic.Value // Level
}

// Logger provides leveled logging to stdout.
type Logger struct {
	sink      *sink
	component string
	traceID   string
}

// New creates a new Logger at INFO level writing to stdout.
func New() *Logger {
	s := &sink{output: os.Stdout}
	s.level.Store(LevelInfo)
	return &Logger{sink: s}
}

// Discard returns a logger that writes nowhere. Useful as a default.
func Discard() *Logger {
	l := New()
	l.SetOutput(io.Discard)
	return l
}

// WithComponent returns a logger with the given component name.
// The level and output stay shared with the parent.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		sink:      l.sink,
		component: component,
		traceID:   l.traceID,
	}
}

// WithTraceID returns a logger that tags entries with a trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{
		sink:      l.sink,
		component: l.component,
		traceID:   traceID,
	}
}

// Component returns the component name.
func (l *Logger) Component() string {
	return l.component
}

// SetLevel sets the minimum log level for this logger and all loggers
// sharing its output.
func (l *Logger) SetLevel(level Level) {
	if _, ok := levelPriority[level]; !ok {
		return
	}
	l.sink.level.Store(level)
}

// Level returns the current minimum level.
func (l *Logger) Level() Level {
	return l.sink.level.Load().(Level)
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as key=value pairs, sorted by key.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

// log writes: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.Level()] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	merged := map[string]interface{}{}
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			merged[k] = v
		}
	}
	if l.traceID != "" {
		merged["trace_id"] = l.traceID
	}
	fieldStr := formatFields(merged)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.output.Write([]byte(line))
}

// --- Bus event logging ---

// Sent logs an outbound envelope after routing.
func (l *Logger) Sent(msgType, source, target string, delivered, skipped int) {
	if target == "" {
		target = "broadcast"
	}
	l.Debug("message_sent", map[string]interface{}{
		"type":      msgType,
		"source":    source,
		"target":    target,
		"delivered": delivered,
		"skipped":   skipped,
	})
}

// Received logs an inbound envelope before dispatch.
func (l *Logger) Received(msgType, source string, handlers int) {
	l.Debug("message_received", map[string]interface{}{
		"type":     msgType,
		"source":   source,
		"handlers": handlers,
	})
}

// HandlerFailed logs a subscriber failure. It is never propagated further.
func (l *Logger) HandlerFailed(msgType string, index int, err error) {
	l.Error("handler_failed", map[string]interface{}{
		"type":    msgType,
		"handler": index,
		"error":   err.Error(),
	})
}

// Relayed logs an envelope forwarded on behalf of another context.
func (l *Logger) Relayed(msgType, source, destination string, err error) {
	fields := map[string]interface{}{
		"type":        msgType,
		"source":      source,
		"destination": destination,
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("relay_dropped", fields)
		return
	}
	l.Debug("relayed", fields)
}

// SessionStarted logs a panel session handshake.
func (l *Logger) SessionStarted(sessionID, identity string) {
	l.Info("session_started", map[string]interface{}{
		"session":  sessionID,
		"identity": identity,
	})
}

// SessionEnded logs the end of a panel session.
func (l *Logger) SessionEnded(sessionID, reason string, duration time.Duration) {
	l.Info("session_ended", map[string]interface{}{
		"session":  sessionID,
		"reason":   reason,
		"duration": duration.String(),
	})
}
