// Package logx provides structured logging functionality with component-scoped loggers.
package logx

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger is a component-scoped logger. Every subsystem creates its own with
// NewLogger so log lines can be attributed to the component that wrote them.
type Logger struct {
	component string
	logger    *log.Logger
}

// Level represents a log severity level.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool // Which components to enable debug for (nil = all)
}

// LogEntry represents a structured log entry kept in the in-memory buffer.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// ringBuffer stores recent log entries for diagnostics.
type ringBuffer struct {
	entries []LogEntry
	mutex   sync.RWMutex
	maxSize int
}

//nolint:gochecknoglobals // Package-level debug config and buffer, set once at startup
var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex

	recentLogs = &ringBuffer{maxSize: 1000}
)

// SetDebug enables or disables debug logging globally.
func SetDebug(enabled bool) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugConfig.Enabled = enabled
}

// SetDebugDomains restricts debug logging to the named components.
// Passing nil enables debug for all components (when debug is on).
func SetDebugDomains(domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	if domains == nil {
		debugConfig.Domains = nil
		return
	}
	m := make(map[string]bool, len(domains))
	for _, d := range domains {
		m[strings.TrimSpace(d)] = true
	}
	debugConfig.Domains = m
}

// debugEnabledFor reports whether debug logging is active for a component.
func debugEnabledFor(component string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[component]
}

// NewLogger creates a new logger scoped to the given component name.
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		logger:    log.New(os.Stderr, "", 0),
	}
}

// Component returns the component name this logger is scoped to.
func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns a new logger with a different component name but the
// same underlying writer.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		component: component,
		logger:    l.logger,
	}
}

func (l *Logger) log(level Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("15:04:05.000")

	l.logger.Printf("%s [%s] %-5s %s", ts, l.component, level, msg)

	recentLogs.append(LogEntry{
		Timestamp: ts,
		Component: l.component,
		Level:     string(level),
		Message:   msg,
	})
}

// Debug logs a debug message if debug logging is enabled for this component.
func (l *Logger) Debug(format string, args ...any) {
	if !debugEnabledFor(l.component) {
		return
	}
	l.log(LevelDebug, format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

func (rb *ringBuffer) append(entry LogEntry) {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()
	rb.entries = append(rb.entries, entry)
	if len(rb.entries) > rb.maxSize {
		rb.entries = rb.entries[len(rb.entries)-rb.maxSize:]
	}
}

// RecentEntries returns a copy of the most recent log entries, newest last.
func RecentEntries(limit int) []LogEntry {
	recentLogs.mutex.RLock()
	defer recentLogs.mutex.RUnlock()

	n := len(recentLogs.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]LogEntry, limit)
	copy(out, recentLogs.entries[n-limit:])
	return out
}
