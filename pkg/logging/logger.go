// Package logging provides the structured JSON logger used by every
// repository service.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents a log level
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = map[Level]string{
	DebugLevel: "DEBUG",
	InfoLevel:  "INFO",
	WarnLevel:  "WARN",
	ErrorLevel: "ERROR",
}

// String returns the string representation of a log level
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel converts a string to a Level. Unknown names map to InfoLevel.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DebugLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger is the interface for structured logging
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// With creates a child logger with the given fields pre-set
	With(fields ...Field) Logger
	SetLevel(level Level)
	GetLevel() Level
}

// entry is a single JSON log line.
type entry struct {
	Time    string         `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// sink is shared between a logger and the children created by With so
// that lines from all of them are serialised on one writer.
type sink struct {
	mu     sync.Mutex
	writer io.Writer
	level  Level
	now    func() time.Time
}

// JSONLogger implements Logger with one JSON object per line.
type JSONLogger struct {
	sink   *sink
	fields []Field
}

// NewJSONLogger creates a new JSON logger
func NewJSONLogger(writer io.Writer, level Level) *JSONLogger {
	return &JSONLogger{
		sink: &sink{writer: writer, level: level, now: time.Now},
	}
}

func (l *JSONLogger) log(level Level, msg string, fields []Field) {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	if level < s.level {
		return
	}

	e := entry{
		Time:    s.now().UTC().Format(time.RFC3339Nano),
		Level:   level.String(),
		Message: msg,
	}
	if n := len(l.fields) + len(fields); n > 0 {
		e.Fields = make(map[string]any, n)
		for _, f := range l.fields {
			e.Fields[f.Key] = f.Value
		}
		for _, f := range fields {
			e.Fields[f.Key] = f.Value
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(s.writer, "[ERROR] failed to marshal log entry %q: %v\n", msg, err)
		return
	}
	data = append(data, '\n')
	_, _ = s.writer.Write(data)
}

func (l *JSONLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *JSONLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *JSONLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *JSONLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

// With creates a child logger sharing the writer and level of l.
func (l *JSONLogger) With(fields ...Field) Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &JSONLogger{sink: l.sink, fields: merged}
}

// SetLevel sets the minimum log level for l and all loggers derived from it.
func (l *JSONLogger) SetLevel(level Level) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

func (l *JSONLogger) GetLevel() Level {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.level
}

// NopLogger discards everything. Useful in tests.
type NopLogger struct{}

func (NopLogger) Debug(string, ...Field)     {}
func (NopLogger) Info(string, ...Field)      {}
func (NopLogger) Warn(string, ...Field)      {}
func (NopLogger) Error(string, ...Field)     {}
func (n NopLogger) With(...Field) Logger     { return n }
func (NopLogger) SetLevel(Level)             {}
func (NopLogger) GetLevel() Level            { return InfoLevel }

// NewNopLogger creates a logger that discards all output
func NewNopLogger() Logger {
	return NopLogger{}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger
	defaultOnce   sync.Once
)

// DefaultLogger returns the process-wide logger. Its level is taken from
// the LOG_LEVEL environment variable on first use.
func DefaultLogger() Logger {
	defaultOnce.Do(func() {
		defaultMu.Lock()
		defer defaultMu.Unlock()
		if defaultLogger == nil {
			defaultLogger = NewJSONLogger(os.Stdout, ParseLevel(os.Getenv("LOG_LEVEL")))
		}
	})
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefaultLogger replaces the process-wide logger.
func SetDefaultLogger(logger Logger) {
	defaultOnce.Do(func() {})
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}

// OrDefault returns logger, or the process-wide logger when logger is nil.
func OrDefault(logger Logger) Logger {
	if logger == nil {
		return DefaultLogger()
	}
	return logger
}
