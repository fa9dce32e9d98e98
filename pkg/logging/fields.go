package logging

import (
	"time"
)

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field       { return Field{Key: key, Value: value} }
func Int(key string, value int) Field      { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field  { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field    { return Field{Key: key, Value: value} }
func Any(key string, value any) Field      { return Field{Key: key, Value: value} }
func Time(key string, value time.Time) Field {
	return Field{Key: key, Value: value.UTC().Format(time.RFC3339Nano)}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

// Error records err under the "error" key. A nil error is logged as null.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Component(name string) Field { return String("component", name) }
func Operation(op string) Field   { return String("operation", op) }
func Count(n int) Field           { return Int("count", n) }
func Latency(d time.Duration) Field {
	return Duration("latency", d)
}

// Repository fields

func TxID(id string) Field          { return String("tx_id", id) }
func ResourceID(id string) Field    { return String("resource_id", id) }
func Parent(id string) Field        { return String("parent", id) }
func Child(id string) Field         { return String("child", id) }
func State(state string) Field      { return String("state", state) }
func Participant(name string) Field { return String("participant", name) }
