package logging

import (
	"time"
)

// TimedOperation measures the duration of an operation and logs it once.
type TimedOperation struct {
	logger Logger
	msg    string
	start  time.Time
	fields []Field
}

// StartTimer begins timing an operation
func StartTimer(logger Logger, msg string, fields ...Field) *TimedOperation {
	return &TimedOperation{
		logger: logger,
		msg:    msg,
		start:  time.Now(),
		fields: fields,
	}
}

// Elapsed returns the time since the timer started.
func (t *TimedOperation) Elapsed() time.Duration {
	return time.Since(t.start)
}

func (t *TimedOperation) with(extra ...Field) []Field {
	out := make([]Field, 0, len(t.fields)+len(extra)+1)
	out = append(out, t.fields...)
	out = append(out, Latency(t.Elapsed()))
	return append(out, extra...)
}

// End logs the operation at debug level with its duration.
func (t *TimedOperation) End(extra ...Field) {
	t.logger.Debug(t.msg, t.with(extra...)...)
}

// EndError logs the operation as an error with its duration
func (t *TimedOperation) EndError(err error, extra ...Field) {
	t.logger.Error(t.msg, t.with(append(extra, Error(err))...)...)
}
